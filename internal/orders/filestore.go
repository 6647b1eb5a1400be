package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// FileStore keeps one pretty-printed JSON file per record so an operator
// can inspect order history with nothing but a text editor. Writes go
// through a temp file and rename, then the directory entry is what the
// filesystem promises.
type FileStore struct {
	ordersDir   string
	sessionsDir string
}

// NewFileStore creates the store layout under root.
func NewFileStore(root string) (*FileStore, error) {
	s := &FileStore{
		ordersDir:   filepath.Join(root, "orders"),
		sessionsDir: filepath.Join(root, "sessions"),
	}
	for _, dir := range []string{s.ordersDir, s.sessionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// SaveOrder upserts one order record keyed by client order id.
func (s *FileStore) SaveOrder(ctx context.Context, order *contracts.Order) error {
	if order.ClientID == "" {
		return fmt.Errorf("order has no client id")
	}
	return writeJSON(filepath.Join(s.ordersDir, order.ClientID+".json"), order)
}

// GetOrder loads one order by client order id.
func (s *FileStore) GetOrder(ctx context.Context, clientID string) (*contracts.Order, error) {
	var order contracts.Order
	if err := readJSON(filepath.Join(s.ordersDir, clientID+".json"), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns all persisted orders sorted by placement time.
func (s *FileStore) ListOrders(ctx context.Context) ([]*contracts.Order, error) {
	entries, err := os.ReadDir(s.ordersDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read orders dir: %w", err)
	}

	out := make([]*contracts.Order, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var order contracts.Order
		if err := readJSON(filepath.Join(s.ordersDir, entry.Name()), &order); err != nil {
			return nil, fmt.Errorf("corrupt order record %s: %w", entry.Name(), err)
		}
		out = append(out, &order)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

// SaveState upserts the session strategy state keyed by session id.
func (s *FileStore) SaveState(ctx context.Context, state *contracts.StrategyState) error {
	if state.SessionID == "" {
		return fmt.Errorf("state has no session id")
	}
	return writeJSON(filepath.Join(s.sessionsDir, state.SessionID+".json"), state)
}

// LoadState loads a session's strategy state.
func (s *FileStore) LoadState(ctx context.Context, sessionID string) (*contracts.StrategyState, error) {
	var state contracts.StrategyState
	if err := readJSON(filepath.Join(s.sessionsDir, sessionID+".json"), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Close is a no-op; every write is already flushed.
func (s *FileStore) Close() error { return nil }

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
