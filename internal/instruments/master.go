// Package instruments maintains the tradeable contract master for one
// option series and selects strikes for the strategy.
package instruments

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/httputil"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// ErrNoInstrument is returned when no contract matches a strike query.
var ErrNoInstrument = errors.New("no matching instrument")

// Entry is one row of the broker's instrument dump.
type Entry struct {
	TradingSymbol  string
	Exchange       string
	Segment        string
	InstrumentType string // CE or PE for options
	Strike         int64
	Expiry         time.Time
	LotSize        int
}

// Instrument converts the entry into the routing identity used
// everywhere else.
func (e Entry) Instrument(underlying string) contracts.Instrument {
	return contracts.Instrument{
		Underlying: underlying,
		Exchange:   e.Exchange,
		Expiry:     e.Expiry,
		Strike:     e.Strike,
		OptionType: contracts.OptionType(e.InstrumentType),
	}
}

// Master holds the option chain for one series and derives its strike
// grid. Entries are loaded once per session; reads are not guarded.
type Master struct {
	client *httputil.Client
	url    string
	log    *logger.Logger

	series  string
	entries []Entry
	step    int64
}

// NewMaster builds a master that downloads the dump from url.
func NewMaster(client *httputil.Client, url string, log *logger.Logger) *Master {
	return &Master{client: client, url: url, log: log.WithComponent("instruments")}
}

// Download fetches the instrument dump and keeps only the option rows
// of the given series, e.g. NIFTY25807.
func (m *Master) Download(ctx context.Context, series string) error {
	resp, err := m.client.Get(ctx, m.url)
	if err != nil {
		return fmt.Errorf("failed to download instrument dump: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("instrument dump returned status %d", resp.StatusCode)
	}

	entries, err := parseDump(resp.Body, series)
	if err != nil {
		return err
	}
	m.Load(series, entries)

	m.log.WithFields(map[string]interface{}{
		"series": series,
		"count":  len(entries),
		"step":   m.step,
	}).Info("Instrument master loaded")
	return nil
}

// Load installs a pre-parsed chain. Backtests and tests use this
// instead of Download.
func (m *Master) Load(series string, entries []Entry) {
	m.series = series
	m.entries = entries
	m.step = deriveStep(entries)
}

// parseDump reads the CSV dump, keeping option rows whose trading
// symbol starts with the series initials.
func parseDump(r io.Reader, series string) ([]Entry, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"tradingsymbol", "strike", "instrument_type", "segment", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instrument dump missing column %q", required)
		}
	}

	var entries []Entry
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dump row: %w", err)
		}

		symbol := row[col["tradingsymbol"]]
		if !strings.HasPrefix(symbol, series) {
			continue
		}
		otype := row[col["instrument_type"]]
		if otype != "CE" && otype != "PE" {
			continue
		}

		strike, err := strconv.ParseFloat(row[col["strike"]], 64)
		if err != nil {
			continue
		}

		entry := Entry{
			TradingSymbol:  symbol,
			Exchange:       row[col["exchange"]],
			Segment:        row[col["segment"]],
			InstrumentType: otype,
			Strike:         int64(strike),
		}
		if i, ok := col["expiry"]; ok && row[i] != "" {
			if expiry, err := time.Parse("2006-01-02", row[i]); err == nil {
				entry.Expiry = expiry
			}
		}
		if i, ok := col["lot_size"]; ok {
			if lot, err := strconv.Atoi(row[i]); err == nil {
				entry.LotSize = lot
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// deriveStep computes the gap between adjacent strikes from the two
// lowest call strikes of the chain.
func deriveStep(entries []Entry) int64 {
	var strikes []int64
	seen := make(map[int64]bool)
	for _, e := range entries {
		if e.InstrumentType == "CE" && !seen[e.Strike] {
			seen[e.Strike] = true
			strikes = append(strikes, e.Strike)
		}
	}
	if len(strikes) < 2 {
		return 0
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i] < strikes[j] })
	return strikes[1] - strikes[0]
}

// StrikeStep returns the derived distance between adjacent strikes.
func (m *Master) StrikeStep() int64 {
	return m.step
}

// Count returns the number of loaded option rows.
func (m *Master) Count() int {
	return len(m.entries)
}

// Nearest returns the contract of the given type whose strike is
// closest to target, within half a strike step.
func (m *Master) Nearest(optionType contracts.OptionType, target float64) (Entry, error) {
	if m.step == 0 {
		return Entry{}, fmt.Errorf("%w: strike step unknown for %s", ErrNoInstrument, m.series)
	}

	var best Entry
	bestDiff := math.MaxFloat64
	for _, e := range m.entries {
		if e.InstrumentType != string(optionType) {
			continue
		}
		diff := math.Abs(float64(e.Strike) - target)
		if diff < bestDiff {
			best = e
			bestDiff = diff
		}
	}
	tolerance := float64(m.step) / 2
	if bestDiff > tolerance {
		return Entry{}, fmt.Errorf("%w: no %s strike within %.0f of %.0f", ErrNoInstrument, optionType, tolerance, target)
	}
	return best, nil
}
