package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/httputil"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// REST is a brokerage adapter over a Kite-style HTTP API: form-encoded
// writes, JSON reads, token auth header, and a websocket tick feed.
type REST struct {
	client  *httputil.Client
	baseURL string
	wsURL   string
	apiKey  string
	secret  string
	token   string
	log     *logger.Logger
}

// NewREST builds the adapter from broker configuration. Authenticate
// must succeed before any other call.
func NewREST(cfg config.BrokerConfig, log *logger.Logger) *REST {
	client := httputil.New(log).WithRateLimit(cfg.RatePerSecond, 1)
	return &REST{
		client:  client,
		baseURL: cfg.BaseURL,
		wsURL:   cfg.WSURL,
		apiKey:  cfg.APIKey,
		secret:  cfg.APISecret,
		log:     log.WithComponent("broker"),
	}
}

// apiEnvelope is the common response wrapper.
type apiEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// decode reads and unwraps a response envelope, mapping API errors to
// the broker error taxonomy.
func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return contracts.ErrUnknownOrder
	}
	if resp.StatusCode >= 400 || env.Status == "error" {
		// 4xx with a structured error is an explicit refusal, not a
		// transient fault.
		if resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s", contracts.ErrOrderRejected, env.Message)
		}
		return fmt.Errorf("broker API error (status %d): %s", resp.StatusCode, env.Message)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Authenticate exchanges the API credentials for an access token and
// installs it on every subsequent request.
func (r *REST) Authenticate(ctx context.Context) (*contracts.BrokerSession, error) {
	form := url.Values{}
	form.Set("api_key", r.apiKey)
	form.Set("api_secret", r.secret)

	resp, err := r.client.PostForm(ctx, r.baseURL+"/session/token", form)
	if err != nil {
		return nil, fmt.Errorf("authentication request failed: %w", err)
	}

	var data struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := decode(resp, &data); err != nil {
		return nil, fmt.Errorf("authentication rejected: %w", err)
	}

	r.token = data.AccessToken
	r.client.WithHeader("Authorization", fmt.Sprintf("token %s:%s", r.apiKey, r.token))

	r.log.WithField("user", data.UserID).Info("Broker session established")
	return &contracts.BrokerSession{
		AccessToken: data.AccessToken,
		UserID:      data.UserID,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

// SubscribeTicks opens the websocket feed for the given instruments.
func (r *REST) SubscribeTicks(ctx context.Context, instruments []contracts.Instrument) (contracts.TickSource, error) {
	feed := NewWSFeed(r.wsURL, r.token, instruments, r.log)
	if err := feed.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to open tick feed: %w", err)
	}
	return feed, nil
}

// GetQuote returns the last traded price of one instrument.
func (r *REST) GetQuote(ctx context.Context, instrument contracts.Instrument) (float64, error) {
	key := instrument.Key()
	resp, err := r.client.Get(ctx, r.baseURL+"/quote/ltp?i="+url.QueryEscape(key))
	if err != nil {
		return 0, fmt.Errorf("quote request failed: %w", err)
	}

	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := decode(resp, &data); err != nil {
		return 0, err
	}
	q, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("no quote returned for %s", key)
	}
	return q.LastPrice, nil
}

// GetHistorical retrieves minute candles for an instrument.
func (r *REST) GetHistorical(ctx context.Context, instrument contracts.Instrument, win contracts.Range) ([]contracts.Bar, error) {
	endpoint := fmt.Sprintf("%s/instruments/historical/%s/minute?from=%s&to=%s",
		r.baseURL,
		url.PathEscape(instrument.Key()),
		url.QueryEscape(win.From.Format("2006-01-02 15:04:05")),
		url.QueryEscape(win.To.Format("2006-01-02 15:04:05")),
	)
	resp, err := r.client.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("historical request failed: %w", err)
	}

	// Candle rows mix a timestamp string with numbers, so they decode
	// as untyped values.
	var data struct {
		Candles [][]interface{} `json:"candles"`
	}
	if err := decode(resp, &data); err != nil {
		return nil, err
	}

	bars := make([]contracts.Bar, 0, len(data.Candles))
	for _, c := range data.Candles {
		if len(c) < 6 {
			continue
		}
		ts, ok := c[0].(string)
		if !ok {
			continue
		}
		start, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		bars = append(bars, contracts.Bar{
			Instrument: instrument,
			Open:       asFloat(c[1]),
			High:       asFloat(c[2]),
			Low:        asFloat(c[3]),
			Close:      asFloat(c[4]),
			Volume:     int64(asFloat(c[5])),
			Start:      start,
		})
	}
	return bars, nil
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// orderForm encodes an order spec the way the API expects it.
func orderForm(spec contracts.OrderSpec) url.Values {
	form := url.Values{}
	form.Set("tradingsymbol", spec.Instrument.Symbol())
	form.Set("exchange", spec.Instrument.Exchange)
	form.Set("transaction_type", string(spec.Side))
	form.Set("quantity", strconv.Itoa(spec.Qty))
	form.Set("product", "NRML")
	if spec.Price > 0 {
		form.Set("order_type", "LIMIT")
		form.Set("price", strconv.FormatFloat(spec.Price, 'f', 2, 64))
	} else {
		form.Set("order_type", "MARKET")
	}
	if spec.Tag != "" {
		form.Set("tag", spec.Tag)
	}
	return form
}

// PlaceOrder submits a regular order.
func (r *REST) PlaceOrder(ctx context.Context, spec contracts.OrderSpec) (contracts.BrokerOrderRef, error) {
	resp, err := r.client.PostForm(ctx, r.baseURL+"/orders/regular", orderForm(spec))
	if err != nil {
		return "", fmt.Errorf("order placement failed: %w", err)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := decode(resp, &data); err != nil {
		return "", err
	}

	r.log.WithFields(map[string]interface{}{
		"order_id":   data.OrderID,
		"instrument": spec.Instrument.Symbol(),
		"side":       spec.Side,
		"qty":        spec.Qty,
	}).Info("Order placed")
	return contracts.BrokerOrderRef(data.OrderID), nil
}

// ModifyOrder replaces the working spec of an open order.
func (r *REST) ModifyOrder(ctx context.Context, ref contracts.BrokerOrderRef, spec contracts.OrderSpec) error {
	resp, err := r.client.Form(ctx, http.MethodPut, r.baseURL+"/orders/regular/"+url.PathEscape(string(ref)), orderForm(spec))
	if err != nil {
		return fmt.Errorf("order modification failed: %w", err)
	}
	return decode(resp, nil)
}

// CancelOrder cancels an open order.
func (r *REST) CancelOrder(ctx context.Context, ref contracts.BrokerOrderRef) error {
	resp, err := r.client.Delete(ctx, r.baseURL+"/orders/regular/"+url.PathEscape(string(ref)))
	if err != nil {
		return fmt.Errorf("order cancellation failed: %w", err)
	}
	return decode(resp, nil)
}

// statusMap translates API order states to the tracker's statuses.
var statusMap = map[string]contracts.OrderStatus{
	"OPEN":      contracts.StatusAcknowledged,
	"TRIGGER":   contracts.StatusAcknowledged,
	"PARTIAL":   contracts.StatusPartiallyFilled,
	"COMPLETE":  contracts.StatusFilled,
	"CANCELLED": contracts.StatusCancelled,
	"REJECTED":  contracts.StatusRejected,
	"EXPIRED":   contracts.StatusExpired,
}

// GetOrderStatus returns the broker's latest view of an order.
func (r *REST) GetOrderStatus(ctx context.Context, ref contracts.BrokerOrderRef) (*contracts.BrokerOrderStatus, error) {
	resp, err := r.client.Get(ctx, r.baseURL+"/orders/"+url.PathEscape(string(ref)))
	if err != nil {
		return nil, fmt.Errorf("order status request failed: %w", err)
	}

	// The history endpoint returns every transition; the last row is
	// the current state.
	var data []struct {
		Status    string  `json:"status"`
		FilledQty int     `json:"filled_quantity"`
		AvgPrice  float64 `json:"average_price"`
	}
	if err := decode(resp, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, contracts.ErrUnknownOrder
	}

	last := data[len(data)-1]
	status, ok := statusMap[last.Status]
	if !ok {
		status = contracts.StatusAcknowledged
	}
	return &contracts.BrokerOrderStatus{
		Ref:       ref,
		Status:    status,
		FilledQty: last.FilledQty,
		AvgPrice:  last.AvgPrice,
		UpdatedAt: time.Now().UTC(),
	}, nil
}
