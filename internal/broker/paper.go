package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// Paper is a simulated brokerage used by backtests and tests. Orders
// fill instantly at the current quote unless a failure is scripted.
type Paper struct {
	log *logger.Logger

	mu        sync.Mutex
	quotes    map[string]float64
	bars      map[string][]contracts.Bar
	orders    map[contracts.BrokerOrderRef]*contracts.BrokerOrderStatus
	nextRef   int
	rejects   map[string]int // scripted rejections by instrument key
	transient int            // scripted transient failures before next success
}

// NewPaper creates a paper broker.
func NewPaper(log *logger.Logger) *Paper {
	return &Paper{
		log:     log.WithComponent("paper-broker"),
		quotes:  make(map[string]float64),
		bars:    make(map[string][]contracts.Bar),
		orders:  make(map[contracts.BrokerOrderRef]*contracts.BrokerOrderStatus),
		rejects: make(map[string]int),
	}
}

// SetQuote scripts the current price for an instrument.
func (p *Paper) SetQuote(ins contracts.Instrument, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[ins.Key()] = price
}

// LoadBars scripts historical bars for an instrument.
func (p *Paper) LoadBars(ins contracts.Instrument, bars []contracts.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[ins.Key()] = bars
}

// RejectNext scripts n explicit rejections for an instrument.
func (p *Paper) RejectNext(ins contracts.Instrument, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[ins.Key()] = n
}

// FailNext scripts n transient placement failures across all instruments.
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transient = n
}

// Forget drops the broker-side record of an order, simulating the
// divergence reconciliation must surface.
func (p *Paper) Forget(ref contracts.BrokerOrderRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, ref)
}

// Authenticate establishes a paper session.
func (p *Paper) Authenticate(ctx context.Context) (*contracts.BrokerSession, error) {
	return &contracts.BrokerSession{
		AccessToken: "paper",
		UserID:      "paper",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

// SubscribeTicks replays scripted bars for the instruments as a tick
// stream, the same shape a live feed produces.
func (p *Paper) SubscribeTicks(ctx context.Context, instruments []contracts.Instrument) (contracts.TickSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var bars []contracts.Bar
	for _, ins := range instruments {
		bars = append(bars, p.bars[ins.Key()]...)
	}
	return NewReplaySource(bars, 0), nil
}

// GetHistorical retrieves scripted bars within the range.
func (p *Paper) GetHistorical(ctx context.Context, instrument contracts.Instrument, r contracts.Range) ([]contracts.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []contracts.Bar
	for _, bar := range p.bars[instrument.Key()] {
		if bar.Start.Before(r.From) || bar.Start.After(r.To) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// GetQuote returns the scripted last traded price.
func (p *Paper) GetQuote(ctx context.Context, instrument contracts.Instrument) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.quotes[instrument.Key()]
	if !ok {
		return 0, fmt.Errorf("no quote for %s", instrument.Key())
	}
	return price, nil
}

// PlaceOrder fills immediately at the current quote, honoring scripted
// rejections and transient failures.
func (p *Paper) PlaceOrder(ctx context.Context, spec contracts.OrderSpec) (contracts.BrokerOrderRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transient > 0 {
		p.transient--
		return "", fmt.Errorf("simulated network timeout")
	}
	if n := p.rejects[spec.Instrument.Key()]; n > 0 {
		p.rejects[spec.Instrument.Key()] = n - 1
		return "", fmt.Errorf("%w: margin check failed", contracts.ErrOrderRejected)
	}

	price := spec.Price
	if price == 0 {
		price = p.quotes[spec.Instrument.Key()]
	}

	p.nextRef++
	ref := contracts.BrokerOrderRef(fmt.Sprintf("PPR-%06d", p.nextRef))
	p.orders[ref] = &contracts.BrokerOrderStatus{
		Ref:       ref,
		Status:    contracts.StatusFilled,
		FilledQty: spec.Qty,
		AvgPrice:  price,
		UpdatedAt: time.Now().UTC(),
	}

	p.log.WithFields(map[string]interface{}{
		"ref":        ref,
		"instrument": spec.Instrument.Symbol(),
		"side":       spec.Side,
		"qty":        spec.Qty,
		"price":      price,
	}).Debug("Paper order filled")

	return ref, nil
}

// ModifyOrder is accepted but has no effect once filled.
func (p *Paper) ModifyOrder(ctx context.Context, ref contracts.BrokerOrderRef, spec contracts.OrderSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[ref]; !ok {
		return contracts.ErrUnknownOrder
	}
	return nil
}

// CancelOrder cancels an open order.
func (p *Paper) CancelOrder(ctx context.Context, ref contracts.BrokerOrderRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.orders[ref]
	if !ok {
		return contracts.ErrUnknownOrder
	}
	if status.Status == contracts.StatusFilled {
		return fmt.Errorf("%w: already filled", contracts.ErrOrderRejected)
	}
	status.Status = contracts.StatusCancelled
	return nil
}

// GetOrderStatus returns the broker's view of an order.
func (p *Paper) GetOrderStatus(ctx context.Context, ref contracts.BrokerOrderRef) (*contracts.BrokerOrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.orders[ref]
	if !ok {
		return nil, contracts.ErrUnknownOrder
	}
	snapshot := *status
	return &snapshot, nil
}
