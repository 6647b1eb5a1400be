package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

var (
	// ErrAlreadySubscribed is returned when an instrument is subscribed
	// twice within one session.
	ErrAlreadySubscribed = errors.New("instrument already subscribed")

	// ErrClosed is returned once the dispatcher has shut down.
	ErrClosed = errors.New("dispatcher closed")
)

// Stats counts delivery outcomes. Dropped ticks are data-quality events,
// never fatal.
type Stats struct {
	Delivered      uint64 `json:"delivered"`
	DuplicateDrops uint64 `json:"duplicate_drops"`
	StaleDrops     uint64 `json:"stale_drops"`
	OverflowDrops  uint64 `json:"overflow_drops"`
}

// Dispatcher is the single point of ingestion for market data. It
// consumes one TickSource and fans ticks out per instrument with
// per-instrument ordering, dedup and bounded buffering. Live and replay
// sources are indistinguishable to it.
type Dispatcher struct {
	cfg config.DispatcherConfig
	log *logger.Logger

	mu     sync.Mutex
	routes map[string]*route
	subs   []*Subscription
	stats  Stats
	closed bool
}

// route holds per-instrument ordering state. Consumers observe a
// non-decreasing sequence per instrument: everything at or behind the
// watermark is dropped, gapped ticks are held briefly for reordering.
type route struct {
	sub          *Subscription
	key          string
	watermark    uint64
	hasDelivered bool
	held         []contracts.Tick // sorted by Seq, bounded by ReorderDepth
}

// New creates a dispatcher.
func New(cfg config.DispatcherConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		log:    log.WithComponent("dispatcher"),
		routes: make(map[string]*route),
	}
}

// Subscribe registers interest in a set of instruments and returns the
// consumer handle. Subscribing the same instrument twice in one session
// fails with ErrAlreadySubscribed.
func (d *Dispatcher) Subscribe(instruments ...contracts.Instrument) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	for _, ins := range instruments {
		if _, exists := d.routes[ins.Key()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, ins.Key())
		}
	}

	sub := newSubscription(instruments, d.cfg.BufferCapacity)
	for _, ins := range instruments {
		d.routes[ins.Key()] = &route{sub: sub, key: ins.Key()}
	}
	d.subs = append(d.subs, sub)

	d.log.WithField("instruments", len(instruments)).Info("Subscription registered")
	return sub, nil
}

// Start consumes the tick source until it is exhausted or the context
// is cancelled. It blocks the calling goroutine; run it as a background
// task for live sessions.
func (d *Dispatcher) Start(ctx context.Context, src contracts.TickSource) error {
	defer d.close()

	for {
		tick, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.flushAll()
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				d.flushAll()
				return err
			}
			return fmt.Errorf("tick source failed: %w", err)
		}
		d.ingest(tick)
	}
}

// Stats returns a snapshot of delivery counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ingest applies per-instrument dedup and reordering, then delivers.
func (d *Dispatcher) ingest(tick contracts.Tick) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.routes[tick.Instrument.Key()]
	if !ok {
		// No consumer registered for this instrument.
		return
	}

	// A tick at or behind the delivery watermark can never be delivered
	// in order again: same sequence is a duplicate (reconnect replay),
	// lower sequence is stale.
	if r.hasDelivered && tick.Seq <= r.watermark {
		if tick.Seq == r.watermark {
			d.stats.DuplicateDrops++
			d.log.WithFields(map[string]interface{}{
				"instrument": r.key,
				"seq":        tick.Seq,
			}).Debug("Duplicate tick dropped")
		} else {
			d.stats.StaleDrops++
			d.log.WithFields(map[string]interface{}{
				"instrument": r.key,
				"seq":        tick.Seq,
				"watermark":  r.watermark,
			}).Warn("Stale tick dropped")
		}
		return
	}

	// The next contiguous sequence (or the very first tick) goes straight
	// through; holding it would only delay the freshest price.
	if !r.hasDelivered || tick.Seq == r.watermark+1 {
		d.deliverLocked(r, tick)
		d.drainHeldLocked(r)
		return
	}

	// Gapped tick: hold briefly, waiting for the gap to fill.
	for _, h := range r.held {
		if h.Seq == tick.Seq {
			d.stats.DuplicateDrops++
			return
		}
	}
	r.held = append(r.held, tick)
	sort.Slice(r.held, func(i, j int) bool { return r.held[i].Seq < r.held[j].Seq })

	// Bounded lateness: once the hold grows past the reorder depth or
	// the head has waited longer than the staleness window, give up on
	// the gap and release in order.
	newest := r.held[len(r.held)-1].Timestamp
	for len(r.held) > 0 {
		overDepth := len(r.held) > d.cfg.ReorderDepth
		overAge := newest.Sub(r.held[0].Timestamp) > d.cfg.StalenessWindow
		if !overDepth && !overAge {
			break
		}
		d.deliverLocked(r, r.held[0])
		r.held = r.held[1:]
		d.drainHeldLocked(r)
	}
}

// drainHeldLocked releases held ticks that became contiguous with the
// watermark. Caller holds d.mu.
func (d *Dispatcher) drainHeldLocked(r *route) {
	for len(r.held) > 0 && r.held[0].Seq <= r.watermark+1 {
		tick := r.held[0]
		r.held = r.held[1:]
		if tick.Seq <= r.watermark {
			d.stats.DuplicateDrops++
			continue
		}
		d.deliverLocked(r, tick)
	}
}

// deliverLocked pushes a tick to the consumer, advancing the watermark.
// Caller holds d.mu.
func (d *Dispatcher) deliverLocked(r *route, tick contracts.Tick) {
	r.watermark = tick.Seq
	r.hasDelivered = true
	if dropped := r.sub.push(tick); dropped {
		d.stats.OverflowDrops++
		d.log.WithField("instrument", r.key).Debug("Buffer overflow, oldest tick dropped")
	}
	d.stats.Delivered++
}

// flushAll delivers any held ticks in sequence order. Called when the
// source ends so replay runs observe every tick.
func (d *Dispatcher) flushAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.routes {
		for _, tick := range r.held {
			if !r.hasDelivered || tick.Seq > r.watermark {
				d.deliverLocked(r, tick)
			}
		}
		r.held = nil
	}
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	subs := d.subs
	d.closed = true
	d.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
