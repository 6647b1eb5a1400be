package broker

import (
	"context"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// QuoteTap mirrors every tick into the paper broker's quote table
// before passing it on, so simulated fills always land at the latest
// replayed price.
type QuoteTap struct {
	src   contracts.TickSource
	paper *Paper
}

// NewQuoteTap wraps src so paper sees each price first.
func NewQuoteTap(src contracts.TickSource, paper *Paper) *QuoteTap {
	return &QuoteTap{src: src, paper: paper}
}

func (q *QuoteTap) Next(ctx context.Context) (contracts.Tick, error) {
	tick, err := q.src.Next(ctx)
	if err != nil {
		return tick, err
	}
	q.paper.SetQuote(tick.Instrument, tick.LastPrice)
	return tick, nil
}

func (q *QuoteTap) Close() error { return q.src.Close() }
