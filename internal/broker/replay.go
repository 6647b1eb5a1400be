package broker

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// ReplaySource turns stored historical bars into a synthetic tick
// stream at a deterministic cadence. It satisfies the same TickSource
// contract as the live feed, which is what keeps backtest and live
// behavior equivalent: the dispatcher and strategy engine cannot tell
// the difference.
type ReplaySource struct {
	ticks []contracts.Tick
	pos   int
	pace  time.Duration // 0 replays as fast as the consumer pulls
}

// NewReplaySource expands bars into open/high/low/close ticks, ordered
// by bar start time, with per-instrument sequence numbers starting at 1.
func NewReplaySource(bars []contracts.Bar, pace time.Duration) *ReplaySource {
	sorted := make([]contracts.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	seqs := make(map[string]uint64)
	ticks := make([]contracts.Tick, 0, len(sorted)*4)
	for _, bar := range sorted {
		key := bar.Instrument.Key()
		for i, price := range []float64{bar.Open, bar.High, bar.Low, bar.Close} {
			seqs[key]++
			ticks = append(ticks, contracts.Tick{
				Instrument: bar.Instrument,
				LastPrice:  price,
				Timestamp:  bar.Start.Add(time.Duration(i) * time.Second),
				Seq:        seqs[key],
			})
		}
	}

	return &ReplaySource{ticks: ticks, pace: pace}
}

// Next returns the next synthetic tick, or io.EOF when history is
// exhausted.
func (r *ReplaySource) Next(ctx context.Context) (contracts.Tick, error) {
	if err := ctx.Err(); err != nil {
		return contracts.Tick{}, err
	}
	if r.pos >= len(r.ticks) {
		return contracts.Tick{}, io.EOF
	}

	if r.pace > 0 && r.pos > 0 {
		select {
		case <-ctx.Done():
			return contracts.Tick{}, ctx.Err()
		case <-time.After(r.pace):
		}
	}

	tick := r.ticks[r.pos]
	r.pos++
	return tick, nil
}

// Close releases nothing; replay holds no resources.
func (r *ReplaySource) Close() error { return nil }
