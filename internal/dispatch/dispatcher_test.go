package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// sliceSource replays a fixed tick slice through the TickSource contract.
type sliceSource struct {
	ticks []contracts.Tick
	pos   int
}

func (s *sliceSource) Next(ctx context.Context) (contracts.Tick, error) {
	if err := ctx.Err(); err != nil {
		return contracts.Tick{}, err
	}
	if s.pos >= len(s.ticks) {
		return contracts.Tick{}, io.EOF
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, nil
}

func (s *sliceSource) Close() error { return nil }

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		BufferCapacity:  64,
		StalenessWindow: 2 * time.Second,
		ReorderDepth:    4,
	}
}

func ceInstrument() contracts.Instrument {
	return contracts.Instrument{
		Underlying: "NIFTY25807",
		Exchange:   "NFO",
		Strike:     24700,
		OptionType: contracts.OptionTypeCE,
	}
}

func makeTicks(ins contracts.Instrument, seqs ...uint64) []contracts.Tick {
	base := time.Date(2025, 8, 7, 9, 30, 0, 0, time.UTC)
	ticks := make([]contracts.Tick, 0, len(seqs))
	for _, seq := range seqs {
		ticks = append(ticks, contracts.Tick{
			Instrument: ins,
			LastPrice:  float64(100 + seq),
			Timestamp:  base.Add(time.Duration(seq) * time.Millisecond),
			Seq:        seq,
		})
	}
	return ticks
}

func drain(t *testing.T, sub *Subscription) []contracts.Tick {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out []contracts.Tick
	for {
		tick, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, tick)
	}
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	d := New(testConfig(), logger.Nop())

	_, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	_, err = d.Subscribe(ceInstrument())
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestInOrderDelivery(t *testing.T) {
	d := New(testConfig(), logger.Nop())
	sub, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	src := &sliceSource{ticks: makeTicks(ceInstrument(), 1, 2, 3, 4, 5)}
	require.NoError(t, d.Start(context.Background(), src))

	got := drain(t, sub)
	require.Len(t, got, 5)
	for i, tick := range got {
		assert.Equal(t, uint64(i+1), tick.Seq)
	}
}

func TestDuplicatesDropped(t *testing.T) {
	d := New(testConfig(), logger.Nop())
	sub, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	src := &sliceSource{ticks: makeTicks(ceInstrument(), 1, 2, 2, 3, 3, 3, 4)}
	require.NoError(t, d.Start(context.Background(), src))

	got := drain(t, sub)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(3), d.Stats().DuplicateDrops)
}

func TestReorderedTicksDeliveredInSequence(t *testing.T) {
	d := New(testConfig(), logger.Nop())
	sub, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	// 3 arrives before 2: 3 is held until 2 fills the gap.
	src := &sliceSource{ticks: makeTicks(ceInstrument(), 1, 3, 2, 4)}
	require.NoError(t, d.Start(context.Background(), src))

	got := drain(t, sub)
	require.Len(t, got, 4)
	last := uint64(0)
	for _, tick := range got {
		assert.GreaterOrEqual(t, tick.Seq, last, "sequence regressed")
		last = tick.Seq
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs(got))
}

func TestStaleTickDroppedNotFatal(t *testing.T) {
	d := New(testConfig(), logger.Nop())
	sub, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	// 2 arrives after the watermark has passed it for good.
	src := &sliceSource{ticks: makeTicks(ceInstrument(), 1, 2, 3, 4, 5, 2)}
	require.NoError(t, d.Start(context.Background(), src))

	got := drain(t, sub)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(got))
	assert.Equal(t, uint64(1), d.Stats().StaleDrops)
}

func TestReorderDepthBoundsTheHold(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderDepth = 2
	d := New(cfg, logger.Nop())
	sub, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	// Seq 2 never arrives; the hold must give up once depth is exceeded.
	src := &sliceSource{ticks: makeTicks(ceInstrument(), 1, 3, 4, 5, 6)}
	require.NoError(t, d.Start(context.Background(), src))

	got := drain(t, sub)
	assert.Equal(t, []uint64{1, 3, 4, 5, 6}, seqs(got))
}

func TestOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacity = 3
	d := New(cfg, logger.Nop())
	sub, err := d.Subscribe(ceInstrument())
	require.NoError(t, err)

	src := &sliceSource{ticks: makeTicks(ceInstrument(), 1, 2, 3, 4, 5, 6)}
	require.NoError(t, d.Start(context.Background(), src))

	got := drain(t, sub)
	// Newest ticks survive; oldest were evicted.
	assert.Equal(t, []uint64{4, 5, 6}, seqs(got))
	assert.Equal(t, uint64(3), d.Stats().OverflowDrops)
}

func TestIndependentInstrumentsDoNotInterfere(t *testing.T) {
	ce := ceInstrument()
	pe := contracts.Instrument{
		Underlying: "NIFTY25807",
		Exchange:   "NFO",
		Strike:     24300,
		OptionType: contracts.OptionTypePE,
	}

	d := New(testConfig(), logger.Nop())
	sub, err := d.Subscribe(ce, pe)
	require.NoError(t, err)

	var ticks []contracts.Tick
	ticks = append(ticks, makeTicks(ce, 10, 11)...)
	ticks = append(ticks, makeTicks(pe, 1, 2, 3)...)
	ticks = append(ticks, makeTicks(ce, 12)...)
	src := &sliceSource{ticks: ticks}
	require.NoError(t, d.Start(context.Background(), src))

	var ceSeqs, peSeqs []uint64
	for _, tick := range drain(t, sub) {
		if tick.Instrument.OptionType == contracts.OptionTypeCE {
			ceSeqs = append(ceSeqs, tick.Seq)
		} else {
			peSeqs = append(peSeqs, tick.Seq)
		}
	}
	assert.Equal(t, []uint64{10, 11, 12}, ceSeqs)
	assert.Equal(t, []uint64{1, 2, 3}, peSeqs)
}

func seqs(ticks []contracts.Tick) []uint64 {
	out := make([]uint64, 0, len(ticks))
	for _, tick := range ticks {
		out = append(out, tick.Seq)
	}
	return out
}
