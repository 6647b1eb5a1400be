package contracts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OptionType distinguishes the two legs of the position.
type OptionType string

const (
	OptionTypeCE OptionType = "CE" // call
	OptionTypePE OptionType = "PE" // put
)

// Instrument identifies a tradeable contract. Strike 0 with an empty
// OptionType denotes the underlying index itself.
type Instrument struct {
	Underlying string     `json:"underlying"` // series initials, e.g. NIFTY25807
	Exchange   string     `json:"exchange"`
	Expiry     time.Time  `json:"expiry"`
	Strike     int64      `json:"strike"`
	OptionType OptionType `json:"option_type"`
}

// ParseIndex splits an exchange-qualified index symbol such as
// "NSE:NIFTY 50" into the bare underlying instrument.
func ParseIndex(qualified string) Instrument {
	if i := strings.Index(qualified, ":"); i >= 0 {
		return Instrument{Underlying: qualified[i+1:], Exchange: qualified[:i]}
	}
	return Instrument{Underlying: qualified}
}

// IsIndex reports whether the instrument is the bare underlying.
func (i Instrument) IsIndex() bool {
	return i.Strike == 0 && i.OptionType == ""
}

// Symbol derives the trading symbol deterministically from the series
// initials, strike and option type, e.g. NIFTY2580724500CE.
func (i Instrument) Symbol() string {
	if i.IsIndex() {
		return i.Underlying
	}
	return fmt.Sprintf("%s%d%s", i.Underlying, i.Strike, i.OptionType)
}

// Key returns the dispatcher routing key: "exchange:symbol".
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol()
}

// Tick is a single market-data update for one instrument. Seq is
// monotone non-decreasing per instrument within a session.
type Tick struct {
	Instrument Instrument `json:"instrument"`
	LastPrice  float64    `json:"last_price"`
	Timestamp  time.Time  `json:"timestamp"`
	Seq        uint64     `json:"seq"`
}

// Bar is one historical OHLC bar used by the replay source.
type Bar struct {
	Instrument Instrument `json:"instrument"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     int64      `json:"volume"`
	Start      time.Time  `json:"start"`
}

// TickSource produces a lazy ordered sequence of ticks. Next returns
// io.EOF when the source is exhausted. Live feeds and replayed history
// satisfy the same contract; consumers cannot tell them apart.
type TickSource interface {
	Next(ctx context.Context) (Tick, error)
	Close() error
}
