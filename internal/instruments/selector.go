package instruments

import (
	"context"
	"errors"
	"fmt"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// ErrNoSellableStrike is returned when the premium walk runs out of
// strikes before finding one worth selling.
var ErrNoSellableStrike = errors.New("no strike with sellable premium")

// Quoter supplies last traded prices during strike selection.
type Quoter interface {
	GetQuote(ctx context.Context, instrument contracts.Instrument) (float64, error)
}

// Selector picks the session's leg contracts. Starting at spot plus the
// configured gap it walks one strike step toward the money whenever the
// candidate's premium is below the minimum sell price, so the chosen
// leg always has premium worth collecting.
type Selector struct {
	master *Master
	quoter Quoter
	params contracts.StrategyParams
	log    *logger.Logger
}

// NewSelector builds a selector over a loaded master.
func NewSelector(master *Master, quoter Quoter, params contracts.StrategyParams, log *logger.Logger) *Selector {
	return &Selector{
		master: master,
		quoter: quoter,
		params: params,
		log:    log.WithComponent("instruments"),
	}
}

// SelectLeg resolves one leg contract for the given index spot price.
func (s *Selector) SelectLeg(ctx context.Context, optionType contracts.OptionType, spot float64) (contracts.Instrument, error) {
	gap := s.params.CEGap
	if optionType == contracts.OptionTypePE {
		gap = s.params.PEGap
	}
	step := s.master.StrikeStep()
	if step == 0 {
		return contracts.Instrument{}, fmt.Errorf("%w: strike step unknown", ErrNoSellableStrike)
	}

	for ; gap >= 0; gap -= step {
		target := spot + float64(gap)
		if optionType == contracts.OptionTypePE {
			target = spot - float64(gap)
		}

		entry, err := s.master.Nearest(optionType, target)
		if err != nil {
			return contracts.Instrument{}, err
		}
		ins := entry.Instrument(s.params.SymbolInitials)

		premium, err := s.quoter.GetQuote(ctx, ins)
		if err != nil {
			return contracts.Instrument{}, fmt.Errorf("failed to quote %s: %w", ins.Symbol(), err)
		}
		if premium < s.params.MinPriceToSell {
			s.log.WithFields(map[string]interface{}{
				"symbol":  ins.Symbol(),
				"premium": premium,
				"min":     s.params.MinPriceToSell,
			}).Info("Premium below minimum, walking one strike in")
			continue
		}

		s.log.WithFields(map[string]interface{}{
			"symbol":  ins.Symbol(),
			"strike":  entry.Strike,
			"premium": premium,
			"spot":    spot,
		}).Info("Leg contract selected")
		return ins, nil
	}
	return contracts.Instrument{}, fmt.Errorf("%w: %s legs all under %.2f", ErrNoSellableStrike, optionType, s.params.MinPriceToSell)
}

// SelectLegs resolves both session legs from one spot observation.
func (s *Selector) SelectLegs(ctx context.Context, spot float64) (ce, pe contracts.Instrument, err error) {
	ce, err = s.SelectLeg(ctx, contracts.OptionTypeCE, spot)
	if err != nil {
		return contracts.Instrument{}, contracts.Instrument{}, err
	}
	pe, err = s.SelectLeg(ctx, contracts.OptionTypePE, spot)
	if err != nil {
		return contracts.Instrument{}, contracts.Instrument{}, err
	}
	return ce, pe, nil
}
