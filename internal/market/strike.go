package market

import (
	"fmt"
	"strings"

	fpmath "OptionVault/internal/math"

	"github.com/holiman/uint256"
)

// StrategyKind names a strike placement relative to the basefee average.
// It doubles as the vault type.
type StrategyKind int32

const (
	InTheMoney StrategyKind = iota
	AtTheMoney
	OutOfTheMoney
)

func (k StrategyKind) String() string {
	switch k {
	case InTheMoney:
		return "in_the_money"
	case AtTheMoney:
		return "at_the_money"
	case OutOfTheMoney:
		return "out_of_the_money"
	default:
		return "unknown"
	}
}

// ParseStrategyKind accepts the long names and the itm/atm/otm shorthands.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_the_money", "itm":
		return InTheMoney, nil
	case "at_the_money", "atm":
		return AtTheMoney, nil
	case "out_of_the_money", "otm":
		return OutOfTheMoney, nil
	default:
		return 0, fmt.Errorf("unknown strike strategy: %q", s)
	}
}

// StrikePriceStrategy computes a round's strike from current statistics.
type StrikePriceStrategy interface {
	Calculate() *uint256.Int
	Kind() StrategyKind
}

// NewStrikePriceStrategy binds a strategy variant to an aggregator.
func NewStrikePriceStrategy(kind StrategyKind, agg MarketAggregator) (StrikePriceStrategy, error) {
	switch kind {
	case InTheMoney:
		return inTheMoney{agg: agg}, nil
	case AtTheMoney:
		return atTheMoney{agg: agg}, nil
	case OutOfTheMoney:
		return outOfTheMoney{agg: agg}, nil
	default:
		return nil, fmt.Errorf("unknown strike strategy kind: %d", kind)
	}
}

// inTheMoney: strike = avg + std
type inTheMoney struct{ agg MarketAggregator }

func (s inTheMoney) Calculate() *uint256.Int {
	return new(uint256.Int).Add(s.agg.PrevMonthAvgBasefee(), s.agg.PrevMonthStdDev())
}

func (s inTheMoney) Kind() StrategyKind { return InTheMoney }

// atTheMoney: strike = avg
type atTheMoney struct{ agg MarketAggregator }

func (s atTheMoney) Calculate() *uint256.Int {
	return s.agg.PrevMonthAvgBasefee()
}

func (s atTheMoney) Kind() StrategyKind { return AtTheMoney }

// outOfTheMoney: strike = avg - std, floored at zero.
type outOfTheMoney struct{ agg MarketAggregator }

func (s outOfTheMoney) Calculate() *uint256.Int {
	return fpmath.SaturatingSub(s.agg.PrevMonthAvgBasefee(), s.agg.PrevMonthStdDev())
}

func (s outOfTheMoney) Kind() StrategyKind { return OutOfTheMoney }
