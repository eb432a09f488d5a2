package domain

import (
	"fmt"
	"strings"
)

// Tier is the research depth a user pays for.
type Tier string

const (
	TierBasic         Tier = "basic"
	TierStandard      Tier = "standard"
	TierComprehensive Tier = "comprehensive"
)

var tierCosts = map[Tier]int64{
	TierBasic:         6,
	TierStandard:      12,
	TierComprehensive: 18,
}

// Tiers lists every tier, cheapest first.
func Tiers() []Tier {
	return []Tier{TierBasic, TierStandard, TierComprehensive}
}

func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierCosts[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
	return tier, nil
}

func (t Tier) Valid() bool {
	_, ok := tierCosts[t]
	return ok
}

// Cost is the credit price of one research run at this tier, 0 for unknown tiers.
func (t Tier) Cost() int64 {
	return tierCosts[t]
}

func (t Tier) String() string { return string(t) }
