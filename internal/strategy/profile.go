// Package strategy turns a payment into a deposit amount and a split between
// the lending and derivative venues.
package strategy

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Profile names accepted from the client.
const (
	Conservative = "conservative"
	Balanced     = "balanced"
	Aggressive   = "aggressive"
)

// DefaultProfile is used for unknown or empty profile names.
const DefaultProfile = Conservative

// Profile is a fixed allocation split. LendingPercent and DerivativePercent
// always sum to 100.
type Profile struct {
	Name              string
	LendingPercent    int64
	DerivativePercent int64
	// Leverage applies to the derivative allocation only.
	Leverage decimal.Decimal
}

// HasDerivative reports whether the profile allocates anything to the
// derivative venue.
func (p Profile) HasDerivative() bool {
	return p.DerivativePercent > 0
}

var profiles = map[string]Profile{
	Conservative: {Name: Conservative, LendingPercent: 100, DerivativePercent: 0, Leverage: decimal.Zero},
	Balanced:     {Name: Balanced, LendingPercent: 50, DerivativePercent: 50, Leverage: decimal.RequireFromString("2.5")},
	Aggressive:   {Name: Aggressive, LendingPercent: 0, DerivativePercent: 100, Leverage: decimal.NewFromInt(5)},
}

// ResolveProfile looks up a profile by name, case-insensitively. Unknown or
// empty names resolve to DefaultProfile with usedFallback set so the caller
// can log it.
func ResolveProfile(name string) (p Profile, usedFallback bool) {
	if p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p, false
	}
	return profiles[DefaultProfile], true
}

// ProfileNames returns the known profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
