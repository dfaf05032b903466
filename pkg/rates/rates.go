// Package rates maps cumulative monthly usage to a price per kWh.
package rates

import "math"

type Tier struct {
	// UpTo is the inclusive upper bound of monthly kWh for this tier.
	// The last tier uses +Inf.
	UpTo float64
	Rate float64
}

// ResidentialTiers is the flat residential tariff in SAR/kWh.
var ResidentialTiers = []Tier{
	{UpTo: 6000, Rate: 0.18},
	{UpTo: math.Inf(1), Rate: 0.30},
}

// BaseRate is the first-tier rate assigned to freshly created devices.
var BaseRate = ResidentialTiers[0].Rate

// RateFor returns the rate that applies to a month with the given usage.
// Negative usage is treated as zero.
func RateFor(monthlyUsage float64) float64 {
	return rateFor(ResidentialTiers, monthlyUsage)
}

func rateFor(tiers []Tier, usage float64) float64 {
	if usage < 0 || math.IsNaN(usage) {
		usage = 0
	}
	for _, t := range tiers {
		if usage <= t.UpTo {
			return t.Rate
		}
	}
	return tiers[len(tiers)-1].Rate
}

func Cost(usage, rate float64) float64 {
	return usage * rate
}
