package simulator

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/rates"
)

const (
	// coldStartThreshold is the usage below which a device counts as new.
	coldStartThreshold = 0.01
	// incrementResolution is the smallest increment a powered device accrues.
	incrementResolution = 0.001
	randomFactorMin     = 0.8
	randomFactorSpan    = 0.4
)

func (r Range) sample(rng *rand.Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// increment is the energy accrued over one interval by an established device.
func increment(rng *rand.Rand, r Range, interval time.Duration, burst float64) float64 {
	hourly := r.sample(rng) * (randomFactorMin + rng.Float64()*randomFactorSpan)
	return roundIncrement(hourly * interval.Hours() * burst)
}

// coldStartIncrement keeps the first accruals of a new device small:
// 15-20% of the category minimum.
func coldStartIncrement(rng *rand.Rand, r Range, interval time.Duration, burst float64) float64 {
	hourly := r.Min * (0.15 + rng.Float64()*0.05)
	return roundIncrement(hourly * interval.Hours() * burst)
}

// maxIncrement bounds both increment formulas for a category.
func maxIncrement(r Range, interval time.Duration, burst, coldBurst float64) float64 {
	normal := roundIncrement(r.Max * (randomFactorMin + randomFactorSpan) * interval.Hours() * burst)
	cold := roundIncrement(r.Min * 0.2 * interval.Hours() * coldBurst)
	return math.Max(normal, cold)
}

func roundIncrement(v float64) float64 {
	v = math.Round(v*1000) / 1000
	if v < incrementResolution {
		return incrementResolution
	}
	return v
}

// instantaneous is the displayed draw: 20-40% into the range for new
// devices, 40-80% for established ones.
func instantaneous(rng *rand.Rand, r Range, cold bool) float64 {
	f := 0.4 + rng.Float64()*0.4
	if cold {
		f = 0.2 + rng.Float64()*0.2
	}
	v := r.Min + (r.Max-r.Min)*f
	return math.Round(v*100) / 100
}

func isColdStart(d *models.Device) bool {
	return d.DailyUsage < coldStartThreshold && d.MonthlyUsage < coldStartThreshold
}

type limitHit struct {
	Period models.Period
	Limit  float64
	Cost   float64
}

// exceededLimit checks the configured limits in priority order and returns
// the first one whose period cost has reached it. Weekly usage is taken as
// seven days of the current daily usage.
func exceededLimit(d *models.Device, daily, monthly, rate float64) (limitHit, bool) {
	for _, p := range models.LimitPeriods {
		l := d.Limit(p)
		if l == nil {
			continue
		}
		var usage float64
		switch p {
		case models.PeriodDaily:
			usage = daily
		case models.PeriodWeekly:
			usage = 7 * daily
		case models.PeriodMonthly:
			usage = monthly
		}
		if cost := rates.Cost(usage, rate); cost >= *l {
			return limitHit{Period: p, Limit: *l, Cost: cost}, true
		}
	}
	return limitHit{}, false
}
