package models

// LegacyLimit is the older single-limit schema: one cost ceiling with a
// period and an auto cutoff switch.
type LegacyLimit struct {
	ConsumptionLimit *float64
	LimitPeriod      *string
	AutoCutoff       *bool
}

func (l LegacyLimit) IsSet() bool {
	return l.ConsumptionLimit != nil || l.LimitPeriod != nil || l.AutoCutoff != nil
}

// FoldLegacyLimit moves a legacy limit into the period-keyed fields of d.
// It only acts when auto cutoff was enabled and the target period is empty,
// and it reports whether d changed. A missing period means daily.
func FoldLegacyLimit(d *Device, l LegacyLimit) bool {
	if l.ConsumptionLimit == nil || *l.ConsumptionLimit <= 0 {
		return false
	}
	if l.AutoCutoff == nil || !*l.AutoCutoff {
		return false
	}
	p := PeriodDaily
	if l.LimitPeriod != nil && *l.LimitPeriod == string(PeriodMonthly) {
		p = PeriodMonthly
	}
	if d.Limit(p) != nil {
		return false
	}
	v := *l.ConsumptionLimit
	d.SetLimit(p, &v)
	return true
}
