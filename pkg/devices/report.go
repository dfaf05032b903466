package devices

import (
	"context"
	"math"
	"time"

	"github.com/slickwilli/plugsave/pkg/rates"
)

// SavingsFactor is the share of a device's monthly cost a user is assumed
// to save by following its limits.
const SavingsFactor = 0.15

type DeviceSummary struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	DeviceType   string  `json:"device_type"`
	PowerStatus  bool    `json:"power_status"`
	MonthlyUsage float64 `json:"monthly_usage"`
	Rate         float64 `json:"electricity_rate"`
	MonthlyCost  float64 `json:"monthly_cost"`
	Savings      float64 `json:"estimated_savings"`
}

type Summary struct {
	TotalDevices      int             `json:"total_devices"`
	ActiveDevices     int             `json:"active_devices"`
	TotalMonthlyUsage float64         `json:"total_monthly_usage"`
	TotalMonthlyCost  float64         `json:"total_monthly_cost"`
	TotalSavings      float64         `json:"total_estimated_savings"`
	Devices           []DeviceSummary `json:"devices"`
	GeneratedAt       time.Time       `json:"generated_at"`
}

// Summary totals the session user's devices for the monthly report. Each
// device is priced at the tier its own monthly usage falls in.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		TotalDevices: len(list),
		Devices:      make([]DeviceSummary, 0, len(list)),
		GeneratedAt:  s.now(),
	}
	for _, d := range list {
		usage := math.Max(d.MonthlyUsage, 0)
		rate := rates.RateFor(usage)
		cost := rates.Cost(usage, rate)
		ds := DeviceSummary{
			ID:           d.ID,
			Name:         d.Name,
			DeviceType:   d.DeviceType,
			PowerStatus:  d.PowerStatus,
			MonthlyUsage: usage,
			Rate:         rate,
			MonthlyCost:  cost,
			Savings:      cost * SavingsFactor,
		}
		if d.PowerStatus {
			sum.ActiveDevices++
		}
		sum.TotalMonthlyUsage += ds.MonthlyUsage
		sum.TotalMonthlyCost += ds.MonthlyCost
		sum.TotalSavings += ds.Savings
		sum.Devices = append(sum.Devices, ds)
	}
	return sum, nil
}
