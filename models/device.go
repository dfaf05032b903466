package models

import (
	"fmt"
	"time"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// LimitPeriods is the order limits are evaluated in; the first exceeded one wins.
var LimitPeriods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown limit period %q", s)
}

func (p Period) column() string {
	return string(p) + "_limit"
}

type Device struct {
	ID                 string    `gorm:"primaryKey;size:64" json:"id"`
	Owner              string    `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	Name               string    `gorm:"not null" json:"name"`
	DeviceType         string    `gorm:"size:32" json:"device_type"`
	SerialNumber       int       `json:"serial_number"`
	IPAddress          string    `gorm:"size:45" json:"ip_address"`
	PowerStatus        bool      `json:"power_status"`
	CurrentConsumption float64   `json:"current_consumption"`
	DailyUsage         float64   `json:"daily_usage"`
	MonthlyUsage       float64   `json:"monthly_usage"`
	ElectricityRate    float64   `json:"electricity_rate"`
	DailyLimit         *float64  `json:"daily_limit"`
	WeeklyLimit        *float64  `json:"weekly_limit"`
	MonthlyLimit       *float64  `json:"monthly_limit"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (d *Device) TableName() string {
	return "devices"
}

// Limit returns the configured spend ceiling for p, or nil when none is set.
func (d *Device) Limit(p Period) *float64 {
	switch p {
	case PeriodDaily:
		return d.DailyLimit
	case PeriodWeekly:
		return d.WeeklyLimit
	case PeriodMonthly:
		return d.MonthlyLimit
	}
	return nil
}

func (d *Device) SetLimit(p Period, v *float64) {
	switch p {
	case PeriodDaily:
		d.DailyLimit = v
	case PeriodWeekly:
		d.WeeklyLimit = v
	case PeriodMonthly:
		d.MonthlyLimit = v
	}
}

// DeviceUpdate is a partial write. Nil fields are left untouched; a Limits
// entry with a nil value clears that limit.
type DeviceUpdate struct {
	Name               *string
	PowerStatus        *bool
	CurrentConsumption *float64
	DailyUsage         *float64
	MonthlyUsage       *float64
	ElectricityRate    *float64
	Limits             map[Period]*float64
	UpdatedAt          time.Time
}

// Fields returns the column/value map understood by both gorm Updates and
// PostgREST PATCH bodies. Cleared limits map to an untyped nil.
func (u DeviceUpdate) Fields() map[string]any {
	f := map[string]any{}
	if u.Name != nil {
		f["name"] = *u.Name
	}
	if u.PowerStatus != nil {
		f["power_status"] = *u.PowerStatus
	}
	if u.CurrentConsumption != nil {
		f["current_consumption"] = *u.CurrentConsumption
	}
	if u.DailyUsage != nil {
		f["daily_usage"] = *u.DailyUsage
	}
	if u.MonthlyUsage != nil {
		f["monthly_usage"] = *u.MonthlyUsage
	}
	if u.ElectricityRate != nil {
		f["electricity_rate"] = *u.ElectricityRate
	}
	for p, v := range u.Limits {
		if v == nil {
			f[p.column()] = nil
		} else {
			f[p.column()] = *v
		}
	}
	if !u.UpdatedAt.IsZero() {
		f["updated_at"] = u.UpdatedAt
	}
	return f
}

// Apply mutates d the same way a store applies the update.
func (u DeviceUpdate) Apply(d *Device) {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.PowerStatus != nil {
		d.PowerStatus = *u.PowerStatus
	}
	if u.CurrentConsumption != nil {
		d.CurrentConsumption = *u.CurrentConsumption
	}
	if u.DailyUsage != nil {
		d.DailyUsage = *u.DailyUsage
	}
	if u.MonthlyUsage != nil {
		d.MonthlyUsage = *u.MonthlyUsage
	}
	if u.ElectricityRate != nil {
		d.ElectricityRate = *u.ElectricityRate
	}
	for p, v := range u.Limits {
		if v == nil {
			d.SetLimit(p, nil)
		} else {
			val := *v
			d.SetLimit(p, &val)
		}
	}
	if !u.UpdatedAt.IsZero() {
		d.UpdatedAt = u.UpdatedAt
	}
}

type Session struct {
	UserID string
}

func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool { return &v }
func String(v string) *string { return &v }
