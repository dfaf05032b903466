package models

import "time"

// Reading is one accrued tick of one device, as written to the history table.
type Reading struct {
	DeviceID           string
	OwnerID            string
	DisplayName        string
	Category           string
	Increment          float64
	CurrentConsumption float64
	DailyUsage         float64
	MonthlyUsage       float64
	Timestamp          time.Time
}
