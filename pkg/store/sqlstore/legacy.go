package sqlstore

import (
	"context"

	"github.com/slickwilli/plugsave/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// legacyLimitRow is the old single-limit columns on the devices table.
type legacyLimitRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	ConsumptionLimit *float64
	LimitPeriod      *string `gorm:"size:16"`
	AutoCutoff       *bool
}

func (legacyLimitRow) TableName() string {
	return "devices"
}

func (r legacyLimitRow) limit() models.LegacyLimit {
	return models.LegacyLimit{
		ConsumptionLimit: r.ConsumptionLimit,
		LimitPeriod:      r.LimitPeriod,
		AutoCutoff:       r.AutoCutoff,
	}
}

// MigrateLegacyLimits folds every row still carrying legacy limit columns
// into the period limits and clears the legacy columns. It returns the
// number of devices whose limits changed.
func (s *Store) MigrateLegacyLimits(ctx context.Context) (int, error) {
	var rows []legacyLimitRow
	if err := s.db.WithContext(ctx).
		Where("consumption_limit IS NOT NULL OR limit_period IS NOT NULL OR auto_cutoff IS NOT NULL").
		Find(&rows).Error; err != nil {
		return 0, err
	}

	migrated := 0
	for _, row := range rows {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var d models.Device
			if err := tx.Where("id = ?", row.ID).First(&d).Error; err != nil {
				return err
			}
			if models.FoldLegacyLimit(&d, row.limit()) {
				if err := tx.Model(&models.Device{}).Where("id = ?", d.ID).Updates(map[string]any{
					"daily_limit":   d.DailyLimit,
					"monthly_limit": d.MonthlyLimit,
				}).Error; err != nil {
					return err
				}
				migrated++
			}
			return tx.Model(&legacyLimitRow{}).Where("id = ?", row.ID).Updates(map[string]any{
				"consumption_limit": nil,
				"limit_period":      nil,
				"auto_cutoff":       nil,
			}).Error
		})
		if err != nil {
			s.logger.Error("error migrating legacy device limit", zap.String("device_id", row.ID), zap.Error(err))
			return migrated, err
		}
	}
	return migrated, nil
}
