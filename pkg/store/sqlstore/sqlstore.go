// Package sqlstore persists devices with gorm on sqlite.
package sqlstore

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/store"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ store.DeviceStore = (*Store)(nil)

// Open connects to the sqlite database at path, migrates the schema and
// folds any legacy single-limit rows into the period limits.
func Open(ctx context.Context, logger *zap.Logger, path string) (*Store, error) {
	logger = logger.Named("sqlstore")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer, and every connection to :memory: is a
	// separate database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.Device{}, &legacyLimitRow{}); err != nil {
		sqlDB.Close()
		return nil, err
	}
	s := &Store{db: db, logger: logger}
	n, err := s.MigrateLegacyLimits(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info("migrated legacy device limits", zap.Int("devices", n))
	}
	logger.Info("opened device database", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ListDevicesByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	var devices []models.Device
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at, id").
		Find(&devices).Error; err != nil {
		return nil, store.NewStoreError("list", err)
	}
	return devices, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("get", err)
	}
	return &d, nil
}

func (s *Store) UpdateDevice(ctx context.Context, id string, upd models.DeviceUpdate) (*models.Device, error) {
	fields := upd.Fields()
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = s.db.NowFunc()
	}
	res := s.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, store.NewStoreError("update", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetDevice(ctx, id)
}

func (s *Store) CreateDevice(ctx context.Context, d *models.Device) (*models.Device, error) {
	c := *d
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, store.NewStoreError("create", err)
	}
	return &c, nil
}

func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Device{})
	if res.Error != nil {
		return store.NewStoreError("delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
