// Package history writes per-tick usage readings to ClickHouse.
package history

import (
	"context"
	"fmt"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/slickwilli/plugsave/models"
	"go.uber.org/zap"
)

const createReadingsTable = `
CREATE TABLE IF NOT EXISTS %s.power_readings (
	DeviceID String,
	OwnerID String,
	DisplayName String,
	Category LowCardinality(String),
	Increment Float64,
	CurrentConsumption Float64,
	DailyUsage Float64,
	MonthlyUsage Float64,
	Timestamp DateTime
)
ENGINE = MergeTree
PRIMARY KEY (OwnerID, DeviceID, Timestamp)
`

type Options struct {
	Addresses []string
	Database  string
	Username  string
	Password  string
}

type Recorder struct {
	conn   clickhouse.Conn
	logger *zap.Logger
}

func NewRecorder(ctx context.Context, logger *zap.Logger, opts Options) (*Recorder, error) {
	logger = logger.Named("history")
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addresses,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	v, err := conn.ServerVersion()
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("connected to clickhouse server", zap.String("version", v.Version.String()), zap.Uint64("revision", v.Revision))
	if err := conn.Exec(ctx, fmt.Sprintf(createReadingsTable, opts.Database)); err != nil {
		conn.Close()
		return nil, err
	}
	return &Recorder{conn: conn, logger: logger}, nil
}

// Record sends one batch per tick. Rows that fail to append are dropped
// and the rest are still sent.
func (r *Recorder) Record(ctx context.Context, readings []models.Reading) error {
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO power_readings")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range readings {
		if err := batch.AppendStruct(&readings[i]); err != nil {
			r.logger.Warn("error appending reading to clickhouse batch", zap.String("device_id", readings[i].DeviceID), zap.Error(err))
			continue
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	return r.conn.Close()
}
