package history

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/slickwilli/plugsave/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Needs a running server, e.g. PLUGSAVE_TEST_CLICKHOUSE=127.0.0.1:9000.
func TestRecorderAgainstServer(t *testing.T) {
	addr := os.Getenv("PLUGSAVE_TEST_CLICKHOUSE")
	if addr == "" {
		t.Skip("PLUGSAVE_TEST_CLICKHOUSE not set")
	}
	ctx := context.Background()
	r, err := NewRecorder(ctx, zap.NewNop(), Options{
		Addresses: strings.Split(addr, ","),
		Database:  "default",
		Username:  "default",
	})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Record(ctx, []models.Reading{{
		DeviceID:           "test-device",
		OwnerID:            "test-user",
		DisplayName:        "Heater",
		Category:           "heater",
		Increment:          0.012,
		CurrentConsumption: 1.61,
		DailyUsage:         0.012,
		MonthlyUsage:       0.012,
		Timestamp:          time.Now().Truncate(time.Second),
	}}))
}

func TestNewRecorderUnreachableServer(t *testing.T) {
	_, err := NewRecorder(context.Background(), zap.NewNop(), Options{
		Addresses: []string{"127.0.0.1:1"},
		Database:  "plugsave",
		Username:  "default",
	})
	require.Error(t, err)
}
