package devices

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/rates"
	"github.com/slickwilli/plugsave/pkg/store"
	"go.uber.org/zap"
)

var serialPattern = regexp.MustCompile(`^\d{6}$`)

// ValidationError is a rejected user input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Refresher is told when a device was added so usage starts accruing
// without waiting for the next interval.
type Refresher interface {
	ForceTick() bool
}

type ResetScope string

const (
	ResetDaily   ResetScope = "daily"
	ResetMonthly ResetScope = "monthly"
	ResetAll     ResetScope = "all"
)

type Service struct {
	devices   store.DeviceStore
	sessions  store.SessionProvider
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(logger *zap.Logger, devices store.DeviceStore, sessions store.SessionProvider, refresher Refresher) *Service {
	seed := uint64(time.Now().UnixNano())
	return &Service{
		devices:   devices,
		sessions:  sessions,
		refresher: refresher,
		logger:    logger.Named("devices"),
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

func (s *Service) session(ctx context.Context) (*models.Session, error) {
	return s.sessions.CurrentSession(ctx)
}

// owned loads a device and hides it unless it belongs to the session user.
func (s *Service) owned(ctx context.Context, id string) (*models.Session, *models.Device, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.devices.GetDevice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.Owner != sess.UserID {
		return nil, nil, store.ErrNotFound
	}
	return sess, d, nil
}

func (s *Service) List(ctx context.Context) ([]models.Device, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.devices.ListDevicesByOwner(ctx, sess.UserID)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Device, error) {
	_, d, err := s.owned(ctx, id)
	return d, err
}

// Add creates a powered-on device with zero usage. The device type is kept
// as given. An empty serial gets a random six digit one.
func (s *Service) Add(ctx context.Context, name, deviceType, serial string) (*models.Device, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	deviceType = strings.TrimSpace(deviceType)
	if deviceType == "" {
		deviceType = "other"
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		serial = s.randomSerial()
	} else if !serialPattern.MatchString(serial) {
		return nil, &ValidationError{Field: "serial_number", Message: "must be a 6-digit number"}
	}
	serialNumber, _ := strconv.Atoi(serial)

	now := s.now()
	d, err := s.devices.CreateDevice(ctx, &models.Device{
		Owner:           sess.UserID,
		Name:            name,
		DeviceType:      deviceType,
		SerialNumber:    serialNumber,
		IPAddress:       s.randomIP(),
		PowerStatus:     true,
		ElectricityRate: rates.BaseRate,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("device added", zap.String("device_id", d.ID), zap.String("name", d.Name), zap.String("device_type", d.DeviceType))
	if s.refresher != nil && !s.refresher.ForceTick() {
		s.logger.Debug("simulation already in progress, new device accrues next tick")
	}
	return d, nil
}

func (s *Service) SetPower(ctx context.Context, id string, on bool) (*models.Device, error) {
	if _, _, err := s.owned(ctx, id); err != nil {
		return nil, err
	}
	return s.devices.UpdateDevice(ctx, id, models.DeviceUpdate{
		PowerStatus: models.Bool(on),
		UpdatedAt:   s.now(),
	})
}

func (s *Service) TogglePower(ctx context.Context, id string) (*models.Device, error) {
	_, d, err := s.owned(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.devices.UpdateDevice(ctx, id, models.DeviceUpdate{
		PowerStatus: models.Bool(!d.PowerStatus),
		UpdatedAt:   s.now(),
	})
}

// Settings is a partial settings edit. A Limits entry with a nil value
// removes that limit.
type Settings struct {
	Name   *string
	Limits map[models.Period]*float64
}

// UpdateSettings renames the device and edits limits, and refreshes the
// stored electricity rate from the monthly usage.
func (s *Service) UpdateSettings(ctx context.Context, id string, settings Settings) (*models.Device, error) {
	_, d, err := s.owned(ctx, id)
	if err != nil {
		return nil, err
	}
	upd := models.DeviceUpdate{
		ElectricityRate: models.Float(rates.RateFor(d.MonthlyUsage)),
		UpdatedAt:       s.now(),
	}
	if settings.Name != nil {
		name := strings.TrimSpace(*settings.Name)
		if name == "" {
			return nil, &ValidationError{Field: "name", Message: "must not be empty"}
		}
		upd.Name = &name
	}
	if len(settings.Limits) > 0 {
		upd.Limits = map[models.Period]*float64{}
		for p, v := range settings.Limits {
			if _, err := models.ParsePeriod(string(p)); err != nil {
				return nil, &ValidationError{Field: "limit", Message: err.Error()}
			}
			if v != nil && *v <= 0 {
				return nil, &ValidationError{Field: string(p) + "_limit", Message: "must be a positive number"}
			}
			upd.Limits[p] = v
		}
	}
	return s.devices.UpdateDevice(ctx, id, upd)
}

func (s *Service) ClearLimit(ctx context.Context, id string, p models.Period) (*models.Device, error) {
	if _, err := models.ParsePeriod(string(p)); err != nil {
		return nil, &ValidationError{Field: "period", Message: err.Error()}
	}
	if _, _, err := s.owned(ctx, id); err != nil {
		return nil, err
	}
	return s.devices.UpdateDevice(ctx, id, models.DeviceUpdate{
		Limits:    map[models.Period]*float64{p: nil},
		UpdatedAt: s.now(),
	})
}

// ResetUsage zeroes the chosen counters and the instantaneous draw.
func (s *Service) ResetUsage(ctx context.Context, id string, scope ResetScope) (*models.Device, error) {
	upd := models.DeviceUpdate{
		CurrentConsumption: models.Float(0),
		UpdatedAt:          s.now(),
	}
	switch scope {
	case ResetDaily:
		upd.DailyUsage = models.Float(0)
	case ResetMonthly:
		upd.MonthlyUsage = models.Float(0)
	case ResetAll, "":
		upd.DailyUsage = models.Float(0)
		upd.MonthlyUsage = models.Float(0)
	default:
		return nil, &ValidationError{Field: "period", Message: fmt.Sprintf("unknown reset scope %q", scope)}
	}
	if upd.MonthlyUsage != nil {
		upd.ElectricityRate = models.Float(rates.RateFor(0))
	}
	if _, _, err := s.owned(ctx, id); err != nil {
		return nil, err
	}
	return s.devices.UpdateDevice(ctx, id, upd)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, _, err := s.owned(ctx, id); err != nil {
		return err
	}
	if err := s.devices.DeleteDevice(ctx, id); err != nil {
		return err
	}
	s.logger.Info("device deleted", zap.String("device_id", id))
	return nil
}

func (s *Service) randomSerial() string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return strconv.Itoa(100000 + s.rng.IntN(900000))
}

// randomIP returns a synthetic address from a private range or a
// public-looking first octet.
func (s *Service) randomIP() string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	octet := func() int { return s.rng.IntN(256) }
	switch s.rng.IntN(4) {
	case 0:
		return fmt.Sprintf("192.168.%d.%d", octet(), octet())
	case 1:
		return fmt.Sprintf("10.%d.%d.%d", octet(), octet(), octet())
	case 2:
		return fmt.Sprintf("172.%d.%d.%d", 16+s.rng.IntN(16), octet(), octet())
	default:
		first := []int{23, 45, 67, 89, 104, 151, 185, 203}
		return fmt.Sprintf("%d.%d.%d.%d", first[s.rng.IntN(len(first))], octet(), octet(), octet())
	}
}
