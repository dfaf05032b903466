// Package simulator advances the usage counters of powered devices on a
// fixed interval and turns devices off when a spend limit is reached.
package simulator

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/notify"
	"github.com/slickwilli/plugsave/pkg/rates"
	"github.com/slickwilli/plugsave/pkg/store"
	"go.uber.org/zap"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultBurst          = 3.0
	DefaultColdStartBurst = 5.0
)

// Recorder receives the readings persisted during one tick.
type Recorder interface {
	Record(ctx context.Context, readings []models.Reading) error
}

type Status struct {
	Enabled    bool  `json:"enabled"`
	Running    bool  `json:"running"`
	IntervalMs int64 `json:"interval_ms"`
}

// Report summarises one tick.
type Report struct {
	Devices   int            `json:"devices"`
	Accrued   int            `json:"accrued"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Triggered []notify.Event `json:"triggered,omitempty"`
	Err       error          `json:"-"`
}

type Simulator struct {
	devices  store.DeviceStore
	sessions store.SessionProvider
	notifier notify.Notifier
	recorder Recorder
	logger   *zap.Logger

	interval  time.Duration
	burst     float64
	coldBurst float64
	rng       *rand.Rand
	now       func() time.Time

	// running is the in-flight guard shared by the loop and forced ticks.
	running atomic.Bool
	// active counts the loop goroutine and ticks in flight.
	active sync.WaitGroup

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
}

type Option func(*Simulator)

func WithInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBurst sets the multipliers applied to established and new devices.
func WithBurst(burst, coldStart float64) Option {
	return func(s *Simulator) {
		if burst > 0 {
			s.burst = burst
		}
		if coldStart > 0 {
			s.coldBurst = coldStart
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Simulator) { s.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(s *Simulator) { s.recorder = r }
}

func WithRand(rng *rand.Rand) Option {
	return func(s *Simulator) { s.rng = rng }
}

func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

func New(logger *zap.Logger, devices store.DeviceStore, sessions store.SessionProvider, opts ...Option) *Simulator {
	s := &Simulator{
		devices:   devices,
		sessions:  sessions,
		notifier:  notify.Nop,
		logger:    logger.Named("simulator"),
		interval:  DefaultInterval,
		burst:     DefaultBurst,
		coldBurst: DefaultColdStartBurst,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		seed := uint64(s.now().UnixNano())
		s.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return s
}

// Start enables periodic ticking: one tick right away, then one per
// interval. It returns false if ticking was already enabled.
func (s *Simulator) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return false
	}
	s.enabled = true
	s.done = make(chan struct{})
	s.active.Add(1)
	go s.run(s.done)
	s.logger.Info("simulation started", zap.Duration("interval", s.interval))
	return true
}

// Stop disables periodic ticking. A tick already in flight still completes.
// It returns false if ticking was not enabled.
func (s *Simulator) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	s.enabled = false
	close(s.done)
	s.logger.Info("simulation stopped")
	return true
}

func (s *Simulator) Status() Status {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	return Status{
		Enabled:    enabled,
		Running:    s.running.Load(),
		IntervalMs: s.interval.Milliseconds(),
	}
}

// ForceTick starts one tick in the background unless one is already in
// flight, and reports whether it did.
func (s *Simulator) ForceTick() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("simulation already in progress")
		return false
	}
	s.active.Add(1)
	go func() {
		defer s.active.Done()
		defer s.running.Store(false)
		s.tick(context.Background())
	}()
	return true
}

// Tick runs one tick synchronously unless one is already in flight.
func (s *Simulator) Tick(ctx context.Context) (Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, false
	}
	s.active.Add(1)
	defer s.active.Done()
	defer s.running.Store(false)
	return s.tick(ctx), true
}

// Wait blocks until the loop has exited and no tick is in flight. Call it
// after Stop, before closing the stores the simulator writes to.
func (s *Simulator) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		s.active.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxIncrement is the largest amount one tick can add to a device of
// category c.
func (s *Simulator) MaxIncrement(c Category) float64 {
	return maxIncrement(c.Range(), s.interval, s.burst, s.coldBurst)
}

func (s *Simulator) run(done chan struct{}) {
	defer s.active.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(context.Background())
	for {
		select {
		case <-done:
			s.logger.Info("stopping simulation loop")
			return
		case <-ticker.C:
			// A stop that raced the ticker wins.
			select {
			case <-done:
				s.logger.Info("stopping simulation loop")
				return
			default:
			}
			if _, ok := s.Tick(context.Background()); !ok {
				s.logger.Debug("skipping scheduled tick, previous tick still running")
			}
		}
	}
}

func (s *Simulator) tick(ctx context.Context) Report {
	var report Report
	session, err := s.sessions.CurrentSession(ctx)
	if errors.Is(err, store.ErrSessionMissing) {
		s.logger.Info("no active session, skipping simulation")
		return report
	}
	if err != nil {
		s.logger.Error("error getting current session", zap.Error(err))
		s.tickError("get session: " + err.Error())
		report.Err = err
		return report
	}

	devices, err := s.devices.ListDevicesByOwner(ctx, session.UserID)
	if err != nil {
		s.logger.Error("error fetching devices", zap.String("user_id", session.UserID), zap.Error(err))
		s.tickError("list devices: " + err.Error())
		report.Err = err
		return report
	}
	report.Devices = len(devices)

	var readings []models.Reading
	for i := range devices {
		d := &devices[i]
		if d.Owner != session.UserID {
			s.logger.Warn("skipping device not owned by session user", zap.String("device_id", d.ID))
			report.Skipped++
			continue
		}
		if !d.PowerStatus {
			report.Skipped++
			continue
		}

		step := s.advance(d)
		if _, err := s.devices.UpdateDevice(ctx, d.ID, step.update); err != nil {
			s.logger.Error("error updating device consumption", zap.String("device_id", d.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Accrued++
		readings = append(readings, step.reading)
		s.logger.Debug(
			"updated device consumption",
			zap.String("device_id", d.ID),
			zap.String("name", d.Name),
			zap.Float64("increment", step.reading.Increment),
			zap.Float64("current_consumption", step.reading.CurrentConsumption),
			zap.Float64("daily_usage", step.reading.DailyUsage),
			zap.Float64("monthly_usage", step.reading.MonthlyUsage),
		)

		if step.hit != nil {
			e := notify.Event{
				Type:       notify.EventLimitTriggered,
				DeviceID:   d.ID,
				DeviceName: d.Name,
				Period:     step.hit.Period,
				LimitValue: step.hit.Limit,
				Cost:       step.hit.Cost,
				At:         step.reading.Timestamp,
			}
			s.notifier.Notify(e)
			report.Triggered = append(report.Triggered, e)
		}
	}

	if s.recorder != nil && len(readings) > 0 {
		if err := s.recorder.Record(ctx, readings); err != nil {
			s.logger.Error("error recording usage history", zap.Int("readings", len(readings)), zap.Error(err))
		}
	}
	s.logger.Info(
		"simulation cycle complete",
		zap.Int("devices", report.Devices),
		zap.Int("accrued", report.Accrued),
		zap.Int("failed", report.Failed),
		zap.Int("limits_triggered", len(report.Triggered)),
	)
	return report
}

type step struct {
	update  models.DeviceUpdate
	reading models.Reading
	hit     *limitHit
}

// advance computes the next state of a powered device without writing it.
func (s *Simulator) advance(d *models.Device) step {
	category, fromName := Classify(d)
	if fromName {
		s.logger.Debug(
			"classified device by name",
			zap.String("device_id", d.ID),
			zap.String("device_type", d.DeviceType),
			zap.String("category", category.String()),
		)
	}
	r := category.Range()
	cold := isColdStart(d)

	var inc float64
	if cold {
		inc = coldStartIncrement(s.rng, r, s.interval, s.coldBurst)
	} else {
		inc = increment(s.rng, r, s.interval, s.burst)
	}
	current := instantaneous(s.rng, r, cold)
	daily := math.Max(d.DailyUsage, 0) + inc
	monthly := math.Max(d.MonthlyUsage, 0) + inc
	rate := rates.RateFor(monthly)
	now := s.now()

	st := step{
		update: models.DeviceUpdate{
			CurrentConsumption: models.Float(current),
			DailyUsage:         models.Float(daily),
			MonthlyUsage:       models.Float(monthly),
			ElectricityRate:    models.Float(rate),
			UpdatedAt:          now,
		},
		reading: models.Reading{
			DeviceID:           d.ID,
			OwnerID:            d.Owner,
			DisplayName:        d.Name,
			Category:           category.String(),
			Increment:          inc,
			CurrentConsumption: current,
			DailyUsage:         daily,
			MonthlyUsage:       monthly,
			Timestamp:          now,
		},
	}
	if hit, ok := exceededLimit(d, daily, monthly, rate); ok {
		st.hit = &hit
		st.update.PowerStatus = models.Bool(false)
		st.update.Limits = map[models.Period]*float64{hit.Period: nil}
	}
	return st
}

func (s *Simulator) tickError(detail string) {
	s.notifier.Notify(notify.Event{Type: notify.EventTickError, Detail: detail, At: s.now()})
}
