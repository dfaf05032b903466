package simulator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/notify"
	"github.com/slickwilli/plugsave/pkg/rates"
	"github.com/slickwilli/plugsave/pkg/store"
	"github.com/slickwilli/plugsave/pkg/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const owner = "user-1"

type testStore struct {
	*memstore.Store

	mu         sync.Mutex
	updates    int
	failUpdate map[string]bool
	listErr    error
	extra      []models.Device

	// When set, ListDevicesByOwner signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newTestStore() *testStore {
	return &testStore{Store: memstore.New(), failUpdate: map[string]bool{}}
}

func (s *testStore) ListDevicesByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	list, err := s.Store.ListDevicesByOwner(ctx, ownerID)
	return append(list, s.extra...), err
}

func (s *testStore) UpdateDevice(ctx context.Context, id string, upd models.DeviceUpdate) (*models.Device, error) {
	s.mu.Lock()
	s.updates++
	fail := s.failUpdate[id]
	s.mu.Unlock()
	if fail {
		return nil, &store.StoreError{Op: "update", Message: "permission denied"}
	}
	return s.Store.UpdateDevice(ctx, id, upd)
}

func (s *testStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *testStore) add(t *testing.T, d models.Device) *models.Device {
	t.Helper()
	if d.Owner == "" {
		d.Owner = owner
	}
	created, err := s.Store.CreateDevice(context.Background(), &d)
	require.NoError(t, err)
	return created
}

func (s *testStore) get(t *testing.T, id string) *models.Device {
	t.Helper()
	d, err := s.Store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	return d
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(e notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notify.Event(nil), l.events...)
}

type recorder struct {
	readings []models.Reading
	err      error
}

func (r *recorder) Record(_ context.Context, readings []models.Reading) error {
	r.readings = append(r.readings, readings...)
	return r.err
}

type sessionFunc func(context.Context) (*models.Session, error)

func (f sessionFunc) CurrentSession(ctx context.Context) (*models.Session, error) { return f(ctx) }

func newSim(st store.DeviceStore, opts ...Option) *Simulator {
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return New(zap.NewNop(), st, store.StaticSession{UserID: owner}, opts...)
}

func TestTickLeavesPoweredOffDevicesUntouched(t *testing.T) {
	st := newTestStore()
	d := st.add(t, models.Device{Name: "TV", DeviceType: "tv", PowerStatus: false, DailyUsage: 1.2, MonthlyUsage: 9.5, CurrentConsumption: 0.2})
	sim := newSim(st)

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, st.updateCount())

	got := st.get(t, d.ID)
	assert.Equal(t, 1.2, got.DailyUsage)
	assert.Equal(t, 9.5, got.MonthlyUsage)
	assert.Equal(t, 0.2, got.CurrentConsumption)
}

func TestTickAccruesWithinCategoryBound(t *testing.T) {
	st := newTestStore()
	var devices []*models.Device
	for _, d := range []models.Device{
		{Name: "Heater", DeviceType: "heater"},
		{Name: "Lamp", DeviceType: "light", DailyUsage: 2, MonthlyUsage: 40},
		{Name: "Fridge", DeviceType: "fridge", DailyUsage: 0.5, MonthlyUsage: 12},
		{Name: "Bedroom Air Conditioner", DeviceType: "other", DailyUsage: 3, MonthlyUsage: 3},
		{Name: "Gadget", DeviceType: "other"},
	} {
		d.PowerStatus = true
		devices = append(devices, st.add(t, d))
	}
	sim := newSim(st)

	for round := 0; round < 20; round++ {
		before := map[string]models.Device{}
		for _, d := range devices {
			before[d.ID] = *st.get(t, d.ID)
		}

		report, ok := sim.Tick(context.Background())
		require.True(t, ok)
		assert.Equal(t, len(devices), report.Accrued)

		for _, d := range devices {
			prev := before[d.ID]
			got := st.get(t, d.ID)
			dailyInc := got.DailyUsage - prev.DailyUsage
			monthlyInc := got.MonthlyUsage - prev.MonthlyUsage
			category, _ := Classify(got)

			assert.Greater(t, dailyInc, 0.0, d.Name)
			assert.InDelta(t, dailyInc, monthlyInc, 1e-9, d.Name)
			assert.LessOrEqual(t, dailyInc, sim.MaxIncrement(category)+1e-9, d.Name)
			assert.True(t, got.PowerStatus, d.Name)

			r := category.Range()
			assert.GreaterOrEqual(t, got.CurrentConsumption, r.Min-0.005, d.Name)
			assert.LessOrEqual(t, got.CurrentConsumption, r.Max+0.005, d.Name)
			assert.Equal(t, rates.RateFor(got.MonthlyUsage), got.ElectricityRate, d.Name)
		}
	}
}

func TestHeaterSingleTickBound(t *testing.T) {
	st := newTestStore()
	d := st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true})
	sim := newSim(st, WithInterval(10*time.Second))

	_, ok := sim.Tick(context.Background())
	require.True(t, ok)

	got := st.get(t, d.ID)
	bound := 2.0 * 1.2 * (10.0 / 3600.0) * DefaultBurst
	assert.Greater(t, got.DailyUsage, 0.0)
	assert.LessOrEqual(t, got.DailyUsage, bound)
	assert.Equal(t, got.DailyUsage, got.MonthlyUsage)
}

func TestColdStartIncrementIsSmaller(t *testing.T) {
	st := newTestStore()
	fresh := st.add(t, models.Device{Name: "New heater", DeviceType: "heater", PowerStatus: true})
	sim := newSim(st, WithInterval(10*time.Second))

	_, ok := sim.Tick(context.Background())
	require.True(t, ok)

	got := st.get(t, fresh.ID)
	coldBound := roundIncrement(1.0 * 0.2 * (10.0 / 3600.0) * DefaultColdStartBurst)
	assert.Greater(t, got.DailyUsage, 0.0)
	assert.LessOrEqual(t, got.DailyUsage, coldBound)
	// New devices show 20-40% of the heater range.
	assert.GreaterOrEqual(t, got.CurrentConsumption, 1.2)
	assert.LessOrEqual(t, got.CurrentConsumption, 1.4)
}

func TestDailyLimitTurnsDeviceOff(t *testing.T) {
	st := newTestStore()
	events := &eventLog{}
	d := st.add(t, models.Device{
		Name:         "Heater",
		DeviceType:   "heater",
		PowerStatus:  true,
		DailyUsage:   30,
		MonthlyUsage: 30,
		DailyLimit:   models.Float(5),
	})
	sim := newSim(st, WithNotifier(events))

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)

	got := st.get(t, d.ID)
	assert.False(t, got.PowerStatus)
	assert.Nil(t, got.DailyLimit)
	assert.Greater(t, got.DailyUsage, 30.0)

	all := events.all()
	require.Len(t, all, 1)
	assert.Equal(t, notify.EventLimitTriggered, all[0].Type)
	assert.Equal(t, d.ID, all[0].DeviceID)
	assert.Equal(t, models.PeriodDaily, all[0].Period)
	assert.Equal(t, 5.0, all[0].LimitValue)
	assert.GreaterOrEqual(t, all[0].Cost, 5.0)
	assert.Equal(t, all, report.Triggered)

	// The device is now off, so the next tick is inert.
	_, ok = sim.Tick(context.Background())
	require.True(t, ok)
	assert.Len(t, events.all(), 1)
	assert.Equal(t, got.DailyUsage, st.get(t, d.ID).DailyUsage)
}

func TestSimultaneousLimitsDailyWins(t *testing.T) {
	st := newTestStore()
	events := &eventLog{}
	d := st.add(t, models.Device{
		Name:         "Heater",
		DeviceType:   "heater",
		PowerStatus:  true,
		DailyUsage:   100,
		MonthlyUsage: 100,
		DailyLimit:   models.Float(5),
		MonthlyLimit: models.Float(5),
	})
	sim := newSim(st, WithNotifier(events))

	_, ok := sim.Tick(context.Background())
	require.True(t, ok)

	got := st.get(t, d.ID)
	assert.False(t, got.PowerStatus)
	assert.Nil(t, got.DailyLimit)
	require.NotNil(t, got.MonthlyLimit)
	assert.Equal(t, 5.0, *got.MonthlyLimit)

	all := events.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.PeriodDaily, all[0].Period)
}

func TestWeeklyLimitUsesSevenDays(t *testing.T) {
	st := newTestStore()
	events := &eventLog{}
	// daily cost ~1.8 stays under 5; weekly cost ~12.6 passes 10.
	d := st.add(t, models.Device{
		Name:         "Heater",
		DeviceType:   "heater",
		PowerStatus:  true,
		DailyUsage:   10,
		MonthlyUsage: 10,
		DailyLimit:   models.Float(5),
		WeeklyLimit:  models.Float(10),
		MonthlyLimit: models.Float(1000),
	})
	sim := newSim(st, WithNotifier(events))

	_, ok := sim.Tick(context.Background())
	require.True(t, ok)

	got := st.get(t, d.ID)
	assert.False(t, got.PowerStatus)
	assert.Nil(t, got.WeeklyLimit)
	assert.NotNil(t, got.DailyLimit)
	assert.NotNil(t, got.MonthlyLimit)

	all := events.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.PeriodWeekly, all[0].Period)
}

func TestLimitNotReachedKeepsPower(t *testing.T) {
	st := newTestStore()
	events := &eventLog{}
	d := st.add(t, models.Device{
		Name:         "Lamp",
		DeviceType:   "light",
		PowerStatus:  true,
		DailyUsage:   1,
		MonthlyUsage: 1,
		DailyLimit:   models.Float(50),
	})
	sim := newSim(st, WithNotifier(events))

	_, ok := sim.Tick(context.Background())
	require.True(t, ok)

	got := st.get(t, d.ID)
	assert.True(t, got.PowerStatus)
	require.NotNil(t, got.DailyLimit)
	assert.Equal(t, 50.0, *got.DailyLimit)
	assert.Empty(t, events.all())
}

func TestForceTickWhileRunning(t *testing.T) {
	st := newTestStore()
	st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true})
	st.entered = make(chan struct{})
	st.release = make(chan struct{})
	sim := newSim(st)

	require.True(t, sim.ForceTick())
	<-st.entered
	assert.True(t, sim.Status().Running)

	assert.False(t, sim.ForceTick())
	_, ok := sim.Tick(context.Background())
	assert.False(t, ok)

	close(st.release)
	assert.Eventually(t, func() bool { return !sim.Status().Running }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, st.updateCount())
}

func TestNoSessionDoesNothing(t *testing.T) {
	st := newTestStore()
	st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true})
	events := &eventLog{}
	sim := New(zap.NewNop(), st, store.StaticSession{}, WithNotifier(events))

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.NoError(t, report.Err)
	assert.Zero(t, st.updateCount())
	assert.Empty(t, events.all())
}

func TestSessionErrorEmitsTickError(t *testing.T) {
	st := newTestStore()
	st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true})
	events := &eventLog{}
	failing := sessionFunc(func(context.Context) (*models.Session, error) {
		return nil, store.NewStoreError("session", errors.New("dial tcp: timeout"))
	})
	sim := New(zap.NewNop(), st, failing, WithNotifier(events))

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Error(t, report.Err)
	assert.Zero(t, st.updateCount())

	all := events.all()
	require.Len(t, all, 1)
	assert.Equal(t, notify.EventTickError, all[0].Type)
	assert.Contains(t, all[0].Detail, "timeout")
}

func TestListErrorEmitsTickError(t *testing.T) {
	st := newTestStore()
	st.listErr = store.NewStoreError("list", errors.New("502 bad gateway"))
	events := &eventLog{}
	sim := newSim(st, WithNotifier(events))

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Error(t, report.Err)

	all := events.all()
	require.Len(t, all, 1)
	assert.Equal(t, notify.EventTickError, all[0].Type)

	// The guard is released, so the next tick can run.
	st.listErr = nil
	_, ok = sim.Tick(context.Background())
	assert.True(t, ok)
}

func TestUpdateFailureDoesNotBlockOtherDevices(t *testing.T) {
	st := newTestStore()
	a := st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true, DailyUsage: 1, MonthlyUsage: 1})
	b := st.add(t, models.Device{Name: "TV", DeviceType: "tv", PowerStatus: true, DailyUsage: 1, MonthlyUsage: 1})
	st.failUpdate[a.ID] = true
	events := &eventLog{}
	sim := newSim(st, WithNotifier(events))

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Accrued)
	assert.NoError(t, report.Err)

	assert.Equal(t, 1.0, st.get(t, a.ID).DailyUsage)
	assert.Greater(t, st.get(t, b.ID).DailyUsage, 1.0)
	assert.Empty(t, events.all())
}

func TestFailedLimitWriteDoesNotNotify(t *testing.T) {
	st := newTestStore()
	d := st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true, DailyUsage: 100, MonthlyUsage: 100, DailyLimit: models.Float(1)})
	st.failUpdate[d.ID] = true
	events := &eventLog{}
	sim := newSim(st, WithNotifier(events))

	_, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Empty(t, events.all())
	assert.True(t, st.get(t, d.ID).PowerStatus)
}

func TestForeignDevicesSkipped(t *testing.T) {
	st := newTestStore()
	st.extra = []models.Device{{ID: "foreign", Owner: "someone-else", Name: "Heater", PowerStatus: true}}
	sim := newSim(st)

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, st.updateCount())
}

func TestRecorderReceivesPersistedReadings(t *testing.T) {
	st := newTestStore()
	a := st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true})
	b := st.add(t, models.Device{Name: "Fan", DeviceType: "other", PowerStatus: true})
	st.add(t, models.Device{Name: "TV", DeviceType: "tv", PowerStatus: false})
	st.failUpdate[b.ID] = true
	rec := &recorder{err: errors.New("clickhouse down")}
	sim := newSim(st, WithRecorder(rec))

	report, ok := sim.Tick(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, report.Accrued)

	require.Len(t, rec.readings, 1)
	r := rec.readings[0]
	assert.Equal(t, a.ID, r.DeviceID)
	assert.Equal(t, owner, r.OwnerID)
	assert.Equal(t, "heater", r.Category)
	assert.Equal(t, st.get(t, a.ID).DailyUsage, r.DailyUsage)
	assert.Equal(t, r.Increment, r.DailyUsage)
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	sessions := sessionFunc(func(context.Context) (*models.Session, error) {
		calls.Add(1)
		return nil, store.ErrSessionMissing
	})
	sim := New(zap.NewNop(), newTestStore(), sessions, WithInterval(10*time.Millisecond))

	assert.Equal(t, Status{IntervalMs: 10}, sim.Status())
	assert.True(t, sim.Start())
	assert.False(t, sim.Start())
	assert.True(t, sim.Status().Enabled)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.True(t, sim.Stop())
	assert.False(t, sim.Stop())
	assert.False(t, sim.Status().Enabled)

	time.Sleep(20 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	// Forced ticks still work while periodic ticking is off.
	assert.True(t, sim.ForceTick())
	assert.Eventually(t, func() bool { return calls.Load() == stopped+1 }, time.Second, 5*time.Millisecond)
}

func TestStopLetsInFlightTickComplete(t *testing.T) {
	st := newTestStore()
	d := st.add(t, models.Device{Name: "Heater", DeviceType: "heater", PowerStatus: true})
	st.entered = make(chan struct{})
	st.release = make(chan struct{})
	sim := newSim(st, WithInterval(10*time.Millisecond))

	require.True(t, sim.Start())
	<-st.entered
	require.True(t, sim.Stop())
	assert.True(t, sim.Status().Running)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sim.Wait(short), context.DeadlineExceeded)

	close(st.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sim.Wait(ctx))
	assert.False(t, sim.Status().Running)
	assert.Equal(t, 1, st.updateCount())
	assert.Greater(t, st.get(t, d.ID).DailyUsage, 0.0)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, st.updateCount())
}

func TestIndependentInstances(t *testing.T) {
	a := newSim(newTestStore())
	b := newSim(newTestStore(), WithInterval(5*time.Second))

	require.True(t, a.Start())
	defer a.Stop()
	assert.True(t, a.Status().Enabled)
	assert.False(t, b.Status().Enabled)
	assert.Equal(t, int64(5000), b.Status().IntervalMs)
}
