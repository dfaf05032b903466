// Package memstore keeps devices in process memory, in insertion order.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/store"
)

type Store struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	order   []string
	now     func() time.Time
}

func New() *Store {
	return &Store{
		devices: map[string]*models.Device{},
		now:     time.Now,
	}
}

var _ store.DeviceStore = (*Store)(nil)

func (s *Store) ListDevicesByOwner(_ context.Context, ownerID string) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Device
	for _, id := range s.order {
		if d := s.devices[id]; d.Owner == ownerID {
			out = append(out, copyDevice(d))
		}
	}
	return out, nil
}

func (s *Store) GetDevice(_ context.Context, id string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := copyDevice(d)
	return &c, nil
}

func (s *Store) UpdateDevice(_ context.Context, id string, upd models.DeviceUpdate) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = s.now()
	}
	upd.Apply(d)
	c := copyDevice(d)
	return &c, nil
}

func (s *Store) CreateDevice(_ context.Context, d *models.Device) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyDevice(d)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.devices[c.ID]; exists {
		return nil, &store.StoreError{Op: "create", Message: "duplicate id " + c.ID}
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	s.devices[c.ID] = &c
	s.order = append(s.order, c.ID)
	out := copyDevice(&c)
	return &out, nil
}

func (s *Store) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.devices, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// copyDevice detaches the limit pointers so callers never alias store state.
func copyDevice(d *models.Device) models.Device {
	c := *d
	for _, p := range models.LimitPeriods {
		if v := d.Limit(p); v != nil {
			c.SetLimit(p, models.Float(*v))
		}
	}
	return c
}
