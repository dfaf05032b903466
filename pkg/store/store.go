// Package store defines what the simulator and device service need from a
// device backend and a session provider.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/slickwilli/plugsave/models"
)

var (
	ErrNotFound       = errors.New("device not found")
	ErrSessionMissing = errors.New("no active session")
)

type DeviceStore interface {
	// ListDevicesByOwner returns devices in the store's natural order.
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]models.Device, error)
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	UpdateDevice(ctx context.Context, id string, upd models.DeviceUpdate) (*models.Device, error)
	// CreateDevice assigns the id when d.ID is empty.
	CreateDevice(ctx context.Context, d *models.Device) (*models.Device, error)
	DeleteDevice(ctx context.Context, id string) error
}

type SessionProvider interface {
	// CurrentSession returns ErrSessionMissing when no user is signed in.
	CurrentSession(ctx context.Context) (*models.Session, error)
}

// StoreError is a read or write failure at the backend: network, auth or
// permission. Callers skip the affected device or tick.
type StoreError struct {
	Op      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op string, err error) error {
	return &StoreError{Op: op, Message: "request failed", Err: err}
}

// StaticSession is the session provider for local backends: a fixed user,
// or no session at all when UserID is empty.
type StaticSession struct {
	UserID string
}

func (s StaticSession) CurrentSession(context.Context) (*models.Session, error) {
	if s.UserID == "" {
		return nil, ErrSessionMissing
	}
	return &models.Session{UserID: s.UserID}, nil
}
