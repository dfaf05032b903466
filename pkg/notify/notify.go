package notify

import (
	"sync"
	"time"

	"github.com/slickwilli/plugsave/models"
	"go.uber.org/zap"
)

type EventType string

const (
	EventLimitTriggered EventType = "limit-triggered"
	EventTickError      EventType = "tick-error"
)

type Event struct {
	Seq        uint64        `json:"seq"`
	Type       EventType     `json:"type"`
	DeviceID   string        `json:"device_id,omitempty"`
	DeviceName string        `json:"device_name,omitempty"`
	Period     models.Period `json:"period,omitempty"`
	LimitValue float64       `json:"limit_value,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	At         time.Time     `json:"at"`
}

type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Nop drops every event.
var Nop Notifier = NotifierFunc(func(Event) {})

type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(e Event) {
	switch e.Type {
	case EventLimitTriggered:
		l.logger.Warn(
			"device turned off by limit",
			zap.String("device_id", e.DeviceID),
			zap.String("device_name", e.DeviceName),
			zap.String("period", string(e.Period)),
			zap.Float64("limit", e.LimitValue),
			zap.Float64("cost", e.Cost),
		)
	default:
		l.logger.Warn("simulation tick failed", zap.String("type", string(e.Type)), zap.String("detail", e.Detail))
	}
}

// Buffer keeps the most recent events for polling clients. Sequence numbers
// start at 1 and increase by one per event.
type Buffer struct {
	mu     sync.Mutex
	events []Event
	size   int
	seq    uint64
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{size: size}
}

func (b *Buffer) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	if len(b.events) == b.size {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
	}
	b.events = append(b.events, e)
}

// After returns the buffered events with Seq greater than seq, oldest first.
func (b *Buffer) After(seq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Event{}
	for _, e := range b.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

type multi []Notifier

// Multi fans each event out to every notifier in order.
func Multi(ns ...Notifier) Notifier {
	return multi(ns)
}

func (m multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}
