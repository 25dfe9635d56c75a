// Package events carries ledger notifications to external sinks.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names a notification.
type Type string

const (
	BatchProposed   Type = "batch_proposed"
	VoteRecorded    Type = "vote_recorded"
	BatchFinalized  Type = "batch_finalized"
	BatchRejected   Type = "batch_rejected"
	TransferDropped Type = "transfer_dropped"
	AccountFrozen   Type = "account_frozen"
	AccountUnfrozen Type = "account_unfrozen"
)

// Event is the envelope for every notification. Fields not relevant to Type are left empty.
type Event struct {
	Type      Type      `json:"type"`
	BatchID   uint64    `json:"batchId,omitempty"`
	TxIDs     []string  `json:"txIds,omitempty"`
	Validator string    `json:"validator,omitempty"`
	Approve   bool      `json:"approve,omitempty"`
	Account   string    `json:"account,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier consumes events. Implementations must not block for long; they are called from
// the consensus and governance loops.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

// Bus fans an event out to every registered notifier in registration order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Notifier
}

// NewBus returns a bus delivering to sinks.
func NewBus(sinks ...Notifier) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(n Notifier) {
	b.mu.Lock()
	b.sinks = append(b.sinks, n)
	b.mu.Unlock()
}

func (b *Bus) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Notify(e)
	}
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// LogNotifier writes each event as one structured log line.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (l LogNotifier) Notify(e Event) {
	fields := logrus.Fields{"event": e.Type}
	if e.BatchID != 0 {
		fields["batch_id"] = e.BatchID
	}
	if len(e.TxIDs) > 0 {
		fields["tx_count"] = len(e.TxIDs)
	}
	if e.Validator != "" {
		fields["validator"] = e.Validator
		fields["approve"] = e.Approve
	}
	if e.Account != "" {
		fields["account"] = e.Account
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	l.Log.WithFields(fields).Info("event")
}

// JSON encodes the event for an external sink.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
