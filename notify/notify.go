// Package notify delivers vault events to owners and guardians. Delivery is
// fire-and-forget: a notifier never fails or blocks the command that
// produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, event interfaces.Event) {
	n.log.Info("vault event",
		"type", event.Type,
		"vaultID", event.VaultID,
		"requestID", event.RequestID,
		"guardianID", event.GuardianID,
		"recipients", len(event.Recipients),
	)
}

// Multi fans an event out to several notifiers in order.
type Multi []interfaces.Notifier

func (m Multi) Notify(ctx context.Context, event interfaces.Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

// Recorder keeps every event in memory. Used by tests and the CLI dry-run.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *Recorder) Notify(ctx context.Context, event interfaces.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []interfaces.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]interfaces.EventType, 0, len(r.events))
	for _, e := range r.events {
		res = append(res, e.Type)
	}
	return res
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(t interfaces.EventType) (interfaces.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return interfaces.Event{}, false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
