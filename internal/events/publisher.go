// Package events implements the EventPublisher of spec.md section 4.8:
// every persisted state transition is published once to the best-effort
// NATS event topic and appended to the run_events replay log. Sequence
// numbers are assigned by the caller (the RunCoordinator's single-writer
// loop, via Store.NextEventSeq) so they stay monotonic per run; the
// publisher itself never allocates one.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/swarmguard/workflow-engine/internal/bus"
	"github.com/swarmguard/workflow-engine/internal/model"
	"github.com/swarmguard/workflow-engine/internal/store"
)

const eventSubject = "run.event"

// Publisher fans out run/step lifecycle events to the NATS event topic
// and the Store's replay log.
type Publisher struct {
	bus   *bus.Bus
	store *store.Store

	mu          chan struct{} // cheap mutex via buffered channel, avoids importing sync here twice
	subscribers map[int]chan model.RunEvent
	nextSubID   int
}

// New constructs a Publisher bound to a Bus and Store.
func New(b *bus.Bus, st *store.Store) *Publisher {
	return &Publisher{
		bus:         b,
		store:       st,
		mu:          make(chan struct{}, 1),
		subscribers: make(map[int]chan model.RunEvent),
	}
}

func (p *Publisher) lock()   { p.mu <- struct{}{} }
func (p *Publisher) unlock() { <-p.mu }

// Publish appends ev to the Store's replay log, publishes it on the
// best-effort NATS topic, and fans it out to any local in-process
// Subscribe channels (used by ControlAPI.Subscribe).
func (p *Publisher) Publish(ctx context.Context, ev model.RunEvent) {
	if err := p.store.AppendRunEvent(ctx, ev); err != nil {
		slog.Error("append run event failed", "run_id", ev.RunID, "seq", ev.Seq, "error", err)
	}

	data, err := json.Marshal(ev)
	if err == nil {
		if err := p.bus.PublishEvent(eventSubject, data); err != nil {
			slog.Debug("best-effort event publish failed", "run_id", ev.RunID, "error", err)
		}
	}

	p.lock()
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
			// Best-effort: a slow subscriber misses events and must
			// re-fetch via EventsSince on reconnect (spec.md section 4.7).
		}
	}
	p.unlock()
}

// Subscribe registers a local channel that receives every event this
// process publishes, for ControlAPI.Subscribe's in-process fan-out.
// Callers must call the returned unsubscribe function when done.
func (p *Publisher) Subscribe(buffer int) (<-chan model.RunEvent, func()) {
	p.lock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan model.RunEvent, buffer)
	p.subscribers[id] = ch
	p.unlock()

	return ch, func() {
		p.lock()
		delete(p.subscribers, id)
		close(ch)
		p.unlock()
	}
}
