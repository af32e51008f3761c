package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"bridgectl/internal/api"
	"bridgectl/pkg/logging"
)

const (
	subscriberBuffer = 64
	historySize      = 100
)

// Bus fans lifecycle events out to subscribers and keeps a short history.
// Publish never blocks: a subscriber that falls behind loses events.
type Bus struct {
	templates *MessageTemplateEngine
	now       func() time.Time

	mu      sync.Mutex
	subs    map[chan Event]struct{}
	history []Event
	sink    io.Writer
}

// NewBus creates a Bus. When sink is not nil every event is also appended to
// it as one JSON line.
func NewBus(sink io.Writer) *Bus {
	return &Bus{
		templates: NewMessageTemplateEngine(),
		now:       time.Now,
		subs:      make(map[chan Event]struct{}),
		sink:      sink,
	}
}

// Publish renders and delivers an event. state is empty when the event does
// not change the supervisor state. A nil Bus discards events.
func (b *Bus) Publish(reason EventReason, data EventData, state api.BridgeState) Event {
	if b == nil {
		return Event{}
	}
	ev := Event{
		Time:    b.now(),
		Type:    getEventType(reason),
		Reason:  reason,
		Backend: data.Backend,
		Target:  data.Target,
		State:   state,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ev.Message = b.templates.Render(reason, data)
	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	if b.sink != nil {
		if line, err := json.Marshal(ev); err == nil {
			if _, err := b.sink.Write(append(line, '\n')); err != nil {
				logging.Debug("Events", "Writing event log failed: %v", err)
			}
		}
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Debug("Events", "Dropping %s for a slow subscriber", reason)
		}
	}

	if ev.Type == EventTypeWarning {
		logging.Warn("Events", "%s", ev.Message)
	} else {
		logging.Debug("Events", "%s: %s", reason, ev.Message)
	}
	return ev
}

// Subscribe delivers events published after the call until ctx is done, then
// closes the channel.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	})
	return ch
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SetTemplate allows customizing the message template for a specific event reason.
func (b *Bus) SetTemplate(reason EventReason, template string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.templates.SetTemplate(reason, template)
}
