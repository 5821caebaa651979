package session

import (
	"sync"

	"orchestrator/internal/orchestrator"
)

// hub fans out one session's orchestrator.Event stream to any number of
// subscribers (the websocket transport, and Chat's own synchronous wait).
// It is the EventSink the teacher's engine.go hands its caller, generalized
// from a single callback to a broadcast registry.
type hub struct {
	mu   sync.Mutex
	subs map[int]chan orchestrator.Event
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan orchestrator.Event)}
}

var _ orchestrator.EventSink = (*hub)(nil)

// Emit implements orchestrator.EventSink. Slow subscribers drop events
// rather than block the turn — the websocket transport reconnects and
// refetches state on a gap; Chat's own subscription is buffered generously
// enough that a single turn's events never fill it.
func (h *hub) Emit(e orchestrator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// subscribe registers a new listener and returns it plus an unsubscribe
// function. Buffered to 256: generous relative to MaxToolRounds (default
// 20) so one turn's tool_call/tool_result/chat events never overflow it.
func (h *hub) subscribe() (<-chan orchestrator.Event, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan orchestrator.Event, 256)
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}
}
