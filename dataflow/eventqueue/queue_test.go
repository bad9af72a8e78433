package eventqueue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPort struct{ name string }

func (p *stubPort) FullName() string { return p.name }

// warnCounter counts Warn-level records to verify drop-message rate
// limiting.
type warnCounter struct {
	mu    sync.Mutex
	warns int
}

func (h *warnCounter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *warnCounter) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.Level >= slog.LevelWarn {
		h.warns++
	}
	return nil
}

func (h *warnCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *warnCounter) WithGroup(string) slog.Handler      { return h }

func (h *warnCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.warns
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(slog.Default())
	t.Cleanup(q.Destroy)
	return q
}

func TestFIFOUnderEqualPriority(t *testing.T) {
	q := newTestQueue(t)

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}}
	var order []int
	q.Enqueue([]Event{
		{Receiver: info, Priority: 100, Call: func() { order = append(order, 1) }},
		{Receiver: info, Priority: 100, Call: func() { order = append(order, 2) }},
		{Receiver: info, Priority: 100, Call: func() { order = append(order, 3) }},
	})

	q.DispatchNow()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}}
	var order []int
	q.Enqueue([]Event{
		{Receiver: info, Priority: 300, Call: func() { order = append(order, 3) }},
		{Receiver: info, Priority: 100, Call: func() { order = append(order, 1) }},
		{Receiver: info, Priority: 200, Call: func() { order = append(order, 2) }},
	})

	q.DispatchNow()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEqualPriorityKeepsArrivalOrderWithHigherTail(t *testing.T) {
	q := newTestQueue(t)

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}}
	var order []int
	q.Enqueue([]Event{
		{Receiver: info, Priority: 100, Call: func() { order = append(order, 1) }},
		{Receiver: info, Priority: 900, Call: func() { order = append(order, 9) }},
	})
	// equal priority to an existing event, inserted before the tail
	q.Enqueue([]Event{
		{Receiver: info, Priority: 100, Call: func() { order = append(order, 2) }},
	})

	q.DispatchNow()
	assert.Equal(t, []int{1, 2, 9}, order)
}

func TestQueueCapDropsExactly(t *testing.T) {
	handler := &warnCounter{}
	q := New(slog.New(handler))
	defer q.Destroy()

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}, MaxQueueLength: 3}
	dispatched := 0

	events := make([]Event, 10)
	for i := range events {
		events[i] = Event{Receiver: info, Priority: 100, Call: func() { dispatched++ }}
	}
	q.Enqueue(events)

	// cap 3: exactly 7 events are dropped at enqueue time
	assert.Equal(t, 3, q.Len())

	q.DispatchNow()
	assert.Equal(t, 3, dispatched)

	// the drop warning is rate limited to a single message
	assert.Equal(t, 1, handler.count())
}

func TestUnlimitedReceiverNeverDrops(t *testing.T) {
	q := newTestQueue(t)

	info := &ReceiverInfo{Port: &stubPort{name: "c:button"}, MaxQueueLength: -1}
	dispatched := 0
	events := make([]Event, 100)
	for i := range events {
		events[i] = Event{Receiver: info, Priority: 1, Call: func() { dispatched++ }}
	}
	q.Enqueue(events)
	q.DispatchNow()
	assert.Equal(t, 100, dispatched)
}

func TestWorkerDispatches(t *testing.T) {
	q := newTestQueue(t)
	q.Start()

	done := make(chan struct{})
	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}}
	q.Enqueue([]Event{{Receiver: info, Priority: 1, Call: func() { close(done) }}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not dispatch the event")
	}
	q.Stop()
}

func TestStopOnStoppedQueueKeepsEvents(t *testing.T) {
	q := newTestQueue(t)

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}}
	q.Enqueue([]Event{{Receiver: info, Priority: 1, Call: func() {}}})

	// never started: stop on a stopped queue is a no-op
	q.Stop()
	assert.Equal(t, 1, q.Len())
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	q := newTestQueue(t)
	q.Start()

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}}
	done := make(chan struct{})
	q.Enqueue([]Event{
		{Receiver: info, Priority: 1, Call: func() { panic("handler bug") }},
		{Receiver: info, Priority: 2, Call: func() { close(done) }},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after handler panic")
	}
	q.Stop()
}

func TestComponentMutexHeldDuringDispatch(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}, Mutex: &mu}

	held := false
	q.Enqueue([]Event{{Receiver: info, Priority: 1, Call: func() {
		// TryLock must fail while the dispatcher holds the mutex
		held = !mu.TryLock()
	}}})
	q.DispatchNow()
	assert.True(t, held)
}

func TestRemoveMatching(t *testing.T) {
	q := newTestQueue(t)

	a := &ReceiverInfo{Port: &stubPort{name: "a:in"}}
	b := &ReceiverInfo{Port: &stubPort{name: "b:in"}}
	ran := map[string]int{}
	q.Enqueue([]Event{
		{Receiver: a, Priority: 1, Call: func() { ran["a"]++ }},
		{Receiver: b, Priority: 2, Call: func() { ran["b"]++ }},
		{Receiver: a, Priority: 3, Call: func() { ran["a"]++ }},
	})

	q.RemoveMatching(func(info *ReceiverInfo) bool { return info == a })
	q.DispatchNow()

	assert.Zero(t, ran["a"])
	assert.Equal(t, 1, ran["b"])
}

func TestClear(t *testing.T) {
	q := newTestQueue(t)

	info := &ReceiverInfo{Port: &stubPort{name: "c:in"}, MaxQueueLength: 5}
	q.Enqueue([]Event{
		{Receiver: info, Priority: 1, Call: func() {}},
		{Receiver: info, Priority: 2, Call: func() {}},
	})
	q.Clear()
	assert.Zero(t, q.Len())

	// counts were released: the receiver can queue its full cap again
	events := make([]Event, 5)
	for i := range events {
		events[i] = Event{Receiver: info, Priority: 1, Call: func() {}}
	}
	q.Enqueue(events)
	assert.Equal(t, 5, q.Len())
}

func TestDefaultSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestDispatchNowOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	require.NotPanics(t, q.DispatchNow)
}
