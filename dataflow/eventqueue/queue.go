// Package eventqueue implements the prioritized event queue used for
// push communication. A single worker goroutine delivers type-erased
// events in ascending priority order, honoring per-receiver queue caps
// and the receiver's component mutex. The process-wide default queue is
// created on first use; tests inject their own instance or drain
// synchronously with DispatchNow.
package eventqueue

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State is the lifecycle state of the queue.
type State int

// Queue lifecycle states.
const (
	StateStopped State = iota
	StateRunning
	StateStopping
	StateEnd
)

// Receiver identifies the destination port of an event.
type Receiver interface {
	FullName() string
}

// ReceiverInfo carries per-receiver dispatch bookkeeping: the
// destination port, an optional component mutex held around the
// handler, and the queue cap.
type ReceiverInfo struct {
	// Port is the destination, used for logging and removal.
	Port Receiver

	// Mutex, if set, is acquired around every dispatched handler. It is
	// the owning component's mutex, also held during pulls in trigger
	// firing.
	Mutex *sync.Mutex

	// MaxQueueLength caps the number of queued events for this
	// receiver; values <= 0 mean unlimited. Must-not-drop event kinds
	// (e.g. button presses) use an unlimited cap.
	MaxQueueLength int

	queued atomic.Int32
}

// Queued returns the number of events currently queued for this
// receiver. The value is advisory; it may change concurrently.
func (r *ReceiverInfo) Queued() int {
	return int(r.queued.Load())
}

// Event is one queued delivery: a type-erased callable plus a priority.
// The queue never inspects the payload; type safety is enforced at
// connect time.
type Event struct {
	Receiver *ReceiverInfo
	Call     func()
	Priority uint64
}

// Metrics receives queue instrumentation callbacks.
type Metrics interface {
	EventDispatched(d time.Duration)
	EventDropped()
	QueueLength(n int)
}

// Queue is the prioritized event queue.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
	queue *list.List

	logger  *slog.Logger
	metrics Metrics

	// dropLimiter throttles "events dropped" warnings
	dropLimiter  *rate.Limiter
	dropsSkipped int

	done chan struct{}
}

// New creates a queue in the stopped state and starts its worker
// goroutine. Call Start to begin dispatching and Destroy to end the
// worker.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		state:       StateStopped,
		queue:       list.New(),
		logger:      logger,
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		done:        make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

var (
	defaultQueue *Queue
	defaultOnce  sync.Once
)

// Default returns the process-wide queue, creating it on first use.
func Default() *Queue {
	defaultOnce.Do(func() {
		defaultQueue = New(slog.Default())
	})
	return defaultQueue
}

// Start begins dispatching queued events.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = StateRunning
	q.cond.Broadcast()
	q.logger.Info("event queue started")
}

// Stop halts dispatching and waits until the worker confirms it has
// stopped. Queued events are kept.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateStopped || q.state == StateEnd {
		return
	}
	q.state = StateStopping
	q.cond.Broadcast()
	for q.state != StateStopped && q.state != StateEnd {
		q.cond.Wait()
	}
	q.logger.Info("event queue stopped")
}

// Destroy signals the worker to end and joins it. The queue cannot be
// reused afterwards.
func (q *Queue) Destroy() {
	q.mu.Lock()
	q.state = StateEnd
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
	q.logger.Debug("event queue destroyed")
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Enqueue appends a batch of events atomically, sorted ascending by
// priority. Events of equal priority keep their arrival order. After
// insertion, head events of receivers above their cap are dropped.
func (q *Queue) Enqueue(events []Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range events {
		e := &events[i]
		q.logger.Debug("queueing event", "port", receiverName(e.Receiver), "priority", e.Priority)

		if back := q.queue.Back(); back == nil || back.Value.(Event).Priority <= e.Priority {
			// appending at the back is the common case
			q.queue.PushBack(*e)
		} else {
			// insertion near the front is the second common case: walk
			// past all events of smaller or equal priority
			it := q.queue.Front()
			for it.Value.(Event).Priority <= e.Priority {
				it = it.Next()
			}
			q.queue.InsertBefore(*e, it)
		}

		if e.Receiver != nil {
			e.Receiver.queued.Add(1)
		}
	}

	// bound the queue: drop head events of over-cap receivers so a
	// paused consumer cannot fill the queue
	for q.queue.Len() > 0 {
		front := q.queue.Front().Value.(Event)
		if front.Receiver == nil || front.Receiver.MaxQueueLength <= 0 ||
			int(front.Receiver.queued.Load()) <= front.Receiver.MaxQueueLength {
			break
		}
		q.dropLocked(front)
		q.queue.Remove(q.queue.Front())
	}

	if q.metrics != nil {
		q.metrics.QueueLength(q.queue.Len())
	}
	if q.state == StateRunning {
		q.cond.Broadcast()
	}
}

// SetMetrics installs instrumentation callbacks.
func (q *Queue) SetMetrics(m Metrics) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = m
}

// RemoveMatching removes every queued event whose receiver matches the
// predicate. Used when a component is dropped from the network.
func (q *Queue) RemoveMatching(match func(*ReceiverInfo) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for it := q.queue.Front(); it != nil; {
		next := it.Next()
		e := it.Value.(Event)
		if e.Receiver != nil && match(e.Receiver) {
			e.Receiver.queued.Add(-1)
			q.queue.Remove(it)
		}
		it = next
	}
}

// Clear removes all queued events.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for it := q.queue.Front(); it != nil; it = it.Next() {
		if e := it.Value.(Event); e.Receiver != nil {
			e.Receiver.queued.Add(-1)
		}
	}
	q.queue.Init()
	q.logger.Debug("all events removed")
}

// DispatchNow drains the queue on the calling goroutine, regardless of
// the queue state. Useful for tests and deterministic drivers.
func (q *Queue) DispatchNow() {
	for {
		call, info, ok := q.takeFront(false)
		if !ok {
			return
		}
		if call != nil {
			q.dispatch(call, info)
		}
	}
}

// takeFront pops the front event under the lock. When onlyRunning is
// set, it returns ok=false unless the queue is running. The returned
// call is nil when the front event was dropped due to its receiver cap.
func (q *Queue) takeFront(onlyRunning bool) (func(), *ReceiverInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if onlyRunning && q.state != StateRunning {
		return nil, nil, false
	}
	if q.queue.Len() == 0 {
		return nil, nil, false
	}

	front := q.queue.Front().Value.(Event)
	q.queue.Remove(q.queue.Front())

	// re-check the cap at dispatch time
	if front.Receiver != nil && front.Receiver.MaxQueueLength > 0 &&
		int(front.Receiver.queued.Load()) > front.Receiver.MaxQueueLength {
		q.dropLocked(front)
		return nil, nil, true
	}

	if front.Receiver != nil {
		front.Receiver.queued.Add(-1)
	}
	return front.Call, front.Receiver, true
}

// dropLocked records one dropped event. Warnings are rate limited to
// one per second; skipped messages are counted and reported with the
// next warning.
func (q *Queue) dropLocked(e Event) {
	if e.Receiver != nil {
		e.Receiver.queued.Add(-1)
	}
	if q.metrics != nil {
		q.metrics.EventDropped()
	}

	if q.dropLimiter.Allow() {
		q.logger.Warn("queue too long, dropping event",
			"port", receiverName(e.Receiver), "skipped", q.dropsSkipped)
		q.dropsSkipped = 0
	} else {
		q.dropsSkipped++
		q.logger.Debug("queue too long, dropping event", "port", receiverName(e.Receiver))
	}
}

// dispatch invokes one event handler, holding the receiver's component
// mutex if present. Handler panics are caught and logged; the worker
// never dies.
func (q *Queue) dispatch(call func(), info *ReceiverInfo) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("event handler panicked",
				"port", receiverName(info), "panic", r)
		}
	}()

	start := time.Now()
	if info != nil && info.Mutex != nil {
		info.Mutex.Lock()
		defer info.Mutex.Unlock()
	}
	call()

	if q.metrics != nil {
		q.metrics.EventDispatched(time.Since(start))
	}
}

// run is the worker loop.
func (q *Queue) run() {
	defer close(q.done)

	for {
		var call func()
		var info *ReceiverInfo

		q.mu.Lock()
		switch {
		case q.state == StateRunning && q.queue.Len() > 0:
			front := q.queue.Front().Value.(Event)
			q.queue.Remove(q.queue.Front())

			if front.Receiver != nil && front.Receiver.MaxQueueLength > 0 &&
				int(front.Receiver.queued.Load()) > front.Receiver.MaxQueueLength {
				q.dropLocked(front)
			} else {
				if front.Receiver != nil {
					front.Receiver.queued.Add(-1)
				}
				call = front.Call
				info = front.Receiver
			}
			q.mu.Unlock()

		case q.state == StateEnd:
			q.mu.Unlock()
			q.logger.Debug("ending event queue worker")
			return

		case q.state == StateStopping:
			q.state = StateStopped
			q.cond.Broadcast()
			q.mu.Unlock()

		default:
			q.cond.Wait()
			q.mu.Unlock()
		}

		if call != nil {
			q.dispatch(call, info)
		}
	}
}

func receiverName(info *ReceiverInfo) string {
	if info == nil || info.Port == nil {
		return "(unknown)"
	}
	return info.Port.FullName()
}
