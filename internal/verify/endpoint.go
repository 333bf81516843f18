package verify

import (
	"container/list"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// endpoint is one remote verifier: its queue, in-flight slots and health.
// mu guards every field below it.
type endpoint struct {
	addr  string
	slots sizedwaitgroup.SizedWaitGroup
	wake  chan struct{}

	mu                sync.Mutex
	queue             *list.List // of *pending, newest at the front
	inFlight          int
	lastError         time.Time
	consecutiveErrors int
	closed            bool
}

func newEndpoint(addr string, maxInFlight int) *endpoint {
	return &endpoint{
		addr:  addr,
		slots: sizedwaitgroup.New(maxInFlight),
		wake:  make(chan struct{}, 1),
		queue: list.New(),
	}
}

// push queues p ahead of older jobs and wakes the pump.
// push queues p. It reports false once drain has closed the queue.
func (e *endpoint) push(p *pending) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue.PushFront(p)
	e.mu.Unlock()
	e.signal()
	return true
}

func (e *endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// pop takes the newest queued job and counts it in flight.
func (e *endpoint) pop() *pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	front := e.queue.Front()
	if front == nil {
		return nil
	}
	e.queue.Remove(front)
	e.inFlight++
	return front.Value.(*pending)
}

// finish records the outcome of an exchange. It returns the new consecutive
// error count.
func (e *endpoint) finish(err error, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
	if err == nil {
		e.consecutiveErrors = 0
		return 0
	}
	e.lastError = now
	e.consecutiveErrors++
	return e.consecutiveErrors
}

// release drops a popped job from the in-flight count without touching
// health.
func (e *endpoint) release() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
}

// removeStale unlinks queued jobs enqueued before cutoff.
func (e *endpoint) removeStale(cutoff time.Time) []*pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	var stale []*pending
	for el := e.queue.Front(); el != nil; {
		next := el.Next()
		if p := el.Value.(*pending); p.enqueued.Before(cutoff) {
			e.queue.Remove(el)
			stale = append(stale, p)
		}
		el = next
	}
	return stale
}

// drain unlinks every queued job and closes the queue to further pushes.
func (e *endpoint) drain() []*pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	out := make([]*pending, 0, e.queue.Len())
	for el := e.queue.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*pending))
	}
	e.queue.Init()
	return out
}

// EndpointStats is a snapshot of one verifier's state.
type EndpointStats struct {
	Addr              string
	Queued            int
	InFlight          int
	ConsecutiveErrors int
	LastError         time.Time
	// Oldest is the age of the oldest queued job.
	Oldest time.Duration
	// Miners counts queued jobs per submitting miner.
	Miners map[string]int
}

func (e *endpoint) snapshot(now time.Time) EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EndpointStats{
		Addr:              e.addr,
		Queued:            e.queue.Len(),
		InFlight:          e.inFlight,
		ConsecutiveErrors: e.consecutiveErrors,
		LastError:         e.lastError,
		Miners:            make(map[string]int),
	}
	if back := e.queue.Back(); back != nil {
		s.Oldest = now.Sub(back.Value.(*pending).enqueued)
	}
	for el := e.queue.Front(); el != nil; el = el.Next() {
		s.Miners[el.Value.(*pending).job.Miner]++
	}
	return s
}

// health is what the selection policy reads.
type health struct {
	load              int
	lastError         time.Time
	consecutiveErrors int
}

func (e *endpoint) health() health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return health{
		load:              e.queue.Len() + e.inFlight,
		lastError:         e.lastError,
		consecutiveErrors: e.consecutiveErrors,
	}
}
