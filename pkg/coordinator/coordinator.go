// Package coordinator admits embed operations into a bounded set of
// in-flight slots. Requests wait in a priority queue (FIFO within a priority
// band); a slot is freed when the requester reports success or failure, when
// the request is cancelled, or when its watchdog timeout fires.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/embed-platform/internal/clock"
)

const (
	// DefaultMaxConcurrent bounds simultaneously admitted requests.
	DefaultMaxConcurrent = 3

	// DefaultTimeout is how long an admitted request may stay unresolved.
	DefaultTimeout = 30 * time.Second

	logKeyContainer = "container_id"
)

// ErrTimeout is the synthetic failure raised by the watchdog.
var ErrTimeout = errors.New("load timed out")

// Priority orders queued requests; lower values are admitted first.
type Priority int

// Priorities.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Ticket identifies one enqueued request. A later request for the same
// container gets a different ticket, so reports made with a stale ticket
// never touch the newer admission.
type Ticket struct {
	ContainerID string
	seq         uint64
}

// Request asks for a slot to embed ContainerID.
type Request struct {
	ContainerID string
	Priority    Priority

	// Start is invoked once the request is admitted. Returning an error (or
	// panicking) fails the request immediately and frees its slot.
	Start func(t Ticket) error

	// OnTimeout is invoked if the request is still admitted when the
	// watchdog fires.
	OnTimeout func()

	// OnCancel is invoked when the request is dropped by CancelLoad,
	// CancelTicket or Close, whether it was queued or admitted.
	OnCancel func()

	ticket Ticket
}

// State is the coordinator-visible state of a container id.
type State string

// States.
const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateAdmitted State = "admitted"
)

// Snapshot is a point-in-time view used for diagnostics.
type Snapshot struct {
	MaxConcurrent int      `json:"max_concurrent"`
	Queued        []string `json:"queued"`
	Admitted      []string `json:"admitted"`
	Paused        bool     `json:"paused"`
}

type admission struct {
	req   Request
	timer clock.Timer
	at    time.Time
}

// Coordinator is safe for concurrent use. Callbacks run outside its lock, so
// they may call back into the coordinator.
type Coordinator struct {
	mu            sync.Mutex
	maxConcurrent int
	timeout       time.Duration
	clock         clock.Clock

	queue    []Request
	admitted map[string]*admission
	order    []string
	paused   bool
	seq      uint64

	onAdmit func(id string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrent sets the admission bound.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithTimeout sets the per-request watchdog.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the time source used for the watchdog.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = cl
	}
}

// WithAdmitHook observes every admission, in order.
func WithAdmitHook(fn func(id string)) Option {
	return func(c *Coordinator) {
		c.onAdmit = fn
	}
}

// New creates a coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		maxConcurrent: DefaultMaxConcurrent,
		timeout:       DefaultTimeout,
		clock:         clock.Real{},
		admitted:      make(map[string]*admission),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestLoad enqueues req and runs admission. It returns false if a request
// for the same container is already queued or admitted; the duplicate is
// dropped.
func (c *Coordinator) RequestLoad(req Request) bool {
	_, ok := c.Enqueue(req)
	return ok
}

// Enqueue is RequestLoad returning the ticket of the enqueued request. The
// same ticket is passed to Start.
func (c *Coordinator) Enqueue(req Request) (Ticket, bool) {
	c.mu.Lock()
	if c.stateLocked(req.ContainerID) != StateIdle {
		c.mu.Unlock()
		slog.Debug("duplicate load request dropped", logKeyContainer, req.ContainerID)
		return Ticket{}, false
	}
	c.seq++
	req.ticket = Ticket{ContainerID: req.ContainerID, seq: c.seq}
	c.insertLocked(req)
	c.mu.Unlock()

	c.pump()
	return req.ticket, true
}

// insertLocked places req before the first queued request with a strictly
// lower priority, keeping FIFO order within a band.
func (c *Coordinator) insertLocked(req Request) {
	idx := len(c.queue)
	for i, q := range c.queue {
		if q.Priority > req.Priority {
			idx = i
			break
		}
	}
	c.queue = append(c.queue, Request{})
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = req
}

// ReportLoaded frees the slot held by id and backfills from the queue.
func (c *Coordinator) ReportLoaded(id string) {
	if c.release(id) {
		slog.Debug("load resolved", logKeyContainer, id)
	}
	c.pump()
}

// ReportFailed frees the slot held by id and backfills from the queue.
func (c *Coordinator) ReportFailed(id string) {
	if c.release(id) {
		slog.Debug("load failed", logKeyContainer, id)
	}
	c.pump()
}

// ReportTicket resolves the admission identified by t: a nil err reports
// success, anything else failure. Reports for a ticket that is no longer
// admitted are ignored.
func (c *Coordinator) ReportTicket(t Ticket, err error) {
	c.mu.Lock()
	released := false
	if a, ok := c.admitted[t.ContainerID]; ok && a.req.ticket == t {
		released = c.releaseLocked(t.ContainerID)
	}
	c.mu.Unlock()

	if released {
		slog.Debug("load resolved", logKeyContainer, t.ContainerID, "failed", err != nil)
	}
	c.pump()
}

// CancelLoad removes id from the queue and the admitted set and notifies
// the dropped request. It does not backfill; the freed slot is used on the
// next admission pass. An admitted Start callback that is already running
// is not interrupted.
func (c *Coordinator) CancelLoad(id string) bool {
	return c.cancel(func(r Request) bool { return r.ContainerID == id })
}

// CancelTicket is CancelLoad restricted to the request identified by t.
func (c *Coordinator) CancelTicket(t Ticket) bool {
	return c.cancel(func(r Request) bool { return r.ticket == t })
}

func (c *Coordinator) cancel(match func(Request) bool) bool {
	c.mu.Lock()
	var dropped []Request
	for id, a := range c.admitted {
		if match(a.req) {
			dropped = append(dropped, a.req)
			c.releaseLocked(id)
		}
	}
	for i, q := range c.queue {
		if match(q) {
			dropped = append(dropped, q)
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	notifyCanceled(dropped)
	return len(dropped) > 0
}

func notifyCanceled(reqs []Request) {
	for _, r := range reqs {
		if r.OnCancel != nil {
			r.OnCancel()
		}
	}
}

// Pause stops admission; requests keep queueing.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume re-enables admission and runs it.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.pump()
}

// State returns the state of id.
func (c *Coordinator) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(id)
}

func (c *Coordinator) stateLocked(id string) State {
	if _, ok := c.admitted[id]; ok {
		return StateAdmitted
	}
	for _, q := range c.queue {
		if q.ContainerID == id {
			return StateQueued
		}
	}
	return StateIdle
}

// Snapshot returns the queue in admission order and the admitted ids in
// admission order.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		MaxConcurrent: c.maxConcurrent,
		Queued:        make([]string, 0, len(c.queue)),
		Admitted:      make([]string, 0, len(c.order)),
		Paused:        c.paused,
	}
	for _, q := range c.queue {
		s.Queued = append(s.Queued, q.ContainerID)
	}
	s.Admitted = append(s.Admitted, c.order...)
	return s
}

// AdmittedCount returns the number of in-flight requests.
func (c *Coordinator) AdmittedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.admitted)
}

// Close stops every watchdog, drops all bookkeeping and notifies every
// queued and admitted request. The coordinator accepts new requests
// afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	dropped := make([]Request, 0, len(c.order)+len(c.queue))
	for _, id := range c.order {
		a := c.admitted[id]
		if a.timer != nil {
			a.timer.Stop()
		}
		dropped = append(dropped, a.req)
	}
	dropped = append(dropped, c.queue...)
	c.admitted = make(map[string]*admission)
	c.order = nil
	c.queue = nil
	c.mu.Unlock()

	notifyCanceled(dropped)
}

// pump admits queued requests while slots are free.
func (c *Coordinator) pump() {
	for {
		a := c.admitNext()
		if a == nil {
			return
		}
		if c.onAdmit != nil {
			c.onAdmit(a.req.ContainerID)
		}
		if err := c.start(a.req); err != nil {
			slog.Warn("load start failed", logKeyContainer, a.req.ContainerID, "error", err)
			c.releaseIf(a)
		}
	}
}

func (c *Coordinator) admitNext() *admission {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused || len(c.admitted) >= c.maxConcurrent || len(c.queue) == 0 {
		return nil
	}

	req := c.queue[0]
	c.queue = c.queue[1:]

	a := &admission{req: req, at: c.clock.Now()}
	a.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(a) })
	c.admitted[req.ContainerID] = a
	c.order = append(c.order, req.ContainerID)
	return a
}

func (c *Coordinator) start(req Request) (err error) {
	if req.Start == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panicked: %v", r)
		}
	}()
	return req.Start(req.ticket)
}

// expire is the watchdog callback for a.
func (c *Coordinator) expire(a *admission) {
	c.mu.Lock()
	current, ok := c.admitted[a.req.ContainerID]
	if !ok || current != a {
		c.mu.Unlock()
		return
	}
	c.dropLocked(a.req.ContainerID)
	c.mu.Unlock()

	slog.Warn("load timed out", logKeyContainer, a.req.ContainerID, "timeout", c.timeout)
	if a.req.OnTimeout != nil {
		a.req.OnTimeout()
	}
	c.pump()
}

func (c *Coordinator) release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked(id)
}

// releaseIf releases a only if it is still the current admission for its id.
func (c *Coordinator) releaseIf(a *admission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.admitted[a.req.ContainerID]; ok && current == a {
		c.releaseLocked(a.req.ContainerID)
	}
}

func (c *Coordinator) releaseLocked(id string) bool {
	a, ok := c.admitted[id]
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	c.dropLocked(id)
	return true
}

func (c *Coordinator) dropLocked(id string) {
	delete(c.admitted, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
