// Package submission implements the Submission Queue: a single background
// task that serializes submissions to the coordinator per
// (address, challenge_id) key while allowing distinct keys to proceed
// independently.
package submission

import (
	"context"
	"sync"
	"time"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/log"
)

// retryHoursDefault bounds how long a transient failure keeps getting
// retried before being discarded.
const retryHoursDefault = 24 * time.Hour

// transientBackoff is how long a transient failure defers its next
// attempt, tracked as an explicit nextAttemptAt field on the entry.
const transientBackoff = 300 * time.Second

// pollInterval is how often the background loop wakes to check for newly
// queued entries and due retries when nothing else signals it.
const pollInterval = 50 * time.Millisecond

// Outcome reports what eventually happened to a queued entry, delivered to
// the caller-supplied callback so the Response Processor can update wallet
// and solution bookkeeping.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeDiscarded
)

// Callback is invoked exactly once per entry, when it reaches a terminal
// outcome (accepted, rejected, or discarded after exceeding retryHours).
type Callback func(address, challengeID, nonceHex string, outcome Outcome)

type entry struct {
	address       string
	challengeID   string
	nonceHex      string
	createdAt     time.Time
	attempts      int
	nextAttemptAt time.Time
}

func (e entry) key() string { return e.address + ":" + e.challengeID }

// Submitter is the coordinator-submission boundary the queue needs.
// apiclient.Client satisfies it structurally.
type Submitter interface {
	SubmitSolution(ctx context.Context, address, challengeID, nonceHex string) (apiclient.Outcome, error)
}

// Queue is the Submission Queue.
type Queue struct {
	client     Submitter
	callback   Callback
	retryHours time.Duration
	log        log.Logger

	mu      sync.Mutex
	pending []entry          // newly queued, not yet assigned to a key lane
	lanes   map[string][]entry
	inLane  map[string]bool // true while a lane has an in-flight submit

	stop chan struct{}
	done chan struct{}
}

func New(client Submitter, callback Callback) *Queue {
	return &Queue{
		client:     client,
		callback:   callback,
		retryHours: retryHoursDefault,
		log:        log.New("component", "submission.Queue"),
		lanes:      make(map[string][]entry),
		inLane:     make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Submit enqueues (address, challengeID, nonceHex) for background
// submission and returns immediately; the eventual outcome arrives via
// the queue's callback.
func (q *Queue) Submit(address, challengeID, nonceHex string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, entry{
		address:     address,
		challengeID: challengeID,
		nonceHex:    nonceHex,
		createdAt:   time.Now(),
	})
}

// Start runs the background loop until Stop is called.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.drainNewlyQueued()
				q.tick(ctx)
			}
		}
	}()
}

func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

// drainNewlyQueued moves pending entries into their per-key lane.
func (q *Queue) drainNewlyQueued() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pending {
		k := e.key()
		q.lanes[k] = append(q.lanes[k], e)
	}
	q.pending = q.pending[:0]
}

// tick attempts exactly one submit per lane that isn't already in flight
// and whose head entry is due, preserving the per-key serialization
// guarantee.
func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	var due []entry
	now := time.Now()
	for k, lane := range q.lanes {
		if len(lane) == 0 || q.inLane[k] {
			continue
		}
		head := lane[0]
		if now.Before(head.nextAttemptAt) {
			continue
		}
		q.inLane[k] = true
		due = append(due, head)
	}
	q.mu.Unlock()

	for _, e := range due {
		q.attempt(ctx, e)
	}
}

func (q *Queue) attempt(ctx context.Context, e entry) {
	k := e.key()
	now := time.Now()

	if now.Sub(e.createdAt) > q.retryHours {
		q.finish(k, e, OutcomeDiscarded)
		return
	}

	outcome, err := q.client.SubmitSolution(ctx, e.address, e.challengeID, e.nonceHex)
	switch {
	case err == nil && outcome == apiclient.OutcomeSuccess:
		q.finish(k, e, OutcomeAccepted)
	case outcome == apiclient.OutcomeFatal:
		q.finish(k, e, OutcomeRejected)
	default:
		e.attempts++
		e.nextAttemptAt = time.Now().Add(transientBackoff)
		q.requeue(k, e)
	}
}

// finish removes the lane's head entry and fires the callback.
func (q *Queue) finish(key string, e entry, outcome Outcome) {
	q.mu.Lock()
	lane := q.lanes[key]
	if len(lane) > 0 {
		q.lanes[key] = lane[1:]
	}
	q.inLane[key] = false
	q.mu.Unlock()

	if q.callback != nil {
		q.callback(e.address, e.challengeID, e.nonceHex, outcome)
	}
}

// requeue replaces the lane's head with the updated (backed-off) entry
// without losing its position.
func (q *Queue) requeue(key string, e entry) {
	q.mu.Lock()
	lane := q.lanes[key]
	if len(lane) > 0 {
		lane[0] = e
	}
	q.inLane[key] = false
	q.mu.Unlock()
}

// PendingCount reports how many entries are queued across all lanes, for
// dashboards and tests.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}
