// Package retry implements the Retry Manager: a two-tier queue for
// solution submissions that failed transiently. The immediate tier is an
// in-memory FIFO retried up to 5 times; the persistent tier is the
// FailedSolutions store, merged back into the immediate queue on a slow
// cadence so a restarted process doesn't lose anything inside the 24h
// window.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/persist"
	"github.com/BerithFoundation/berith-miner/solution"
)

const (
	maxAttempts       = 5
	reloadGracePeriod = time.Hour
	maxAge            = 24 * time.Hour

	metaHeader  = "berith-miner failed solutions"
	metaVersion = "1"
)

// Submitter is the coordinator-submission boundary the retry manager needs.
// apiclient.Client satisfies it structurally.
type Submitter interface {
	SubmitSolution(ctx context.Context, address, challengeID, nonceHex string) (apiclient.Outcome, error)
}

// SuccessFunc is invoked when a queued item is finally accepted by the
// coordinator, so the caller can mark the wallet solved and bump session
// counters.
type SuccessFunc func(s solution.Solution)

// Manager is the Retry Manager.
type Manager struct {
	submitter Submitter
	path      string
	log       log.Logger
	onSuccess SuccessFunc

	mu    sync.Mutex
	flock *persist.Lock
	queue []solution.FailedSolution // immediate, in-memory FIFO
}

func New(path string, submitter Submitter) *Manager {
	return &Manager{
		submitter: submitter,
		path:      path,
		log:       log.New("component", "retry.Manager"),
		flock:     persist.NewLock(path),
	}
}

// SetOnSuccess wires the hook invoked when a retried item is accepted.
// Must be called before the dispatch loop starts draining.
func (m *Manager) SetOnSuccess(fn SuccessFunc) {
	m.onSuccess = fn
}

// Enqueue adds a freshly-failed submission to the immediate queue. The
// response processor hands discarded submissions here.
func (m *Manager) Enqueue(fs solution.FailedSolution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fs)
}

// DrainOne pops and attempts exactly one immediate-queue item. Returns
// false if the queue was empty.
func (m *Manager) DrainOne(ctx context.Context) bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	item := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	outcome, err := m.submitter.SubmitSolution(ctx, item.WalletAddress, item.ChallengeID, nonceHex(item.Nonce))
	switch {
	case err == nil && outcome == apiclient.OutcomeSuccess:
		item.Status = solution.StatusAccepted
		m.log.Info("retry succeeded", "challenge", item.ChallengeID, "nonce", item.Nonce)
		if m.onSuccess != nil {
			m.onSuccess(item.Solution)
		}
	case outcome == apiclient.OutcomeFatal:
		item.Status = solution.StatusRejected
		m.log.Warn("retry rejected", "challenge", item.ChallengeID, "nonce", item.Nonce)
	default:
		item.RetryCount++
		item.LastRetry = time.Now()
		if item.RetryCount < maxAttempts {
			m.mu.Lock()
			m.queue = append(m.queue, item)
			m.mu.Unlock()
		} else {
			item.Status = solution.StatusFailedMaxRetries
			m.persistOne(item)
		}
	}
	return true
}

// Dispatched is called once per Miner Manager dispatch loop iteration.
// Every 100th call triggers a reload of the persistent store into the
// immediate queue.
func (m *Manager) Dispatched(ctx context.Context, reqID uint64) {
	if reqID == 0 || reqID%100 != 0 {
		return
	}
	m.loadPersistent()
}

// persistOne appends fs to the persistent FailedSolutions store, merging
// with whatever is already on disk.
func (m *Manager) persistOne(fs solution.FailedSolution) {
	unlock, err := m.flock.Acquire(10 * time.Second)
	if err != nil {
		m.log.Warn("persist failed solution: lock timeout", "err", err)
		return
	}
	defer unlock()

	var all []solution.FailedSolution
	_ = persist.LoadJSON(persist.Metadata{Header: metaHeader, Version: metaVersion}, &all, m.path)
	all = mergeByKey(all, []solution.FailedSolution{fs})
	if err := persist.SaveJSON(persist.Metadata{Header: metaHeader, Version: metaVersion}, all, m.path); err != nil {
		m.log.Warn("persist failed solution: save failed", "err", err)
	}
}

// loadPersistent merges the persistent tier into the immediate queue:
// entries older than 24h are discarded, and an entry is only eligible to re-enter
// the immediate queue once now-last_retry >= 1h has elapsed, preventing a
// hot reload loop from hammering the immediate queue.
func (m *Manager) loadPersistent() {
	unlock, err := m.flock.Acquire(10 * time.Second)
	if err != nil {
		m.log.Warn("load persistent: lock timeout", "err", err)
		return
	}
	defer unlock()

	var all []solution.FailedSolution
	if err := persist.LoadJSON(persist.Metadata{Header: metaHeader, Version: metaVersion}, &all, m.path); err != nil {
		return
	}

	now := time.Now()
	var kept []solution.FailedSolution
	var eligible []solution.FailedSolution
	for _, fs := range all {
		if fs.Age(now) > maxAge {
			continue
		}
		if now.Sub(fs.LastRetry) < reloadGracePeriod {
			kept = append(kept, fs)
			continue
		}
		eligible = append(eligible, fs)
	}
	if len(eligible) == 0 {
		return
	}

	m.mu.Lock()
	existing := make(map[string]bool, len(m.queue))
	for _, fs := range m.queue {
		existing[fs.Key()] = true
	}
	for _, fs := range eligible {
		if existing[fs.Key()] {
			continue
		}
		m.queue = append(m.queue, fs)
		existing[fs.Key()] = true
	}
	m.mu.Unlock()

	if err := persist.SaveJSON(persist.Metadata{Header: metaHeader, Version: metaVersion}, kept, m.path); err != nil {
		m.log.Warn("load persistent: rewrite failed", "err", err)
	}
}

// mergeByKey merges incoming into existing, deduplicating by (challenge_id,
// nonce), preferring the incoming (more recent) entry.
func mergeByKey(existing, incoming []solution.FailedSolution) []solution.FailedSolution {
	byKey := make(map[string]solution.FailedSolution, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))
	for _, fs := range existing {
		byKey[fs.Key()] = fs
		order = append(order, fs.Key())
	}
	for _, fs := range incoming {
		if _, ok := byKey[fs.Key()]; !ok {
			order = append(order, fs.Key())
		}
		byKey[fs.Key()] = fs
	}
	out := make([]solution.FailedSolution, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func nonceHex(n uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[n&0xf]
		n >>= 4
	}
	return string(buf)
}

// QueueLen reports the immediate queue's current length, for dashboards and
// tests.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
