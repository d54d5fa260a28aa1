// Package miner implements the Miner Manager: the run loop that owns
// worker engines, the challenge-polling task, the dispatch loop, and the
// dashboard-update task. It is the only package that wires every other
// subsystem together.
package miner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/challenge"
	"github.com/BerithFoundation/berith-miner/config"
	"github.com/BerithFoundation/berith-miner/dashboard"
	"github.com/BerithFoundation/berith-miner/dispatch"
	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/response"
	"github.com/BerithFoundation/berith-miner/retry"
	"github.com/BerithFoundation/berith-miner/solution"
	"github.com/BerithFoundation/berith-miner/wallet"
	"github.com/BerithFoundation/berith-miner/worker"
)

// challengePollInterval is the default flat poll cadence when the config
// does not override it.
const challengePollInterval = 10 * time.Second

// idleSleep is how long the dispatch loop sleeps when every worker is
// busy.
const idleSleep = 10 * time.Millisecond

// dispatchMaintenanceCadence is the req_id modulo boundary at which the
// dispatch loop runs cache cleanup and reloads persisted retries.
const dispatchMaintenanceCadence = 100

// startupTimeout is the hard ceiling the manager gives worker engines to
// come up before proceeding in a degraded "forced" state with a warning
// surfaced to the dashboard. Individual engines may still become ready
// after this point; the manager simply stops waiting on them and starts
// dispatching to whichever are ready.
const startupTimeout = 300 * time.Second

// poolRegistry implements dispatch.PoolResolver over the concrete pools the
// Manager owns: one shared "cpu" pool, one per GPU device id.
type poolRegistry struct {
	mu    sync.RWMutex
	pools map[string]*wallet.Pool
}

func (r *poolRegistry) Pool(id string) *wallet.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[id]
}

func (r *poolRegistry) set(id string, p *wallet.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[id] = p
}

// Register adds pool p under its own ID, for use by the CLI entrypoint
// while assembling the registry before a Manager exists to own it.
func (r *poolRegistry) Register(p *wallet.Pool) {
	r.set(p.ID(), p)
}

// lookup returns the first pool holding a wallet at address. Used by the
// retry on-success hook, which only knows the wallet's address.
func (r *poolRegistry) lookup(address string) *wallet.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pools {
		if p.Get(address) != nil {
			return p
		}
	}
	return nil
}

func (r *poolRegistry) snapshotStats() []dashboard.PoolSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dashboard.PoolSummary, 0, len(r.pools))
	for id, p := range r.pools {
		s := p.GetStats()
		out = append(out, dashboard.PoolSummary{PoolID: id, Total: s.Total, Available: s.Available, InUse: s.InUse})
	}
	return out
}

// StatusSink is where the Manager pushes dashboard state.
// *dashboard.Dashboard is the production implementation; tests substitute
// their own.
type StatusSink interface {
	RecordSolved(dashboard.SolvedEntry)
	Render(dashboard.Snapshot)
}

type engineSlot struct {
	engine worker.Engine
	kind   worker.Kind
	busy   bool
	params response.Params
}

// Manager is the Miner Manager.
type Manager struct {
	cfg         *config.Config
	client      *apiclient.Client
	cache       *challenge.Cache
	coordinator *dispatch.Coordinator
	processor   *response.Processor
	retryMgr    *retry.Manager
	pools       *poolRegistry
	dash        StatusSink
	log         log.Logger

	slots        []*engineSlot
	pollInterval time.Duration

	reqCounter uint64
	startedAt  time.Time

	mu      sync.Mutex
	warning string

	stop chan struct{}
	done chan struct{}
}

// New assembles a Manager from its already-open dependencies. Building the
// pools, cache, coordinator etc. is the CLI entrypoint's job; Manager only
// orchestrates them.
func New(cfg *config.Config, client *apiclient.Client, cache *challenge.Cache, coordinator *dispatch.Coordinator, processor *response.Processor, retryMgr *retry.Manager, pools *poolRegistry, dash StatusSink, engines []worker.Engine) *Manager {
	slots := make([]*engineSlot, 0, len(engines))
	for _, e := range engines {
		slots = append(slots, &engineSlot{engine: e, kind: e.Kind()})
	}
	// A solution accepted on a late retry still counts: mark the wallet
	// solved so it never re-mines that challenge, and keep the session
	// accounting identity intact.
	retryMgr.SetOnSuccess(func(s solution.Solution) {
		if p := pools.lookup(s.WalletAddress); p != nil {
			p.Release(s.WalletAddress, s.ChallengeID, true)
		}
		processor.RecordAccepted(s.WalletAddress, s.IsDev)
	})
	pollInterval := challengePollInterval
	if cfg.Miner.PollInterval > 0 {
		pollInterval = time.Duration(cfg.Miner.PollInterval) * time.Second
	}
	return &Manager{
		cfg:          cfg,
		client:       client,
		cache:        cache,
		coordinator:  coordinator,
		processor:    processor,
		retryMgr:     retryMgr,
		pools:        pools,
		dash:         dash,
		log:          log.New("component", "miner.Manager"),
		slots:        slots,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// NewPoolRegistry is exported so the CLI entrypoint can build the
// dispatch.PoolResolver the Manager and Coordinator share.
func NewPoolRegistry() *poolRegistry {
	return &poolRegistry{pools: make(map[string]*wallet.Pool)}
}

// RegisterPool adds a pool under id to the registry shared with the
// dispatch Coordinator.
func (m *Manager) RegisterPool(id string, p *wallet.Pool) {
	m.pools.set(id, p)
}

// Run starts every worker engine and blocks running the three concurrent
// tasks (poller, dispatch loop, dashboard) until Stop is called or ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) {
	m.startedAt = time.Now()
	for _, s := range m.slots {
		s.engine.Start()
	}
	if timedOut := m.awaitReady(startupTimeout); timedOut {
		m.setWarning(fmt.Sprintf("startup forced after %s: not every worker engine signaled ready in time", startupTimeout))
		m.log.Warn("startup timed out, proceeding in forced degraded state", "timeout", startupTimeout)
	}

	m.processor.Queue().Start(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.pollChallenges(ctx) }()
	go func() { defer wg.Done(); m.dispatchLoop(ctx) }()
	go func() { defer wg.Done(); m.renderDashboard(ctx) }()
	wg.Wait()

	m.processor.Queue().Stop()
	for _, s := range m.slots {
		s.engine.Shutdown()
	}
	close(m.done)
}

// Stop signals every task to exit and blocks until Run has returned.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// awaitReady waits until every worker engine's Ready signal has fired, or
// timeout elapses first. Returns true if the timeout was hit with one or
// more engines still not ready.
func (m *Manager) awaitReady(timeout time.Duration) bool {
	if len(m.slots) == 0 {
		return false
	}
	done := make(chan struct{}, len(m.slots))
	for _, s := range m.slots {
		go func(s *engineSlot) {
			<-s.engine.Ready()
			done <- struct{}{}
		}(s)
	}
	deadline := time.After(timeout)
	remaining := len(m.slots)
	for remaining > 0 {
		select {
		case <-done:
			remaining--
		case <-deadline:
			return true
		case <-m.stop:
			return false
		}
	}
	return false
}

func (m *Manager) setWarning(w string) {
	m.mu.Lock()
	m.warning = w
	m.mu.Unlock()
}

func (m *Manager) getWarning() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warning
}

// isReady reports whether s's engine has signaled readiness, without
// blocking. Engines that timed out of awaitReady may still become ready
// later; the dispatch loop simply skips them until they do.
func isReady(s *engineSlot) bool {
	select {
	case <-s.engine.Ready():
		return true
	default:
		return false
	}
}

// pollChallenges is the challenge-polling task: hourly-aligned adaptive
// sleep when a valid challenge already exists, otherwise a flat poll
// interval.
func (m *Manager) pollChallenges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		ch, err := m.client.GetChallenge(ctx)
		if err != nil {
			m.log.Warn("poll challenge failed", "err", err)
		} else if ch != nil {
			m.cache.Register(toChallenge(*ch))
		}

		m.sleepUntilNextPoll()
	}
}

func (m *Manager) sleepUntilNextPoll() {
	hasValid := len(m.cache.Valid(time.Hour)) > 0
	if !hasValid {
		m.interruptibleSleep(m.pollInterval)
		return
	}
	now := time.Now()
	boundary := now.Truncate(time.Hour).Add(time.Hour)
	untilBoundary := boundary.Sub(now)
	if untilBoundary <= 60*time.Second {
		m.interruptibleSleep(m.pollInterval)
		return
	}
	m.interruptibleSleep(untilBoundary - 45*time.Second)
}

// interruptibleSleep sleeps in steps of at most 1s so shutdown is noticed
// promptly even during a long hourly-aligned wait.
func (m *Manager) interruptibleSleep(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-m.stop:
			return
		case <-time.After(step):
		}
	}
}

func toChallenge(dto apiclient.ChallengeDTO) challenge.Challenge {
	return challenge.Challenge{
		ChallengeID:      dto.ChallengeID,
		Difficulty:       dto.Difficulty,
		ROMKey:           dto.ROMKey,
		LatestSubmission: dto.LatestSubmission,
		NoPreMineHour:    dto.NoPreMineHour,
		NoPreMine:        dto.NoPreMine,
	}
}

// dispatchLoop is the main dispatch loop: maintenance, one retry drain,
// fill free workers, drain responses, brief sleep when nothing moved.
func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		available := m.cache.Valid(time.Hour)
		if len(available) == 0 {
			m.interruptibleSleep(m.pollInterval)
			continue
		}

		m.reqCounter++
		reqID := m.reqCounter
		if reqID%dispatchMaintenanceCadence == 0 {
			m.cache.Cleanup(0)
		}
		m.retryMgr.DrainOne(ctx)
		m.retryMgr.Dispatched(ctx, reqID)

		didWork := false
		didWork = m.fillFree(ctx, worker.KindGPU, available, reqID) || didWork
		didWork = m.fillFree(ctx, worker.KindCPU, available, reqID) || didWork
		didWork = m.drainResponses() || didWork

		if !didWork {
			m.interruptibleSleep(idleSleep)
		}
	}
}

// fillFree dispatches to every currently-free engine of kind until the
// coordinator has nothing left to offer.
func (m *Manager) fillFree(ctx context.Context, kind worker.Kind, available []challenge.Challenge, reqID uint64) bool {
	did := false
	for _, s := range m.slots {
		if s.kind != kind || s.busy || !isReady(s) {
			continue
		}
		useDev := shouldRouteDevFee(reqID)
		res, ok := m.coordinator.Dispatch(ctx, kind, s.engine.ID(), available, reqID, useDev)
		if !ok {
			break
		}
		s.busy = true
		pool := m.pools.Pool(poolIDFor(kind, s.engine.ID()))
		s.params = response.Params{
			Pool:             pool,
			Wallet:           res.Wallet,
			ChallengeID:      res.ChallengeID,
			Difficulty:       res.Difficulty,
			IsDev:            res.IsDev,
			WorkerKind:       kind,
			NumWorkersOfKind: m.countOfKind(kind),
			KeepWalletOnFail: res.Sticky,
		}
		s.engine.Requests() <- res.Request
		did = true
	}
	return did
}

// shouldRouteDevFee routes roughly one dispatch in twenty to a dev-fee
// wallet. A deterministic cadence rather than an RNG draw keeps dispatch
// reproducible in tests and log replay.
func shouldRouteDevFee(reqID uint64) bool {
	return reqID%20 == 0
}

func poolIDFor(kind worker.Kind, workerID int) string {
	if kind == worker.KindCPU {
		return "cpu"
	}
	return strconv.Itoa(workerID)
}

func (m *Manager) countOfKind(kind worker.Kind) int {
	n := 0
	for _, s := range m.slots {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// drainResponses performs a non-blocking drain of every busy worker's
// response channel.
func (m *Manager) drainResponses() bool {
	did := false
	for _, s := range m.slots {
		if !s.busy {
			continue
		}
		select {
		case resp := <-s.engine.Responses():
			m.processor.Handle(s.params, resp)
			if resp.Found {
				m.dash.RecordSolved(dashboard.SolvedEntry{
					WalletAddress: s.params.Wallet.Address,
					ChallengeID:   s.params.ChallengeID,
					Nonce:         resp.Nonce,
					IsDev:         s.params.IsDev,
					SolvedAt:      time.Now(),
				})
			}
			s.busy = false
			did = true
		default:
		}
	}
	return did
}

// renderDashboard is the 1 Hz dashboard-update task.
func (m *Manager) renderDashboard(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			counters := m.processor.Counters()
			m.dash.Render(dashboard.Snapshot{
				Uptime:             time.Since(m.startedAt),
				CPUHashrate:        m.processor.Hashrate(worker.KindCPU),
				GPUHashrate:        m.processor.Hashrate(worker.KindGPU),
				DevSolutions:       counters.DevSolutions,
				UserSolutions:      counters.UserSolutions,
				RetryQueueLen:      m.retryMgr.QueueLen(),
				SubmissionQueueLen: m.processor.Queue().PendingCount(),
				Pools:              m.pools.snapshotStats(),
				Warning:            m.getWarning(),
			})
		}
	}
}
