// Package response implements the Response Processor: the decision point
// between a worker's MineResponse and the wallet pool, submission queue
// and retry manager. It also owns the hashrate EMA the dashboard reads.
package response

import (
	"sync"
	"time"

	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/retry"
	"github.com/BerithFoundation/berith-miner/solution"
	"github.com/BerithFoundation/berith-miner/submission"
	"github.com/BerithFoundation/berith-miner/wallet"
	"github.com/BerithFoundation/berith-miner/worker"
)

// emaSmoothing is the EMA weight given to the newest sample.
const emaSmoothing = 0.1

// Params is everything Handle needs about the request a response answers,
// gathered by the Miner Manager at dispatch time and handed back alongside
// the worker's MineResponse.
type Params struct {
	Pool             *wallet.Pool
	Wallet           *wallet.Wallet
	ChallengeID      string
	Difficulty       string
	IsDev            bool
	WorkerKind       worker.Kind
	NumWorkersOfKind int
	KeepWalletOnFail bool
}

// Counters is the session accounting: dev vs user solutions. Per-wallet
// solved counts are kept separately (see WalletSolutionCount).
type Counters struct {
	DevSolutions  int
	UserSolutions int
}

// Processor is the Response Processor.
type Processor struct {
	queue    *submission.Queue
	retryMgr *retry.Manager
	log      log.Logger

	mu                 sync.Mutex
	counters           Counters
	perWalletSolutions map[string]int
	hashrateEMA        map[worker.Kind]float64
	pending            map[string]pendingSubmission
}

type pendingSubmission struct {
	pool        *wallet.Pool
	wallet      string
	challengeID string
	nonce       uint64
	difficulty  string
	isDev       bool
	submittedAt time.Time
}

// New builds a Processor. client is the apiclient submitter the owned
// Submission Queue sends to.
func New(client submission.Submitter) *Processor {
	p := &Processor{
		retryMgr:           nil,
		log:                log.New("component", "response.Processor"),
		perWalletSolutions: make(map[string]int),
		hashrateEMA:        make(map[worker.Kind]float64),
		pending:            make(map[string]pendingSubmission),
	}
	p.queue = submission.New(client, p.onSubmissionOutcome)
	return p
}

// SetRetryManager wires the retry manager a transient submission failure
// enqueues into. Separate from New to avoid a construction-order cycle
// (the retry manager's Submitter is the same apiclient the queue already
// holds, but the processor is what ties them together).
func (p *Processor) SetRetryManager(m *retry.Manager) {
	p.retryMgr = m
}

// Queue exposes the owned Submission Queue so the Miner Manager can Start
// and Stop its background loop.
func (p *Processor) Queue() *submission.Queue { return p.queue }

// Handle processes one MineResponse.
func (p *Processor) Handle(params Params, resp worker.MineResponse) {
	p.updateHashrate(params.WorkerKind, resp.Hashes, resp.Duration, params.NumWorkersOfKind)

	switch {
	case resp.Error != "":
		p.log.Warn("worker response error", "err", resp.Error, "challenge", params.ChallengeID)
		params.Pool.Release(params.Wallet.Address, "", false)

	case resp.Found:
		nonceHex := nonceHex(resp.Nonce)
		key := params.Wallet.Address + ":" + params.ChallengeID + ":" + nonceHex
		p.mu.Lock()
		p.pending[key] = pendingSubmission{
			pool:        params.Pool,
			wallet:      params.Wallet.Address,
			challengeID: params.ChallengeID,
			nonce:       resp.Nonce,
			difficulty:  params.Difficulty,
			isDev:       params.IsDev,
			submittedAt: time.Now(),
		}
		p.mu.Unlock()
		p.queue.Submit(params.Wallet.Address, params.ChallengeID, nonceHex)

	default:
		if params.KeepWalletOnFail {
			return
		}
		params.Pool.Release(params.Wallet.Address, "", false)
	}
}

// onSubmissionOutcome is the Submission Queue's callback, handling the
// three eventual outcomes of a found solution.
func (p *Processor) onSubmissionOutcome(address, challengeID, nonceHex string, outcome submission.Outcome) {
	key := address + ":" + challengeID + ":" + nonceHex
	p.mu.Lock()
	pend, ok := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()
	if !ok {
		p.log.Warn("submission outcome for unknown entry", "key", key)
		return
	}

	switch outcome {
	case submission.OutcomeAccepted:
		pend.pool.Release(pend.wallet, pend.challengeID, true)
		p.recordSolved(pend)
		p.log.Info("solution accepted", "wallet", pend.wallet, "challenge", pend.challengeID)

	case submission.OutcomeRejected:
		// Fatal: still mark solved, to prevent re-mining the same challenge.
		pend.pool.Release(pend.wallet, pend.challengeID, true)
		p.log.Warn("solution rejected", "wallet", pend.wallet, "challenge", pend.challengeID)

	case submission.OutcomeDiscarded:
		pend.pool.Release(pend.wallet, "", false)
		if p.retryMgr != nil {
			p.retryMgr.Enqueue(solution.FailedSolution{
				Solution: solution.Solution{
					ChallengeID:   pend.challengeID,
					Nonce:         pend.nonce,
					WalletAddress: pend.wallet,
					Difficulty:    pend.difficulty,
					IsDev:         pend.isDev,
					Timestamp:     pend.submittedAt,
					Status:        solution.StatusSubmitted,
				},
				LastRetry: time.Now(),
			})
		}
		p.log.Warn("solution submission discarded, handed to retry manager", "wallet", pend.wallet, "challenge", pend.challengeID)
	}
}

func (p *Processor) recordSolved(pend pendingSubmission) {
	p.RecordAccepted(pend.wallet, pend.isDev)
}

// RecordAccepted bumps the session counters for an accepted solution. The
// submission-queue path calls it internally; the Retry Manager's on-success
// hook calls it for solutions accepted on a later retry, keeping the
// "total = per-wallet sum + dev" accounting identity intact.
func (p *Processor) RecordAccepted(address string, isDev bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isDev {
		p.counters.DevSolutions++
	} else {
		p.counters.UserSolutions++
	}
	p.perWalletSolutions[address]++
}

// Counters returns a snapshot of the session accounting.
func (p *Processor) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// WalletSolutionCount returns how many solutions a given wallet has
// produced this session.
func (p *Processor) WalletSolutionCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perWalletSolutions[address]
}

// updateHashrate folds one response's sample into the per-kind EMA.
func (p *Processor) updateHashrate(kind worker.Kind, hashes uint64, duration time.Duration, numWorkersOfKind int) {
	if duration <= 0 {
		return
	}
	instant := float64(hashes) / duration.Seconds()
	total := instant * float64(numWorkersOfKind)

	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.hashrateEMA[kind]
	if !ok || prev == 0 {
		p.hashrateEMA[kind] = total
		return
	}
	p.hashrateEMA[kind] = 0.9*prev + emaSmoothing*total
}

// Hashrate returns the current EMA hashrate for a worker kind, in
// hashes/sec.
func (p *Processor) Hashrate(kind worker.Kind) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hashrateEMA[kind]
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
