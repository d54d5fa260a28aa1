// Package dispatch implements the Mining Coordinator: the per-dispatch
// policy that picks a challenge, picks a wallet, and builds a MineRequest
// for a free worker. It owns no state but the sticky-wallet bookkeeping
// and the recent-ROM-key LRU; sticky-wallet state lives here, not in the
// wallets themselves.
package dispatch

import (
	"context"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/BerithFoundation/berith-miner/challenge"
	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/wallet"
	"github.com/BerithFoundation/berith-miner/worker"
)

// recentROMKeysCapacity bounds the global LRU at size <=10.
const recentROMKeysCapacity = 10

// Result is what Dispatch hands back to the Miner Manager: a wallet,
// challenge and ready-to-send request. Sticky reports that the wallet is
// the worker's sticky (non-dev) wallet, so the response processor should
// keep it in use on a not-found result.
type Result struct {
	Wallet      *wallet.Wallet
	ChallengeID string
	Difficulty  string
	IsDev       bool
	Sticky      bool
	Request     worker.MineRequest
}

type stickyState struct {
	wallet           string
	pendingDevFee    bool
	currentChallenge string
}

// PoolResolver returns the Pool for a given pool id, creating it lazily if
// necessary. Keeping this as an interface (rather than a map owned here)
// lets the Miner Manager own pool lifetime while the coordinator only ever
// asks for one by id.
type PoolResolver interface {
	Pool(poolID string) *wallet.Pool
}

// Coordinator is the Mining Coordinator.
type Coordinator struct {
	pools         PoolResolver
	walletsPerGPU int
	log           log.Logger

	mu     sync.Mutex
	sticky map[string]*stickyState

	recentROMKeys *lru.Cache

	reqCounter uint64
}

func New(pools PoolResolver, walletsPerGPU int) *Coordinator {
	if walletsPerGPU <= 0 {
		walletsPerGPU = 4
	}
	c, _ := lru.New(recentROMKeysCapacity)
	return &Coordinator{
		pools:         pools,
		walletsPerGPU: walletsPerGPU,
		log:           log.New("component", "dispatch.Coordinator"),
		sticky:        make(map[string]*stickyState),
		recentROMKeys: c,
	}
}

func workerKey(kind worker.Kind, workerID int) string {
	return string(kind) + ":" + strconv.Itoa(workerID)
}

func poolID(kind worker.Kind, workerID int) string {
	if kind == worker.KindCPU {
		return "cpu"
	}
	return strconv.Itoa(workerID)
}

func (c *Coordinator) stickyFor(key string) *stickyState {
	s, ok := c.sticky[key]
	if !ok {
		s = &stickyState{}
		c.sticky[key] = s
	}
	return s
}

// Dispatch turns a free worker into a queued mining job. available must
// already be the set of currently valid challenges; reqID is the manager's
// monotonic dispatch counter. useDev requests dev-fee routing for this
// call; the coordinator may defer it (see stickyState.pendingDevFee).
func (c *Coordinator) Dispatch(ctx context.Context, kind worker.Kind, workerID int, available []challenge.Challenge, reqID uint64, useDev bool) (*Result, bool) {
	if len(available) == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pid := poolID(kind, workerID)
	pool := c.pools.Pool(pid)
	if pool == nil {
		return nil, false
	}
	key := workerKey(kind, workerID)
	sticky := c.stickyFor(key)

	// A pending deferred dev-fee assignment, set the last time this worker
	// wanted dev routing but had a sticky wallet, keeps requesting dev
	// routing until a rotation finally honors it.
	if sticky.pendingDevFee {
		useDev = true
	}

	sorted := sortedByDiscovery(available)
	tiers := partitionByDifficultySpike(sorted)

	// Sticky fast path: if the worker's last non-dev wallet can still
	// mine one of the offered challenges, re-stamp it via Reuse without
	// a free/take cycle. A use_dev request arriving while a sticky
	// wallet is held is deferred to the next rotation.
	if sticky.wallet != "" {
		if res := c.trySticky(pool, sticky, tiers, useDev); res != nil {
			return res, true
		}
		// Stickiness was dropped: this dispatch is a rotation, and any
		// pending dev-fee assignment is honored by the allocation below.
	}

	wlt, challengeID, ok := c.selectWalletReuseFirst(pool, tiers, useDev)
	if ok {
		wlt, challengeID = c.preferCachedROM(pool, tiers, wlt, challengeID, useDev)
	} else {
		// Fallback: oldest challenge, creation allowed.
		oldest := sorted[0]
		if useDev {
			wlt, ok = c.devAllocate(ctx, pool, pid, sticky.currentChallenge, oldest.ChallengeID)
		} else if kind == worker.KindGPU {
			pool.EnsureWallets(ctx, c.walletsPerGPU)
			wlt = pool.Allocate(oldest.ChallengeID, false)
			ok = wlt != nil
		} else {
			wlt = pool.Create(ctx, false)
			if wlt != nil {
				wlt = pool.Allocate(oldest.ChallengeID, false)
			}
			ok = wlt != nil
		}
		if !ok || wlt == nil {
			return nil, false
		}
		challengeID = oldest.ChallengeID
	}

	if wlt.IsDevWallet {
		sticky.pendingDevFee = false
	} else {
		sticky.wallet = wlt.Address
	}
	sticky.currentChallenge = challengeID

	ch := findChallenge(sorted, challengeID)
	if ch == nil {
		return nil, false
	}
	c.recentROMKeys.Add(ch.ROMKey, struct{}{})

	c.reqCounter++
	req := buildRequest(c.reqCounter, *wlt, *ch)

	return &Result{
		Wallet:      wlt,
		ChallengeID: challengeID,
		Difficulty:  ch.Difficulty,
		IsDev:       wlt.IsDevWallet,
		Sticky:      !wlt.IsDevWallet,
		Request:     req,
	}, true
}

// trySticky attempts the sticky-wallet reuse path. It returns a complete
// Result on success; on any miss it clears the worker's stickiness (a
// rotation) and returns nil so the caller falls through to normal
// allocation. A use_dev request observed while the sticky wallet is still
// usable is recorded as pending rather than honored now.
func (c *Coordinator) trySticky(pool *wallet.Pool, sticky *stickyState, tiers [][]challenge.Challenge, useDev bool) *Result {
	stuck := pool.Get(sticky.wallet)
	if stuck == nil || stuck.IsDevWallet {
		sticky.wallet = ""
		return nil
	}
	target := c.pickForWallet(stuck, tiers)
	if target == nil {
		// The sticky wallet has solved everything on offer.
		sticky.wallet = ""
		return nil
	}
	if useDev {
		sticky.pendingDevFee = true
	}
	if !pool.Reuse(stuck.Address, target.ChallengeID) {
		sticky.wallet = ""
		return nil
	}
	w := pool.Get(stuck.Address)
	if w == nil {
		sticky.wallet = ""
		return nil
	}
	sticky.currentChallenge = target.ChallengeID
	c.recentROMKeys.Add(target.ROMKey, struct{}{})

	c.reqCounter++
	req := buildRequest(c.reqCounter, *w, *target)
	return &Result{
		Wallet:      w,
		ChallengeID: target.ChallengeID,
		Difficulty:  target.Difficulty,
		IsDev:       false,
		Sticky:      true,
		Request:     req,
	}
}

// pickForWallet picks the challenge the sticky wallet should mine next:
// the first tier with anything the wallet hasn't solved wins, and within
// that tier a challenge whose ROM is already warm is preferred over the
// default discovery-order head, so the worker avoids a ROM rebuild when it
// can.
func (c *Coordinator) pickForWallet(w *wallet.Wallet, tiers [][]challenge.Challenge) *challenge.Challenge {
	for _, tier := range tiers {
		var candidates []*challenge.Challenge
		for i := range tier {
			if !w.HasSolved(tier[i].ChallengeID) {
				candidates = append(candidates, &tier[i])
			}
		}
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[0]
		if !c.recentROMKeys.Contains(chosen.ROMKey) {
			for _, cand := range candidates[1:] {
				if c.recentROMKeys.Contains(cand.ROMKey) {
					chosen = cand
					break
				}
			}
		}
		return chosen
	}
	return nil
}

func sortedByDiscovery(in []challenge.Challenge) []challenge.Challenge {
	out := make([]challenge.Challenge, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DiscoveredAt.Before(out[j].DiscoveredAt) })
	return out
}

// partitionByDifficultySpike handles a difficulty spike: if the
// numerically largest difficulty value exceeds the smallest, split into
// the set holding the smallest value (first) and the rest, preserving each
// group's relative (discovery) order. Values are compared as 256-bit
// targets, and workers accept a hash at or below the target, so the first
// set holds the smallest targets.
func partitionByDifficultySpike(sorted []challenge.Challenge) [][]challenge.Challenge {
	if len(sorted) == 0 {
		return nil
	}
	min := sorted[0].Difficulty
	max := sorted[0].Difficulty
	for _, ch := range sorted[1:] {
		if difficultyLess(ch.Difficulty, min) {
			min = ch.Difficulty
		}
		if difficultyLess(max, ch.Difficulty) {
			max = ch.Difficulty
		}
	}
	if max == min {
		return [][]challenge.Challenge{sorted}
	}
	var lowest, rest []challenge.Challenge
	for _, ch := range sorted {
		if ch.Difficulty == min {
			lowest = append(lowest, ch)
		} else {
			rest = append(rest, ch)
		}
	}
	return [][]challenge.Challenge{lowest, rest}
}

// difficultyLess compares two difficulty hex strings numerically by
// right-padding to the full 64 hex chars and comparing lexicographically
// (equivalent to numeric comparison for equal-length hex strings).
func difficultyLess(a, b string) bool {
	return padDifficulty(a) < padDifficulty(b)
}

func padDifficulty(hexStr string) string {
	const want = 64
	if len(hexStr) >= want {
		return hexStr[:want]
	}
	buf := make([]byte, want)
	copy(buf, hexStr)
	for i := len(hexStr); i < want; i++ {
		buf[i] = '0'
	}
	return string(buf)
}

// selectWalletReuseFirst iterates challenges across tiers
// (lowest-difficulty tier first), trying a creation-free allocate for
// each. First success wins. This is the core policy against wallet
// explosion: an existing wallet on any valid challenge beats creating one.
func (c *Coordinator) selectWalletReuseFirst(pool *wallet.Pool, tiers [][]challenge.Challenge, useDev bool) (*wallet.Wallet, string, bool) {
	for _, tier := range tiers {
		for _, ch := range tier {
			if w := pool.Allocate(ch.ChallengeID, useDev); w != nil {
				return w, ch.ChallengeID, true
			}
		}
	}
	return nil, "", false
}

// preferCachedROM applies ROM-cache affinity: if the chosen challenge's ROM key
// is cold but a same-tier challenge's ROM key is warm and an existing
// wallet is allocatable for it, switch to that challenge (and its wallet),
// releasing the one taken for the cold choice.
func (c *Coordinator) preferCachedROM(pool *wallet.Pool, tiers [][]challenge.Challenge, chosen *wallet.Wallet, chosenID string, useDev bool) (*wallet.Wallet, string) {
	chosenTier, chosenChallenge := findTier(tiers, chosenID)
	if chosenChallenge == nil {
		return chosen, chosenID
	}
	if c.recentROMKeys.Contains(chosenChallenge.ROMKey) {
		return chosen, chosenID
	}
	for _, ch := range chosenTier {
		if ch.ChallengeID == chosenID || !c.recentROMKeys.Contains(ch.ROMKey) {
			continue
		}
		if w := pool.Allocate(ch.ChallengeID, useDev); w != nil {
			pool.Release(chosen.Address, "", false)
			return w, ch.ChallengeID
		}
	}
	return chosen, chosenID
}

func findTier(tiers [][]challenge.Challenge, id string) ([]challenge.Challenge, *challenge.Challenge) {
	for _, tier := range tiers {
		for i := range tier {
			if tier[i].ChallengeID == id {
				return tier, &tier[i]
			}
		}
	}
	return nil, nil
}

func findChallenge(all []challenge.Challenge, id string) *challenge.Challenge {
	for i := range all {
		if all[i].ChallengeID == id {
			return &all[i]
		}
	}
	return nil
}

// devAllocate implements the dev-wallet allocation procedure: try the
// current challenge first (keeps ROM stable), then the target; if
// neither has an available dev wallet, refuse to create more once every
// existing dev wallet is in use, otherwise create exactly one and retry.
func (c *Coordinator) devAllocate(ctx context.Context, pool *wallet.Pool, pid, currentChallengeID, targetChallengeID string) (*wallet.Wallet, bool) {
	if currentChallengeID != "" {
		if w := pool.Allocate(currentChallengeID, true); w != nil {
			return w, true
		}
	}
	if w := pool.Allocate(targetChallengeID, true); w != nil {
		return w, true
	}
	stats := pool.GetStats()
	if stats.DevTotal > 0 && stats.DevAvailable == 0 {
		c.log.Warn("dev wallet pool exhausted, refusing to create more", "pool", pid)
		return nil, false
	}
	if pool.Create(ctx, true) == nil {
		return nil, false
	}
	w := pool.Allocate(targetChallengeID, true)
	return w, w != nil
}

// buildRequest assembles a MineRequest: salt_prefix is the bit-exact
// concatenation of wallet address, challenge id, difficulty, no_pre_mine,
// latest_submission and no_pre_mine_hour, no separators.
func buildRequest(id uint64, w wallet.Wallet, ch challenge.Challenge) worker.MineRequest {
	salt := w.Address + ch.ChallengeID + ch.Difficulty + ch.NoPreMine + ch.LatestSubmission + ch.NoPreMineHour
	return worker.MineRequest{
		ID:         id,
		Type:       worker.RequestMine,
		ROMKey:     ch.ROMKey,
		SaltPrefix: []byte(salt),
		Difficulty: parseDifficulty(ch.Difficulty),
		StartNonce: id << 32, // spreads workers' search ranges apart deterministically
	}
}

// parseDifficulty right-pads hexStr to 64 hex chars with '0' and decodes
// the full 256-bit target.
func parseDifficulty(hexStr string) [32]byte {
	var out [32]byte
	padded := padDifficulty(hexStr)
	raw, err := hex.DecodeString(padded)
	if err != nil {
		return out
	}
	copy(out[:], raw)
	return out
}
