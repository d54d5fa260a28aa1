package wallet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/persist"
)

// lockTimeout bounds acquiring a pool's file lock before surfacing
// persist.ErrLockTimeout to the caller.
const lockTimeout = 10 * time.Second

const poolMetaHeader = "berith-miner wallet pool"
const poolMetaVersion = "1"

// Registrar is the slice of the coordinator's HTTP surface the pool needs:
// wallet registration and consolidation. Defined here, rather than
// importing apiclient, so the pool never depends on a submission-level
// module; apiclient satisfies this interface structurally.
type Registrar interface {
	Register(ctx context.Context, address, signature, pubkey string) error
	DonateTo(ctx context.Context, dest, original, signatureHex string) error
}

// KeyGenerator is the wallet cryptography boundary. StandInKeyGen is a
// placeholder; production wiring swaps in the real keygen/COSE-signing
// library.
type KeyGenerator interface {
	GenerateKeypair() (pubkey, signingKey, address string, err error)
	SignTermsOfService(signingKey string) (signature string, err error)
	SignConsolidation(signingKey, dest string) (signatureHex string, err error)
}

type diskRecord struct {
	PoolID  string    `json:"pool_id"`
	Wallets []*Wallet `json:"wallets"`
}

// Pool is a set of wallets keyed by pool_id. Each GPU worker
// owns its own pool ("pool_id" = device id, stringified); CPU workers share
// pool "cpu".
type Pool struct {
	id        string
	path      string
	registrar Registrar
	keygen    KeyGenerator
	log       log.Logger

	mu      sync.Mutex // in-process lock; always taken before the file lock
	flock   *persist.Lock
	wallets []*Wallet // in-memory cache, reloaded before every mutation

	stopConsolidation chan struct{}
}

// Open loads (or lazily creates) the pool persisted at dataDir/<filename>.
// On open, every wallet's InUse flag is reset to false, recovering from a
// prior crash.
func Open(dataDir, poolID, filename string, registrar Registrar, keygen KeyGenerator) (*Pool, error) {
	path := dataDir + "/" + filename
	p := &Pool{
		id:        poolID,
		path:      path,
		registrar: registrar,
		keygen:    keygen,
		log:       log.New("component", "wallet.Pool", "pool", poolID),
		flock:     persist.NewLock(path),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	p.resetStateLocked()
	if err := p.saveLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the pool's identifier ("cpu" or a stringified GPU device id).
func (p *Pool) ID() string { return p.id }

// reload re-reads the backing file into memory, deduplicating by address.
// Called while holding p.mu, before every mutation: the file is the source
// of truth, the in-memory list only a cache.
func (p *Pool) reload() error {
	var rec diskRecord
	err := persist.LoadJSON(persist.Metadata{Header: poolMetaHeader, Version: poolMetaVersion}, &rec, p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("wallet: reload pool %s: %w", p.id, err)
		}
		rec = diskRecord{PoolID: p.id}
	}
	for _, w := range rec.Wallets {
		w.hydrateSolvedSet()
	}
	p.wallets = dedup(rec.Wallets)
	return nil
}

// dedup merges entries that share an address, enforced at every reload so
// address uniqueness holds continuously rather than being patched up
// lazily during consolidation.
func dedup(in []*Wallet) []*Wallet {
	byAddr := make(map[string]*Wallet, len(in))
	order := make([]string, 0, len(in))
	for _, w := range in {
		existing, ok := byAddr[w.Address]
		if !ok {
			byAddr[w.Address] = w
			order = append(order, w.Address)
			continue
		}
		existing.IsConsolidated = existing.IsConsolidated || w.IsConsolidated
		existing.InUse = existing.InUse || w.InUse
		existing.IsDevWallet = existing.IsDevWallet || w.IsDevWallet
		if existing.SolvedChallenges == nil {
			existing.SolvedChallenges = w.SolvedChallenges
		} else if w.SolvedChallenges != nil {
			existing.SolvedChallenges = existing.SolvedChallenges.Union(w.SolvedChallenges)
		}
		if existing.CurrentChallenge == "" {
			existing.CurrentChallenge = w.CurrentChallenge
		}
		if existing.AllocatedAt == nil {
			existing.AllocatedAt = w.AllocatedAt
		}
	}
	out := make([]*Wallet, 0, len(order))
	for _, addr := range order {
		out = append(out, byAddr[addr])
	}
	return out
}

// saveLocked persists the in-memory wallet list. Called while holding p.mu
// and the file lock.
func (p *Pool) saveLocked() error {
	for _, w := range p.wallets {
		w.syncSolvedList()
	}
	rec := diskRecord{PoolID: p.id, Wallets: p.wallets}
	return persist.SaveJSON(persist.Metadata{Header: poolMetaHeader, Version: poolMetaVersion}, rec, p.path)
}

// withFileLock runs fn holding both the in-process mutex and the
// inter-process file lock, in that order, reloading from
// disk first so the in-memory view is never stale across processes.
func (p *Pool) withFileLock(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	unlock, err := p.flock.Acquire(lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.reload(); err != nil {
		return err
	}
	return fn()
}

// withFileLockMutating is withFileLock plus a save after a successful fn.
func (p *Pool) withFileLockMutating(fn func() error) error {
	return p.withFileLock(func() error {
		if err := fn(); err != nil {
			return err
		}
		return p.saveLocked()
	})
}

func (p *Pool) find(address string) *Wallet {
	for _, w := range p.wallets {
		if w.Address == address {
			return w
		}
	}
	return nil
}

// Get returns a snapshot copy of the wallet at address, or nil. It takes
// the in-process mutex as well as the file lock and reloads from disk
// under both, as a mutation does, but never writes the file.
func (p *Pool) Get(address string) *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	unlock, err := p.flock.Acquire(lockTimeout)
	if err != nil {
		p.log.Warn("Get: lock timeout", "err", err)
		return nil
	}
	defer unlock()
	if err := p.reload(); err != nil {
		p.log.Warn("Get: reload failed", "err", err)
		return nil
	}
	w := p.find(address)
	if w == nil {
		return nil
	}
	cp := *w
	return &cp
}

// Allocate selects a wallet from the pool where IsDevWallet == requireDev,
// InUse == false, and challengeID is not in SolvedChallenges, in file
// order. On success it marks the wallet in use and
// persists.
func (p *Pool) Allocate(challengeID string, requireDev bool) *Wallet {
	var result *Wallet
	err := p.withFileLockMutating(func() error {
		for _, w := range p.wallets {
			if w.IsDevWallet != requireDev || w.InUse || w.HasSolved(challengeID) {
				continue
			}
			now := time.Now()
			w.InUse = true
			w.CurrentChallenge = challengeID
			w.AllocatedAt = &now
			cp := *w
			result = &cp
			return nil
		}
		return nil
	})
	if err != nil {
		p.log.Warn("Allocate failed", "err", err, "challenge", challengeID)
		return nil
	}
	return result
}

// Reuse re-stamps a wallet's CurrentChallenge and marks it in use without
// a free/take cycle. It only requires the wallet to exist; a wallet that is
// not currently allocated is taken as well. Returns false if it is missing.
func (p *Pool) Reuse(address, challengeID string) bool {
	ok := false
	err := p.withFileLockMutating(func() error {
		w := p.find(address)
		if w == nil {
			return nil
		}
		now := time.Now()
		w.InUse = true
		w.CurrentChallenge = challengeID
		w.AllocatedAt = &now
		ok = true
		return nil
	})
	if err != nil {
		p.log.Warn("Reuse failed", "err", err, "address", address)
		return false
	}
	return ok
}

// Release clears InUse/CurrentChallenge; if solved, challengeID is added to
// SolvedChallenges (idempotently).
func (p *Pool) Release(address, challengeID string, solved bool) {
	err := p.withFileLockMutating(func() error {
		w := p.find(address)
		if w == nil {
			return nil
		}
		w.InUse = false
		w.CurrentChallenge = ""
		w.AllocatedAt = nil
		if solved && challengeID != "" {
			w.MarkSolved(challengeID)
		}
		return nil
	})
	if err != nil {
		p.log.Warn("Release failed", "err", err, "address", address)
	}
}

// Create generates a keypair, signs the terms of service, registers with
// the coordinator, and appends the new wallet to the pool atomically.
// Returns nil on any failure, with no partial pool write.
func (p *Pool) Create(ctx context.Context, isDevWallet bool) *Wallet {
	pubkey, signingKey, address, err := p.keygen.GenerateKeypair()
	if err != nil {
		p.log.Warn("Create: keygen failed", "err", err)
		return nil
	}
	signature, err := p.keygen.SignTermsOfService(signingKey)
	if err != nil {
		p.log.Warn("Create: signing failed", "err", err)
		return nil
	}
	if err := p.registrar.Register(ctx, address, signature, pubkey); err != nil {
		p.log.Warn("Create: registration failed", "err", err, "address", address)
		return nil
	}

	w := &Wallet{
		Address:     address,
		Pubkey:      pubkey,
		SigningKey:  signingKey,
		Signature:   signature,
		CreatedAt:   time.Now(),
		IsDevWallet: isDevWallet,
	}
	w.SolvedChallenges = nil
	w.hydrateSolvedSet()

	var created *Wallet
	err = p.withFileLockMutating(func() error {
		if p.find(address) != nil {
			return nil // lost the race with a concurrent creator; no-op
		}
		p.wallets = append(p.wallets, w)
		cp := *w
		created = &cp
		return nil
	})
	if err != nil {
		p.log.Warn("Create: append failed", "err", err)
		return nil
	}
	return created
}

// CreateBatch creates count wallets in one pass, amortising coordinator and
// file I/O. Critical for GPU pools: ROM state only survives wallet
// switches if enough wallets exist for the current challenge. Returns the
// number actually created.
func (p *Pool) CreateBatch(ctx context.Context, count int, isDevWallet bool) int {
	type pending struct {
		w *Wallet
	}
	created := make([]pending, 0, count)
	for i := 0; i < count; i++ {
		pubkey, signingKey, address, err := p.keygen.GenerateKeypair()
		if err != nil {
			p.log.Warn("CreateBatch: keygen failed", "err", err, "i", i)
			continue
		}
		signature, err := p.keygen.SignTermsOfService(signingKey)
		if err != nil {
			p.log.Warn("CreateBatch: signing failed", "err", err, "i", i)
			continue
		}
		if err := p.registrar.Register(ctx, address, signature, pubkey); err != nil {
			p.log.Warn("CreateBatch: registration failed", "err", err, "address", address)
			continue
		}
		w := &Wallet{
			Address:     address,
			Pubkey:      pubkey,
			SigningKey:  signingKey,
			Signature:   signature,
			CreatedAt:   time.Now(),
			IsDevWallet: isDevWallet,
		}
		w.hydrateSolvedSet()
		created = append(created, pending{w: w})
	}
	if len(created) == 0 {
		return 0
	}
	added := 0
	err := p.withFileLockMutating(func() error {
		for _, c := range created {
			if p.find(c.w.Address) != nil {
				continue
			}
			p.wallets = append(p.wallets, c.w)
			added++
		}
		return nil
	})
	if err != nil {
		p.log.Warn("CreateBatch: append failed", "err", err)
		return 0
	}
	return added
}

// EnsureWallets tops up the pool to n non-dev wallets, idempotently.
func (p *Pool) EnsureWallets(ctx context.Context, n int) int {
	return p.ensure(ctx, n, false)
}

// EnsureDevWallets tops up the pool to n dev wallets, idempotently.
func (p *Pool) EnsureDevWallets(ctx context.Context, n int) int {
	return p.ensure(ctx, n, true)
}

func (p *Pool) ensure(ctx context.Context, n int, dev bool) int {
	stats := p.GetStats()
	have := stats.Total - stats.DevTotal
	if dev {
		have = stats.DevTotal
	}
	if have >= n {
		return 0
	}
	return p.CreateBatch(ctx, n-have, dev)
}

// GetStats summarizes the pool's population.
func (p *Pool) GetStats() Stats {
	var s Stats
	_ = p.withFileLock(func() error {
		for _, w := range p.wallets {
			s.Total++
			if w.InUse {
				s.InUse++
			} else {
				s.Available++
			}
			if w.IsDevWallet {
				s.DevTotal++
				if w.InUse {
					s.DevInUse++
				} else {
					s.DevAvailable++
				}
			}
		}
		return nil
	})
	return s
}

// ResetState clears InUse for every wallet in the pool, recovering from a
// prior crash. Idempotent: a second call is a fixpoint.
func (p *Pool) ResetState() {
	err := p.withFileLockMutating(func() error {
		p.resetStateLocked()
		return nil
	})
	if err != nil {
		p.log.Warn("ResetState failed", "err", err)
	}
}

func (p *Pool) resetStateLocked() {
	for _, w := range p.wallets {
		w.InUse = false
		w.CurrentChallenge = ""
		w.AllocatedAt = nil
	}
}

// Snapshot returns a defensive copy of every wallet currently in the pool,
// sorted by address, useful for dashboards and tests.
func (p *Pool) Snapshot() []*Wallet {
	var out []*Wallet
	_ = p.withFileLock(func() error {
		out = make([]*Wallet, len(p.wallets))
		for i, w := range p.wallets {
			cp := *w
			out[i] = &cp
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
