package challenge

import (
	"os"
	"sync"
	"time"

	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/persist"
)

const lockTimeout = 10 * time.Second
const cacheMetaHeader = "berith-miner challenge cache"
const cacheMetaVersion = "1"

// defaultMinRemaining is the min_remaining default used by valid/cleanup
// when the caller doesn't specify one.
const defaultMinRemaining = 1 * time.Hour

type diskRecord struct {
	Challenges []Challenge `json:"challenges"`
}

// Cache is the challenge store: one in-process mutex plus a file lock.
type Cache struct {
	path  string
	log   log.Logger
	mu    sync.Mutex
	flock *persist.Lock

	byID map[string]Challenge
}

// Open loads (or lazily creates) the cache persisted at path.
func Open(path string) (*Cache, error) {
	c := &Cache{
		path:  path,
		log:   log.New("component", "challenge.Cache"),
		flock: persist.NewLock(path),
		byID:  make(map[string]Challenge),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) reload() error {
	var rec diskRecord
	err := persist.LoadJSON(persist.Metadata{Header: cacheMetaHeader, Version: cacheMetaVersion}, &rec, c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		rec = diskRecord{}
	}
	c.byID = make(map[string]Challenge, len(rec.Challenges))
	for _, ch := range rec.Challenges {
		c.byID[ch.ChallengeID] = ch
	}
	return nil
}

func (c *Cache) saveLocked() error {
	rec := diskRecord{Challenges: make([]Challenge, 0, len(c.byID))}
	for _, ch := range c.byID {
		rec.Challenges = append(rec.Challenges, ch)
	}
	return persist.SaveJSON(persist.Metadata{Header: cacheMetaHeader, Version: cacheMetaVersion}, rec, c.path)
}

func (c *Cache) withFileLock(mutate bool, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.flock.Acquire(lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.reload(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	if mutate {
		return c.saveLocked()
	}
	return nil
}

// Register inserts ch if its ChallengeID is new, stamping DiscoveredAt=now
// and ExpiresAt=now+24h. Idempotent: registering twice leaves the cache
// size unchanged.
func (c *Cache) Register(ch Challenge) error {
	return c.withFileLock(true, func() error {
		if _, exists := c.byID[ch.ChallengeID]; exists {
			return nil
		}
		now := time.Now()
		ch.DiscoveredAt = now
		ch.ExpiresAt = now.Add(validity)
		c.byID[ch.ChallengeID] = ch
		return nil
	})
}

// Valid returns every challenge with ExpiresAt > now+minRemaining. A
// minRemaining of 0 uses the 1h default.
func (c *Cache) Valid(minRemaining time.Duration) []Challenge {
	if minRemaining == 0 {
		minRemaining = defaultMinRemaining
	}
	var out []Challenge
	_ = c.withFileLock(false, func() error {
		now := time.Now()
		for _, ch := range c.byID {
			if ch.Eligible(now, minRemaining) {
				out = append(out, ch)
			}
		}
		return nil
	})
	return out
}

// Cleanup removes everything failing Valid's eligibility check, returning
// the count removed.
func (c *Cache) Cleanup(minRemaining time.Duration) int {
	if minRemaining == 0 {
		minRemaining = defaultMinRemaining
	}
	removed := 0
	_ = c.withFileLock(true, func() error {
		now := time.Now()
		for id, ch := range c.byID {
			if !ch.Eligible(now, minRemaining) {
				delete(c.byID, id)
				removed++
			}
		}
		return nil
	})
	return removed
}
