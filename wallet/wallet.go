// Package wallet implements the Wallet Pool: persistent per-device sets
// of wallets, allocation with sticky-friendly semantics, deduplication,
// and background consolidation. It is the shared mutable state accessed
// by the dispatch coordinator, the response processor, and the
// consolidation task.
package wallet

import (
	"time"

	mapset "github.com/deckarep/golang-set"
)

// Wallet is a long-lived compute identity.
type Wallet struct {
	Address          string     `json:"address"`
	Pubkey           string     `json:"pubkey"`
	SigningKey       string     `json:"signing_key"`
	Signature        string     `json:"signature"`
	CreatedAt        time.Time  `json:"created_at"`
	IsConsolidated   bool       `json:"is_consolidated"`
	IsDevWallet      bool       `json:"is_dev_wallet"`
	InUse            bool       `json:"in_use"`
	CurrentChallenge string     `json:"current_challenge,omitempty"`
	AllocatedAt      *time.Time `json:"allocated_at,omitempty"`
	SolvedChallenges mapset.Set `json:"-"`

	// SolvedChallengesList is SolvedChallenges flattened for JSON
	// persistence; mapset.Set itself doesn't marshal.
	SolvedChallengesList []string `json:"solved_challenges"`
}

// HasSolved reports whether the wallet has already solved challengeID. It
// only ever consults the wallet's own set, never another pool's state.
func (w *Wallet) HasSolved(challengeID string) bool {
	if w.SolvedChallenges == nil {
		return false
	}
	return w.SolvedChallenges.Contains(challengeID)
}

// MarkSolved adds challengeID to the wallet's solved set, idempotently.
func (w *Wallet) MarkSolved(challengeID string) {
	if w.SolvedChallenges == nil {
		w.SolvedChallenges = mapset.NewSet()
	}
	w.SolvedChallenges.Add(challengeID)
}

// syncSolvedList flattens SolvedChallenges into SolvedChallengesList ahead
// of a JSON save.
func (w *Wallet) syncSolvedList() {
	w.SolvedChallengesList = w.SolvedChallengesList[:0]
	if w.SolvedChallenges == nil {
		return
	}
	w.SolvedChallenges.Each(func(item interface{}) bool {
		w.SolvedChallengesList = append(w.SolvedChallengesList, item.(string))
		return false
	})
}

// hydrateSolvedSet rebuilds SolvedChallenges from SolvedChallengesList after
// a JSON load.
func (w *Wallet) hydrateSolvedSet() {
	w.SolvedChallenges = mapset.NewSet()
	for _, c := range w.SolvedChallengesList {
		w.SolvedChallenges.Add(c)
	}
}

// Stats summarizes a pool's wallet population.
type Stats struct {
	Total        int
	Available    int
	InUse        int
	DevTotal     int
	DevAvailable int
	DevInUse     int
}
