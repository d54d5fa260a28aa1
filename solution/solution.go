// Package solution defines the Solution and FailedSolution records shared
// by the response processor, retry manager and submission queue. It holds
// no behavior beyond the data's own invariants so that it can be imported
// by all three without creating a cycle between them.
package solution

import "time"

// Status is a Solution's lifecycle state. At most one transition to
// StatusAccepted may happen per (ChallengeID, Nonce).
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusFailedMaxRetries Status = "failed_max_retries"
)

// Solution is a single submitted nonce and its outcome.
type Solution struct {
	ChallengeID   string    `json:"challenge_id"`
	Nonce         uint64    `json:"nonce"`
	WalletAddress string    `json:"wallet_address"`
	Difficulty    string    `json:"difficulty"`
	IsDev         bool      `json:"is_dev"`
	Timestamp     time.Time `json:"timestamp"`
	Status        Status    `json:"status"`
}

// Key identifies a solution for dedup purposes: at most one accepted
// transition per (challenge_id, nonce).
func (s Solution) Key() string {
	return s.ChallengeID + ":" + nonceHex(s.Nonce)
}

func nonceHex(n uint64) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexdigits[n&0xf]
		n >>= 4
	}
	return string(buf)
}

// FailedSolution is a Solution awaiting retry, carrying the bookkeeping the
// Retry Manager needs: how many times it has been retried, and when it was
// last attempted. Entries older than 24h are discarded. NextAttemptAt is
// carried in the JSON record but neither set nor read by the Retry
// Manager, which schedules reloads from LastRetry.
type FailedSolution struct {
	Solution
	RetryCount    int       `json:"retry_count"`
	LastRetry     time.Time `json:"last_retry"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Age reports how long ago the underlying solution was first submitted.
func (f FailedSolution) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}
