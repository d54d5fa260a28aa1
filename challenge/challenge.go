// Package challenge implements the Challenge Cache: a time-bounded store
// of challenges known to the coordinator, persisted in full (not
// summarized) so salt reconstruction is bit-identical after a restart.
package challenge

import "time"

// validity is the fixed window a challenge remains eligible for, from the
// moment it was discovered.
const validity = 24 * time.Hour

// Challenge is issued by the coordinator.
type Challenge struct {
	ChallengeID      string    `json:"challenge_id"`
	Difficulty       string    `json:"difficulty"`
	ROMKey           string    `json:"rom_key"`
	LatestSubmission string    `json:"latest_submission"`
	NoPreMineHour    string    `json:"no_pre_mine_hour"`
	NoPreMine        string    `json:"no_pre_mine"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Eligible reports whether the challenge still has at least minRemaining
// left before it expires, as of now.
func (c Challenge) Eligible(now time.Time, minRemaining time.Duration) bool {
	return c.ExpiresAt.After(now.Add(minRemaining))
}
