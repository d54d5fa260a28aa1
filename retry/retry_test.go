package retry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/solution"
)

type fakeSubmitter struct {
	outcomes []func() (apiclient.Outcome, error)
	calls    int
}

func (f *fakeSubmitter) SubmitSolution(ctx context.Context, address, challengeID, nonceHex string) (apiclient.Outcome, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.outcomes) {
		return apiclient.OutcomeTransient, context.DeadlineExceeded
	}
	return f.outcomes[idx]()
}

func transient() (apiclient.Outcome, error) {
	return apiclient.OutcomeTransient, context.DeadlineExceeded
}
func fatalOut() (apiclient.Outcome, error)   { return apiclient.OutcomeFatal, nil }
func successOut() (apiclient.Outcome, error) { return apiclient.OutcomeSuccess, nil }

func newFailedSolution(challengeID string, nonce uint64) solution.FailedSolution {
	return solution.FailedSolution{
		Solution: solution.Solution{
			ChallengeID:   challengeID,
			Nonce:         nonce,
			WalletAddress: "0xabc",
			Timestamp:     time.Now(),
		},
	}
}

func TestDrainOneSuccessEmptiesQueue(t *testing.T) {
	sub := &fakeSubmitter{outcomes: []func() (apiclient.Outcome, error){successOut}}
	m := New(filepath.Join(t.TempDir(), "failed.json"), sub)
	m.Enqueue(newFailedSolution("c1", 1))

	require.True(t, m.DrainOne(context.Background()))
	require.Equal(t, 0, m.QueueLen())
}

func TestDrainOneTransientReappendsUntilMaxAttempts(t *testing.T) {
	sub := &fakeSubmitter{outcomes: []func() (apiclient.Outcome, error){transient, transient, transient, transient, transient}}
	m := New(filepath.Join(t.TempDir(), "failed.json"), sub)
	m.Enqueue(newFailedSolution("c1", 1))

	for i := 0; i < maxAttempts; i++ {
		require.True(t, m.DrainOne(context.Background()))
	}
	// After 5 transient attempts the item is persisted, not requeued.
	require.Equal(t, 0, m.QueueLen())
}

func TestDrainOneFatalDropsItem(t *testing.T) {
	sub := &fakeSubmitter{outcomes: []func() (apiclient.Outcome, error){fatalOut}}
	m := New(filepath.Join(t.TempDir(), "failed.json"), sub)
	m.Enqueue(newFailedSolution("c1", 1))

	require.True(t, m.DrainOne(context.Background()))
	require.Equal(t, 0, m.QueueLen())
}

func TestDrainOneOnEmptyQueueReturnsFalse(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "failed.json"), &fakeSubmitter{})
	require.False(t, m.DrainOne(context.Background()))
}

func TestDispatchedOnlyReloadsOnHundredthCall(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "failed.json"), &fakeSubmitter{})
	m.Dispatched(context.Background(), 1) // no-op, file doesn't exist
	m.Dispatched(context.Background(), 100)
	require.Equal(t, 0, m.QueueLen())
}

func TestMergeByKeyDedupesAndPrefersIncoming(t *testing.T) {
	existing := []solution.FailedSolution{newFailedSolution("c1", 1)}
	incoming := []solution.FailedSolution{newFailedSolution("c1", 1), newFailedSolution("c2", 2)}
	incoming[0].RetryCount = 3

	merged := mergeByKey(existing, incoming)
	require.Len(t, merged, 2)
	require.Equal(t, 3, merged[0].RetryCount)
}
