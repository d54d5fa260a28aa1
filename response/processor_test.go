package response

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/wallet"
	"github.com/BerithFoundation/berith-miner/worker"
)

type fakeRegistrar struct{}

func (fakeRegistrar) Register(ctx context.Context, address, signature, pubkey string) error {
	return nil
}
func (fakeRegistrar) DonateTo(ctx context.Context, dest, original, signatureHex string) error {
	return nil
}

type scriptedSubmitter struct {
	outcome apiclient.Outcome
	err     error
}

func (s scriptedSubmitter) SubmitSolution(ctx context.Context, address, challengeID, nonceHex string) (apiclient.Outcome, error) {
	return s.outcome, s.err
}

func newTestPool(t *testing.T) *wallet.Pool {
	t.Helper()
	p, err := wallet.Open(t.TempDir(), "cpu", "wallets.json", fakeRegistrar{}, wallet.StandInKeyGen{})
	require.NoError(t, err)
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHandleErrorReleasesWalletUnsolved(t *testing.T) {
	pool := newTestPool(t)
	w := pool.Create(context.Background(), false)
	pool.Allocate("c1", false)

	p := New(scriptedSubmitter{outcome: apiclient.OutcomeSuccess})
	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c1", WorkerKind: worker.KindCPU, NumWorkersOfKind: 1}, worker.MineResponse{Error: "boom"})

	snap := pool.Get(w.Address)
	require.False(t, snap.InUse)
	require.False(t, snap.HasSolved("c1"))
}

func TestHandleNotFoundReleasesUnlessKeepWalletOnFail(t *testing.T) {
	pool := newTestPool(t)
	w := pool.Create(context.Background(), false)
	pool.Allocate("c1", false)

	p := New(scriptedSubmitter{outcome: apiclient.OutcomeSuccess})
	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c1", WorkerKind: worker.KindCPU, NumWorkersOfKind: 1, KeepWalletOnFail: true}, worker.MineResponse{Found: false})
	require.True(t, pool.Get(w.Address).InUse)

	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c1", WorkerKind: worker.KindCPU, NumWorkersOfKind: 1}, worker.MineResponse{Found: false})
	require.False(t, pool.Get(w.Address).InUse)
}

func TestHandleFoundAcceptedMarksWalletSolvedAndCountsSession(t *testing.T) {
	pool := newTestPool(t)
	w := pool.Create(context.Background(), false)
	pool.Allocate("c1", false)

	p := New(scriptedSubmitter{outcome: apiclient.OutcomeSuccess})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Queue().Start(ctx)
	defer p.Queue().Stop()

	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c1", WorkerKind: worker.KindCPU, NumWorkersOfKind: 1}, worker.MineResponse{Found: true, Nonce: 42})

	waitFor(t, func() bool { return p.Counters().UserSolutions == 1 })
	snap := pool.Get(w.Address)
	require.False(t, snap.InUse)
	require.True(t, snap.HasSolved("c1"))
	require.Equal(t, 1, p.WalletSolutionCount(w.Address))
}

func TestHandleFoundRejectedStillMarksSolved(t *testing.T) {
	pool := newTestPool(t)
	w := pool.Create(context.Background(), false)
	pool.Allocate("c1", false)

	p := New(scriptedSubmitter{outcome: apiclient.OutcomeFatal})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Queue().Start(ctx)
	defer p.Queue().Stop()

	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c1", WorkerKind: worker.KindCPU, NumWorkersOfKind: 1}, worker.MineResponse{Found: true, Nonce: 1})

	waitFor(t, func() bool { return pool.Get(w.Address).HasSolved("c1") })
	require.False(t, pool.Get(w.Address).InUse)
	require.Equal(t, 0, p.Counters().UserSolutions)
}

func TestHashrateEMAUpdatesFromResponses(t *testing.T) {
	pool := newTestPool(t)
	w := pool.Create(context.Background(), false)
	pool.Allocate("c1", false)

	p := New(scriptedSubmitter{outcome: apiclient.OutcomeSuccess})
	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c1", WorkerKind: worker.KindCPU, NumWorkersOfKind: 2}, worker.MineResponse{Hashes: 1000, Duration: time.Second})
	first := p.Hashrate(worker.KindCPU)
	require.Equal(t, float64(2000), first)

	pool.Allocate("c2", false)
	p.Handle(Params{Pool: pool, Wallet: w, ChallengeID: "c2", WorkerKind: worker.KindCPU, NumWorkersOfKind: 2}, worker.MineResponse{Hashes: 500, Duration: time.Second})
	second := p.Hashrate(worker.KindCPU)
	require.InDelta(t, 0.9*2000+0.1*1000, second, 0.001)
}
