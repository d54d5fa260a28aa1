package miner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/challenge"
	"github.com/BerithFoundation/berith-miner/config"
	"github.com/BerithFoundation/berith-miner/dashboard"
	"github.com/BerithFoundation/berith-miner/dispatch"
	"github.com/BerithFoundation/berith-miner/response"
	"github.com/BerithFoundation/berith-miner/retry"
	"github.com/BerithFoundation/berith-miner/wallet"
	"github.com/BerithFoundation/berith-miner/worker"
)

type nopSink struct{}

func (nopSink) RecordSolved(dashboard.SolvedEntry) {}
func (nopSink) Render(dashboard.Snapshot)          {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// fakeCoordinator serves the coordinator surface the happy path touches:
// one fixed challenge, accept-all registration and solutions.
func fakeCoordinator(t *testing.T, onSolution func(path string)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"challenge": map[string]string{
				"challenge_id": "abc12345",
				"difficulty":   strings.Repeat("f", 64),
				"rom_key":      "rom1",
				"no_pre_mine":  "R1",
			},
		})
	})
	mux.HandleFunc("/register/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/solution/", func(w http.ResponseWriter, r *http.Request) {
		onSolution(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestManagerMinesSubmitsAndRecordsSolution(t *testing.T) {
	var mu sync.Mutex
	var submitted []string
	srv := fakeCoordinator(t, func(path string) {
		mu.Lock()
		submitted = append(submitted, path)
		mu.Unlock()
	})
	defer srv.Close()

	dir := t.TempDir()
	client := apiclient.New(srv.URL)
	cache, err := challenge.Open(filepath.Join(dir, "challenges.json"))
	require.NoError(t, err)

	pools := NewPoolRegistry()
	cpuPool, err := wallet.Open(dir, "cpu", "wallets_cpu.json", client, wallet.StandInKeyGen{})
	require.NoError(t, err)
	pools.Register(cpuPool)

	coordinator := dispatch.New(pools, 4)
	processor := response.New(client)
	retryMgr := retry.New(filepath.Join(dir, "failed_solutions.json"), client)
	processor.SetRetryManager(retryMgr)

	cfg := config.Default()
	cfg.DataDir = dir
	// The dispatch loop waits one poll interval whenever the cache is
	// empty, which it usually is on its first pass; a 1s interval keeps
	// that wait well inside the 10s deadline below.
	cfg.Miner.PollInterval = 1

	engines := []worker.Engine{worker.NewCPUEngine(0)}
	mgr := New(cfg, client, cache, coordinator, processor, retryMgr, pools, nopSink{}, engines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	waitFor(t, 10*time.Second, func() bool { return processor.Counters().UserSolutions >= 1 })
	mgr.Stop()

	solved := false
	for _, w := range cpuPool.Snapshot() {
		if w.HasSolved("abc12345") {
			solved = true
		}
	}
	require.True(t, solved)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, submitted)
	require.Contains(t, submitted[0], "/solution/")
	require.Contains(t, submitted[0], "/abc12345/")
}

type neverReadyEngine struct {
	reqCh   chan worker.MineRequest
	respCh  chan worker.MineResponse
	readyCh chan struct{}
}

func newNeverReadyEngine() *neverReadyEngine {
	return &neverReadyEngine{
		reqCh:   make(chan worker.MineRequest, 1),
		respCh:  make(chan worker.MineResponse, 1),
		readyCh: make(chan struct{}),
	}
}

func (e *neverReadyEngine) Kind() worker.Kind                     { return worker.KindGPU }
func (e *neverReadyEngine) ID() int                               { return 0 }
func (e *neverReadyEngine) Requests() chan<- worker.MineRequest   { return e.reqCh }
func (e *neverReadyEngine) Responses() <-chan worker.MineResponse { return e.respCh }
func (e *neverReadyEngine) Ready() <-chan struct{}                { return e.readyCh }
func (e *neverReadyEngine) Start()                                {}
func (e *neverReadyEngine) Shutdown()                             {}

func TestAwaitReadyTimesOutOnWedgedEngine(t *testing.T) {
	mgr := &Manager{
		slots: []*engineSlot{{engine: newNeverReadyEngine(), kind: worker.KindGPU}},
		stop:  make(chan struct{}),
	}
	require.True(t, mgr.awaitReady(50*time.Millisecond))
	require.False(t, isReady(mgr.slots[0]))
}

func TestShouldRouteDevFeeCadence(t *testing.T) {
	hits := 0
	for reqID := uint64(1); reqID <= 100; reqID++ {
		if shouldRouteDevFee(reqID) {
			hits++
		}
	}
	require.Equal(t, 5, hits)
}
