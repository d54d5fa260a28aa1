package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// easyDifficulty returns a target where every hash prefix byte is 0xff,
// making a "found" essentially certain within a handful of attempts.
func easyDifficulty() [32]byte {
	var d [32]byte
	for i := range d {
		d[i] = 0xff
	}
	return d
}

func TestCPUEngineFindsNonce(t *testing.T) {
	e := NewCPUEngine(0)
	e.Start()
	defer e.Shutdown()

	select {
	case <-e.Ready():
	case <-time.After(time.Second):
		t.Fatal("engine never became ready")
	}

	e.Requests() <- MineRequest{
		ID:         1,
		Type:       RequestMine,
		SaltPrefix: []byte("walletaddr" + "challengeid"),
		Difficulty: easyDifficulty(),
		StartNonce: 0,
	}

	select {
	case resp := <-e.Responses():
		require.Equal(t, uint64(1), resp.RequestID)
		require.True(t, resp.Found)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestGPUEngineRespondsAfterReady(t *testing.T) {
	e := NewGPUEngine(0)
	e.Start()
	defer e.Shutdown()

	select {
	case <-e.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("engine never became ready")
	}

	e.Requests() <- MineRequest{
		ID:         7,
		Type:       RequestMine,
		ROMKey:     "rom-a",
		SaltPrefix: []byte("salt"),
		Difficulty: easyDifficulty(),
		StartNonce: 0,
	}

	select {
	case resp := <-e.Responses():
		require.Equal(t, uint64(7), resp.RequestID)
		require.True(t, resp.Found)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestEngineRespondsExactlyOncePerRequest(t *testing.T) {
	e := NewCPUEngine(0)
	e.Start()
	defer e.Shutdown()
	<-e.Ready()

	// An impossible target: search exhausts its attempt budget and still
	// must answer with found=false exactly once.
	var hard [32]byte // all-zero target, essentially unreachable within the bound
	e.Requests() <- MineRequest{ID: 1, Type: RequestMine, Difficulty: hard}

	select {
	case resp := <-e.Responses():
		require.False(t, resp.Found)
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}
