// Package worker defines the abstract contract between the Miner Manager
// and the GPU/CPU compute engines, plus the wire shapes of
// MineRequest/MineResponse. The CUDA kernel and hash
// primitive are out of scope: GPUEngine here is a stand-in
// that satisfies the same interface a real CUDA-backed engine would.
package worker

import "time"

// Kind distinguishes a worker's compute engine, used to pick a wallet pool
// id.
type Kind string

const (
	KindCPU Kind = "cpu"
	KindGPU Kind = "gpu"
)

// RequestType is MineRequest.Type.
type RequestType string

const (
	RequestMine     RequestType = "mine"
	RequestShutdown RequestType = "shutdown"
)

// MineRequest is pushed to a worker's input channel.
type MineRequest struct {
	ID         uint64
	Type       RequestType
	ROMKey     string
	SaltPrefix []byte
	Difficulty [32]byte // full 256-bit target, right-padded
	StartNonce uint64
}

// MineResponse correlates with MineRequest.ID via RequestID.
// Workers must respond exactly once per request.
type MineResponse struct {
	RequestID uint64
	Found     bool
	Nonce     uint64
	Hash      string
	Hashes    uint64
	Duration  time.Duration
	Error     string
}

// Engine is the Worker Interface: an input channel of
// MineRequest, an output channel of MineResponse, a Ready signal raised
// after one-time initialization (ROM build, kernel compile), and a
// Shutdown method. Implementations run their compute loop in a goroutine
// started by Start.
type Engine interface {
	Kind() Kind
	ID() int // device id for GPU, worker index for CPU
	Requests() chan<- MineRequest
	Responses() <-chan MineResponse
	Ready() <-chan struct{}
	Start()
	Shutdown()
}
