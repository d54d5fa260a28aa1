package worker

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// romBuildLatency stands in for the real CUDA kernel's ROM build / kernel
// compile step, which can take hundreds of seconds in production; the
// stand-in uses a small fixed delay so tests don't wait on the real
// ceiling.
const romBuildLatency = 10 * time.Millisecond

// gpuAttemptsPerRequest is larger than the CPU engine's budget, standing in
// for a GPU's much higher hash rate.
const gpuAttemptsPerRequest = 1 << 20

// difficultyPrefixBytes is how much of the 256-bit target a GPU worker
// compares: only the top 32 bits (first 8 hex chars / 4 bytes) for
// performance, leaving full validation to the coordinator.
const difficultyPrefixBytes = 4

// GPUEngine is an explicit stand-in for the real CUDA-backed compute
// engine. It satisfies the same Engine contract a real CUDA-backed
// engine would: one-time ROM build before Ready fires, then a per-request
// search comparing only the difficulty prefix.
type GPUEngine struct {
	deviceID int
	romKeys  map[string]bool // ROM "cache" by key, mirrors the real engine's rebuild-avoidance
	reqCh    chan MineRequest
	respCh   chan MineResponse
	readyCh  chan struct{}
	shutdown chan struct{}
}

func NewGPUEngine(deviceID int) *GPUEngine {
	return &GPUEngine{
		deviceID: deviceID,
		romKeys:  make(map[string]bool),
		reqCh:    make(chan MineRequest, 1),
		respCh:   make(chan MineResponse, 1),
		readyCh:  make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

func (e *GPUEngine) Kind() Kind                     { return KindGPU }
func (e *GPUEngine) ID() int                        { return e.deviceID }
func (e *GPUEngine) Requests() chan<- MineRequest   { return e.reqCh }
func (e *GPUEngine) Responses() <-chan MineResponse { return e.respCh }
func (e *GPUEngine) Ready() <-chan struct{}         { return e.readyCh }

func (e *GPUEngine) Start() {
	go func() {
		time.Sleep(romBuildLatency) // stand-in for building the initial ROM
		close(e.readyCh)
		e.loop()
	}()
}

func (e *GPUEngine) Shutdown() {
	close(e.shutdown)
}

func (e *GPUEngine) loop() {
	for {
		select {
		case req := <-e.reqCh:
			if req.Type == RequestShutdown {
				return
			}
			if !e.romKeys[req.ROMKey] {
				time.Sleep(romBuildLatency) // rebuild on ROM-key miss
				e.romKeys[req.ROMKey] = true
			}
			e.respCh <- e.search(req)
		case <-e.shutdown:
			return
		}
	}
}

func (e *GPUEngine) search(req MineRequest) MineResponse {
	start := time.Now()
	var hashes uint64
	nonceBuf := make([]byte, 8)
	target := req.Difficulty[:difficultyPrefixBytes]
	for i := uint64(0); i < gpuAttemptsPerRequest; i++ {
		select {
		case <-e.shutdown:
			return MineResponse{RequestID: req.ID, Hashes: hashes, Duration: time.Since(start)}
		default:
		}
		nonce := req.StartNonce + i
		binary.BigEndian.PutUint64(nonceBuf, nonce)
		sum := sha256.Sum256(append(append([]byte{}, req.SaltPrefix...), nonceBuf...))
		hashes++
		if bytes.Compare(sum[:difficultyPrefixBytes], target) <= 0 {
			return MineResponse{
				RequestID: req.ID,
				Found:     true,
				Nonce:     nonce,
				Hash:      hexString(sum[:]),
				Hashes:    hashes,
				Duration:  time.Since(start),
			}
		}
	}
	return MineResponse{RequestID: req.ID, Found: false, Hashes: hashes, Duration: time.Since(start)}
}
