package worker

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// maxAttemptsPerRequest bounds how much of the nonce space a single
// CPUEngine request search explores before giving up and reporting
// not-found. A real CPU mining loop would run until interrupted; this
// keeps the reference engine's per-request latency bounded and
// deterministic for tests.
const maxAttemptsPerRequest = 1 << 16

// CPUEngine is the in-scope reference compute engine: it actually searches
// the nonce space, using sha256 as the stand-in one-way function (the real
// hash primitive is opaque). It compares the full 256-bit
// target.
type CPUEngine struct {
	id       int
	reqCh    chan MineRequest
	respCh   chan MineResponse
	readyCh  chan struct{}
	shutdown chan struct{}
}

func NewCPUEngine(id int) *CPUEngine {
	return &CPUEngine{
		id:       id,
		reqCh:    make(chan MineRequest, 1),
		respCh:   make(chan MineResponse, 1),
		readyCh:  make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

func (e *CPUEngine) Kind() Kind                      { return KindCPU }
func (e *CPUEngine) ID() int                         { return e.id }
func (e *CPUEngine) Requests() chan<- MineRequest    { return e.reqCh }
func (e *CPUEngine) Responses() <-chan MineResponse  { return e.respCh }
func (e *CPUEngine) Ready() <-chan struct{}          { return e.readyCh }

// Start begins the engine's run loop. CPU engines need no ROM build, so
// Ready fires immediately.
func (e *CPUEngine) Start() {
	close(e.readyCh)
	go e.loop()
}

func (e *CPUEngine) Shutdown() {
	close(e.shutdown)
}

func (e *CPUEngine) loop() {
	for {
		select {
		case req := <-e.reqCh:
			if req.Type == RequestShutdown {
				return
			}
			e.respCh <- e.search(req)
		case <-e.shutdown:
			return
		}
	}
}

func (e *CPUEngine) search(req MineRequest) MineResponse {
	start := time.Now()
	var hashes uint64
	nonceBuf := make([]byte, 8)
	for i := uint64(0); i < maxAttemptsPerRequest; i++ {
		select {
		case <-e.shutdown:
			return MineResponse{RequestID: req.ID, Hashes: hashes, Duration: time.Since(start)}
		default:
		}
		nonce := req.StartNonce + i
		binary.BigEndian.PutUint64(nonceBuf, nonce)
		sum := sha256.Sum256(append(append([]byte{}, req.SaltPrefix...), nonceBuf...))
		hashes++
		if bytes.Compare(sum[:], req.Difficulty[:]) <= 0 {
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

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}
