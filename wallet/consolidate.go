package wallet

import (
	"context"
	"time"
)

// consolidateRateLimit is the minimum spacing between coordinator calls
// during a consolidation pass.
const consolidateRateLimit = 1 * time.Second

// StartConsolidation spawns (or, on a second call, is a no-op attaching to
// the existing) background task that walks the pool consolidating
// unconsolidated wallets, rate-limited at >=1s between coordinator calls.
// Consolidation failure leaves IsConsolidated=false for a later retry;
// address uniqueness is already enforced at load time by dedup, so this
// pass never needs to deduplicate itself.
// devFeeAddress is the consolidation target for dev wallets; when empty,
// dev wallets are skipped rather than consolidated to destAddress.
func (p *Pool) StartConsolidation(ctx context.Context, destAddress, devFeeAddress string) {
	p.mu.Lock()
	if p.stopConsolidation != nil {
		p.mu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	p.stopConsolidation = stop
	p.mu.Unlock()

	go p.consolidationLoop(ctx, destAddress, devFeeAddress, stop)
}

// StopConsolidation signals the background consolidation task to exit at
// its next opportunity between items.
func (p *Pool) StopConsolidation() {
	p.mu.Lock()
	stop := p.stopConsolidation
	p.stopConsolidation = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (p *Pool) consolidationLoop(ctx context.Context, destAddress, devFeeAddress string, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		wallets := p.Snapshot()
		progressed := false
		for _, w := range wallets {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			if w.IsConsolidated {
				continue
			}
			target := destAddress
			if w.IsDevWallet {
				if devFeeAddress == "" {
					continue
				}
				target = devFeeAddress
			}
			p.consolidateOne(ctx, w, target)
			progressed = true

			select {
			case <-time.After(consolidateRateLimit):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if !progressed {
			select {
			case <-time.After(30 * time.Second):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) consolidateOne(ctx context.Context, w *Wallet, destAddress string) {
	sigHex, err := p.keygen.SignConsolidation(w.SigningKey, destAddress)
	if err != nil {
		p.log.Warn("consolidation: signing failed", "address", w.Address, "err", err)
		return
	}
	if err := p.registrar.DonateTo(ctx, destAddress, w.Address, sigHex); err != nil {
		p.log.Warn("consolidation: donate_to failed, will retry later", "address", w.Address, "err", err)
		return
	}
	err = p.withFileLockMutating(func() error {
		cur := p.find(w.Address)
		if cur != nil {
			cur.IsConsolidated = true
		}
		return nil
	})
	if err != nil {
		p.log.Warn("consolidation: failed to persist consolidated flag", "address", w.Address, "err", err)
	}
}
