// Package dashboard renders a 1Hz terminal snapshot of the miner's state.
// The render target is gizak/termui; the widget layout stays minimal
// because the interesting state lives in the Snapshot the Miner Manager
// feeds in, not in the terminal chrome around it.
package dashboard

import (
	"fmt"
	"time"

	ui "github.com/gizak/termui"

	"github.com/BerithFoundation/berith-miner/log"
)

// PoolSummary is one wallet pool's stats line.
type PoolSummary struct {
	PoolID    string
	Total     int
	Available int
	InUse     int
}

// Snapshot is everything the dashboard renders in one 1Hz tick, assembled
// by the Miner Manager from the wallet pools, response processor and
// queues it owns.
type Snapshot struct {
	Uptime             time.Duration
	CPUHashrate        float64
	GPUHashrate        float64
	DevSolutions       int
	UserSolutions      int
	RetryQueueLen      int
	SubmissionQueueLen int
	Pools              []PoolSummary
	Recent             []SolvedEntry
	Warning            string
}

// Dashboard owns the termui screen and the recent-solutions feed.
type Dashboard struct {
	started time.Time
	recent  *recentSolved
	log     log.Logger

	statsPar  *ui.Par
	poolsPar  *ui.Par
	recentLst *ui.List
}

// New initializes the terminal UI. Callers must call Close when done.
func New() (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("dashboard: termui init: %w", err)
	}

	stats := ui.NewPar("")
	stats.Height = 8
	stats.BorderLabel = "Miner"

	pools := ui.NewPar("")
	pools.Height = 8
	pools.BorderLabel = "Wallet Pools"

	recentList := ui.NewList()
	recentList.Height = 12
	recentList.BorderLabel = "Recent Solutions"

	ui.Body.AddRows(
		ui.NewRow(ui.NewCol(6, 0, stats), ui.NewCol(6, 0, pools)),
		ui.NewRow(ui.NewCol(12, 0, recentList)),
	)
	ui.Body.Align()

	return &Dashboard{
		started:   time.Now(),
		recent:    newRecentSolved(),
		log:       log.New("component", "dashboard.Dashboard"),
		statsPar:  stats,
		poolsPar:  pools,
		recentLst: recentList,
	}, nil
}

// Close tears down the terminal UI.
func (d *Dashboard) Close() {
	ui.Close()
}

// RecordSolved feeds a newly solved solution into the recent-solutions
// ring.
func (d *Dashboard) RecordSolved(e SolvedEntry) {
	d.recent.Insert(e)
}

// Render draws one frame from snap; the Miner Manager calls it at 1 Hz.
// Rendering failures are logged, never fatal: losing a frame of terminal
// output doesn't justify tearing down the miner.
func (d *Dashboard) Render(snap Snapshot) {
	snap.Recent = d.recent.Snapshot()

	d.statsPar.Text = fmt.Sprintf(
		"uptime: %s\ncpu hashrate: %.1f H/s\ngpu hashrate: %.1f H/s\nsolutions: %d user / %d dev\nretry queue: %d\nsubmission queue: %d",
		snap.Uptime.Round(time.Second), snap.CPUHashrate, snap.GPUHashrate,
		snap.UserSolutions, snap.DevSolutions, snap.RetryQueueLen, snap.SubmissionQueueLen,
	)
	if snap.Warning != "" {
		d.statsPar.Text += "\n" + snap.Warning
	}

	poolsText := ""
	for _, p := range snap.Pools {
		poolsText += fmt.Sprintf("%-6s total=%-4d avail=%-4d in_use=%-4d\n", p.PoolID, p.Total, p.Available, p.InUse)
	}
	d.poolsPar.Text = poolsText

	items := make([]string, 0, len(snap.Recent))
	for _, e := range snap.Recent {
		tag := "user"
		if e.IsDev {
			tag = "dev"
		}
		items = append(items, fmt.Sprintf("[%s] %s wallet=%s challenge=%s nonce=%d", e.SolvedAt.Format("15:04:05"), tag, e.WalletAddress, e.ChallengeID, e.Nonce))
	}
	d.recentLst.Items = items

	ui.Render(d.statsPar, d.poolsPar, d.recentLst)
}
