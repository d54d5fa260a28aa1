// Command berith-miner is the CLI entrypoint: it loads configuration,
// wires every subsystem together, and runs the Miner Manager until an
// interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/BerithFoundation/berith-miner/apiclient"
	"github.com/BerithFoundation/berith-miner/challenge"
	"github.com/BerithFoundation/berith-miner/config"
	"github.com/BerithFoundation/berith-miner/dashboard"
	"github.com/BerithFoundation/berith-miner/dispatch"
	"github.com/BerithFoundation/berith-miner/log"
	"github.com/BerithFoundation/berith-miner/miner"
	"github.com/BerithFoundation/berith-miner/response"
	"github.com/BerithFoundation/berith-miner/retry"
	"github.com/BerithFoundation/berith-miner/wallet"
	"github.com/BerithFoundation/berith-miner/worker"
)

var (
	cpuFlag = cli.BoolFlag{
		Name:  "cpu",
		Usage: "enable CPU mining",
	}
	workersFlag = cli.IntFlag{
		Name:  "workers",
		Usage: "number of CPU worker threads",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to the YAML configuration file",
	}
	gpuFlag = cli.StringFlag{
		Name:  "gpu",
		Usage: "comma-separated GPU device ids to mine on",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "data-dir",
		Usage: "directory for wallet pools and challenge/retry state",
	}
	apiURLFlag = cli.StringFlag{
		Name:  "api-url",
		Usage: "coordinator base URL",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "berith-miner"
	app.Usage = "CPU/GPU mining client for the Berith coordinator protocol"
	app.Flags = []cli.Flag{cpuFlag, workersFlag, configFlag, gpuFlag, dataDirFlag, apiURLFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyFlags(cfg,
		ctx.Bool(cpuFlag.Name), ctx.IsSet(cpuFlag.Name),
		ctx.Int(workersFlag.Name),
		ctx.String(dataDirFlag.Name),
		ctx.String(apiURLFlag.Name),
	)
	gpuIDs, err := parseGPUIDs(ctx.String(gpuFlag.Name))
	if err != nil {
		return err
	}
	log.Info("starting berith-miner", "config", cfg.String())

	client := apiclient.New(cfg.Miner.APIURL)

	cache, err := challenge.Open(cfg.DataDir + "/challenges.json")
	if err != nil {
		return fmt.Errorf("open challenge cache: %w", err)
	}

	pools := miner.NewPoolRegistry()
	keygen := wallet.StandInKeyGen{}

	engines := make([]worker.Engine, 0, len(gpuIDs)+1)
	openedPools := make([]*wallet.Pool, 0, len(gpuIDs)+1)
	var mgr *miner.Manager

	if cfg.CPU.Enabled {
		cpuPool, err := wallet.Open(cfg.DataDir, "cpu", "wallets_cpu.json", client, keygen)
		if err != nil {
			return fmt.Errorf("open cpu wallet pool: %w", err)
		}
		pools.Register(cpuPool)
		openedPools = append(openedPools, cpuPool)
		for i := 0; i < cfg.CPU.Workers; i++ {
			e := worker.NewCPUEngine(i)
			engines = append(engines, e)
		}
	}

	for _, id := range gpuIDs {
		gpuPool, err := wallet.Open(cfg.DataDir, strconv.Itoa(id), fmt.Sprintf("wallets_gpu%d.json", id), client, keygen)
		if err != nil {
			return fmt.Errorf("open gpu %d wallet pool: %w", id, err)
		}
		pools.Register(gpuPool)
		openedPools = append(openedPools, gpuPool)
		engines = append(engines, worker.NewGPUEngine(id))
	}

	if len(engines) == 0 {
		return fmt.Errorf("no workers enabled: pass --cpu or --gpu")
	}

	coordinator := dispatch.New(pools, cfg.Wallet.WalletsPerGPU)
	processor := response.New(client)
	retryMgr := retry.New(cfg.DataDir+"/failed_solutions.json", client)
	processor.SetRetryManager(retryMgr)

	dash, err := dashboard.New()
	if err != nil {
		return fmt.Errorf("init dashboard: %w", err)
	}
	defer dash.Close()

	mgr = miner.New(cfg, client, cache, coordinator, processor, retryMgr, pools, dash, engines)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Wallet.ConsolidateAddress != "" {
		for _, p := range openedPools {
			p.StartConsolidation(runCtx, cfg.Wallet.ConsolidateAddress, cfg.Wallet.DevFeeAddress)
		}
	} else {
		log.Warn("wallet.consolidate_address not set, consolidation disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
		mgr.Stop()
		for _, p := range openedPools {
			p.StopConsolidation()
		}
	}()

	mgr.Run(runCtx)
	return nil
}

func parseGPUIDs(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid --gpu device id %q: %w", p, err)
		}
		ids = append(ids, n)
	}
	return ids, nil
}
