package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_config"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config, c",
		Usage: "YAML config file; defaults are used when omitted",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "data-dir, d",
		Usage: "overrides data_dir",
	}
	backendFlag = cli.StringFlag{
		Name:  "backend, b",
		Usage: "overrides backend (leveldb, bolt, rocksdb when built with -tags rocksdb)",
	}
	metricsFlag = cli.BoolFlag{
		Name:  "metrics",
		Usage: "print collected metrics on exit",
	}
	versionFlag = cli.Int64Flag{
		Name:  "version, v",
		Usage: "version to read; the tip when negative",
		Value: -1,
	}
	globalFlags = []cli.Flag{configFlag, dataDirFlag, backendFlag, metricsFlag}
)

type env struct {
	cfg      state_config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	api      *state.API
	out      io.Writer
}

func openEnv(ctx *cli.Context) (*env, error) {
	cfg := state_config.Default()
	if path := ctx.GlobalString("config"); path != "" {
		var err error
		if cfg, err = state_config.Load(path); err != nil {
			return nil, err
		}
	}
	if dir := ctx.GlobalString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if b := ctx.GlobalString("backend"); b != "" {
		cfg.Backend = b
	}
	// one-shot commands prune only when asked to
	cfg.Pruning.Enabled = false
	log, err := cfg.Log.Build()
	if err != nil {
		return nil, err
	}
	self := &env{cfg: cfg, log: log, out: ctx.App.Writer}
	var registerer prometheus.Registerer
	if cfg.Metrics.Enabled {
		self.registry = prometheus.NewRegistry()
		registerer = self.registry
	}
	if self.api, err = state.Open(cfg, log, registerer); err != nil {
		log.Sync()
		return nil, err
	}
	return self, nil
}

func (self *env) close(ctx *cli.Context) {
	if ctx.GlobalBool("metrics") && self.registry != nil {
		self.printMetrics()
	}
	if err := self.api.Close(); err != nil {
		self.log.Error("close", zap.Error(err))
	}
	self.log.Sync()
}

func (self *env) printMetrics() {
	families, err := self.registry.Gather()
	if err != nil {
		self.log.Warn("gather metrics", zap.Error(err))
		return
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				fmt.Fprintf(self.out, "%s %g\n", mf.GetName(), m.GetCounter().GetValue())
			case m.Gauge != nil:
				fmt.Fprintf(self.out, "%s %g\n", mf.GetName(), m.GetGauge().GetValue())
			case m.Histogram != nil:
				fmt.Fprintf(self.out, "%s_count %d\n", mf.GetName(), m.GetHistogram().GetSampleCount())
			}
		}
	}
}

func (self *env) tip() (uint64, error) {
	tip, ok := self.api.Store().Tip()
	if !ok {
		return 0, cli.NewExitError("store has no genesis; run statectl genesis first", 1)
	}
	return tip, nil
}

// version resolves the version flag against the tip.
func (self *env) version(ctx *cli.Context) (uint64, error) {
	tip, err := self.tip()
	if err != nil {
		return 0, err
	}
	if v := ctx.Int64("version"); v >= 0 {
		return uint64(v), nil
	}
	return tip, nil
}

// action opens the store around f.
func action(f func(*cli.Context, *env) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close(ctx)
		return f(ctx, e)
	}
}
