package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/commbench-go/comm"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/internal/planfile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, args []string) error {
	cfg, exit, err := parseArgs(args, out)
	if err != nil || exit {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	defer func() { _ = logger.Sync() }()

	plan, err := planfile.Load(cfg.PlanPath)
	if err != nil {
		return err
	}
	if cfg.Ranks > 0 && cfg.Mode == modeLocal {
		plan.Ranks = cfg.Ranks
		if err := plan.Validate(); err != nil {
			return err
		}
	}

	base := comm.Config{
		Logger:           logger.Sugar(),
		StructuredLogger: logger.Sugar(),
		Tracer:           comm.NewOTelTracer(comm.OTelTracerOptions{Context: ctx}),
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := comm.NewPrometheusMetrics(comm.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			return err
		}
		base.Metrics = metrics
		shutdown, err := serveMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	b := &bench{plan: plan, base: base, out: out, logger: logger, report: cfg.Report}
	switch cfg.Mode {
	case modeEnv:
		g, err := group.FromEnv(ctx)
		if err != nil {
			return err
		}
		defer g.Close()
		return b.runRank(ctx, g)
	default:
		world, err := group.NewLocalWorld(plan.Ranks, group.WithPrintRank(plan.PrintRank))
		if err != nil {
			return err
		}
		defer world.Close()
		logger.Info("starting local world", zap.Int("ranks", plan.Ranks), zap.String("group", world.Context(0).Name()))
		return world.Run(ctx, b.runRank)
	}
}

type bench struct {
	plan   *planfile.Plan
	base   comm.Config
	out    io.Writer
	outMu  sync.Mutex
	logger *zap.Logger
	report bool
}

// runRank executes the plan on one rank. Every rank runs the same sequence.
func (b *bench) runRank(ctx context.Context, g *group.Context) error {
	inst, err := b.plan.Instantiate(g, b.base)
	if err != nil {
		return err
	}
	defer inst.Close()

	log := b.logger.With(zap.Int("rank", g.Rank()))
	for i, c := range inst.Comms {
		name := b.plan.Comms[i].Name
		if b.report {
			if err := b.write(g, func(w io.Writer) error { return c.Report(ctx, w) }); err != nil {
				return fmt.Errorf("report %s: %w", name, err)
			}
		}
		start := time.Now()
		res, err := inst.Measure(ctx, i)
		if err != nil {
			return fmt.Errorf("measure %s: %w", name, err)
		}
		log.Debug("measured", zap.String("comm", name), zap.Duration("wall", time.Since(start)), zap.Duration("median", res.Median))
		if err := b.write(g, func(w io.Writer) error { return c.PrintResult(w, res) }); err != nil {
			return err
		}
	}
	return nil
}

// write serializes output from the print rank. Other ranks still run fn,
// since Report compiles the plan collectively.
func (b *bench) write(g *group.Context, fn func(io.Writer) error) error {
	if !g.IsPrintRank() {
		return fn(io.Discard)
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if err := fn(b.out); err != nil {
		return err
	}
	_, err := fmt.Fprintln(b.out)
	return err
}

func newLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
