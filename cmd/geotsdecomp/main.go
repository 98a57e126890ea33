package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/metrics"
	"geotsdecomp/pkg/config"
	"geotsdecomp/pkg/group"
	"geotsdecomp/pkg/pipeline"
	"geotsdecomp/pkg/stack"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "geotsdecomp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command line arguments
	configPath := pflag.StringP("config", "c", "geotsdecomp.yaml", "YAML configuration file")
	input := pflag.StringP("input", "i", "", "Stack to decompose")
	outputDir := pflag.StringP("output-dir", "o", "", "Directory receiving one stack per category")
	rank := pflag.Int("rank", 0, "Rank of this process in the group")
	size := pflag.Int("size", 0, "Number of processes in the group")
	coordinator := pflag.String("coordinator", "", "host:port the coordinator listens on")
	local := pflag.Int("local", 0, "Run that many ranks inside this process")
	chunkSize := pflag.Int("chunk-size", 0, "Edge length of the spatial tiles")
	insar := pflag.Bool("insar", false, "Write predictions in the interferogram domain")
	metricsAddr := pflag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	writeConfig := pflag.Bool("write-config", false, "Write the default configuration to --config and exit")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return nil
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// Flags override the configuration file
	flags := pflag.CommandLine
	if flags.Changed("input") {
		cfg.Stack.Input = *input
	}
	if flags.Changed("output-dir") {
		cfg.Stack.OutputDir = *outputDir
	}
	if flags.Changed("rank") {
		cfg.Group.Rank = *rank
	}
	if flags.Changed("size") {
		cfg.Group.Size = *size
	}
	if flags.Changed("coordinator") {
		cfg.Group.Coordinator = *coordinator
	}
	if flags.Changed("chunk-size") {
		cfg.Processing.ChunkSize = *chunkSize
	}
	if flags.Changed("insar") {
		cfg.Model.Insar = *insar
	}
	if flags.Changed("metrics-addr") {
		cfg.Output.MetricsAddr = *metricsAddr
	}
	if flags.Changed("verbose") {
		cfg.Output.Verbose = *verbose
	}
	if *local > 0 {
		cfg.Group.Size, cfg.Group.Rank = *local, 0
	}

	if cfg.Stack.Input == "" {
		pflag.Usage()
		return errors.New("no input stack")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Output.Verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Output.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.Output.MetricsAddr, reg, log)
		defer shutdown()
	}

	if *local > 0 {
		eg, ctx := errgroup.WithContext(ctx)
		for _, g := range group.NewLocal(*local) {
			g := g
			eg.Go(func() error {
				defer g.Close()
				return decompose(ctx, g, cfg, m, log)
			})
		}
		return eg.Wait()
	}

	var g group.Group
	if cfg.Group.Size == 1 {
		g = group.NewLocal(1)[0]
	} else {
		g, err = group.Connect(ctx, cfg.Group.Coordinator, cfg.Group.Rank, cfg.Group.Size, group.WithLogger(log))
		if err != nil {
			return fmt.Errorf("joining group: %w", err)
		}
	}
	defer g.Close()
	return decompose(ctx, g, cfg, m, log)
}

// decompose runs the whole decomposition on one rank.
func decompose(ctx context.Context, g group.Group, cfg *config.Config, m *metrics.Metrics, log logr.Logger) error {
	log = logging.ForRank(log, g.Rank(), g.Size())
	storeOpts := []stack.Option{stack.WithLogger(log), stack.WithMetrics(m)}

	in := stack.New(g, storeOpts...)
	defer in.Close()
	if err := in.LoadFromFile(ctx, cfg.Stack.Input); err != nil {
		return fmt.Errorf("loading %s: %w", cfg.Stack.Input, err)
	}

	cats, err := cfg.Categories()
	if err != nil {
		return err
	}
	params := pipeline.Params{
		ChunkSize:  cfg.Processing.ChunkSize,
		Workers:    cfg.Processing.Workers,
		Insar:      cfg.Model.Insar,
		Penalty:    cfg.Model.Penalty,
		Categories: cats,
	}

	mdl, err := pipeline.NewModel(in.Metadata(), cfg.Model.Functions, cfg.Model.ModulatingSplines, g.Rank(), log)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}
	outputs, err := pipeline.Outputs(ctx, g, mdl, in, cfg.Stack.OutputDir, params, storeOpts...)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range outputs {
			s.Close()
		}
	}()

	opts := []pipeline.Option{pipeline.WithLogger(log), pipeline.WithMetrics(m)}
	if group.IsCoordinator(g) {
		opts = append(opts, pipeline.WithProgress(progressBar()))
	}
	p, err := pipeline.New(g, mdl, in, outputs, params, opts...)
	if err != nil {
		return err
	}

	startTime := time.Now()
	vm, err := p.Run(ctx)
	if err != nil {
		return err
	}
	if group.IsCoordinator(g) {
		fmt.Printf("\nDecomposition completed in %.2f seconds\n", time.Since(startTime).Seconds())
		fmt.Printf("Outputs written to: %s\n\n", cfg.Stack.OutputDir)
		fmt.Printf("Validation Metrics:\n")
		fmt.Printf("===================\n")
		fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", vm.RMSE)
		fmt.Printf("Variance Reduction: %.4f\n", vm.VarianceReduction)
		fmt.Printf("Correlation: %.4f\n", vm.Correlation)
		fmt.Printf("Pixels solved: %d (%d failed)\n", vm.PixelsSolved, vm.PixelsFailed)
	}
	return nil
}

func progressBar() pipeline.ProgressCallback {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("decomposing"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log logr.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server stopped", "addr", addr)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
