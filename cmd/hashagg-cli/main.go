package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/paveg/hashagg"
	"github.com/paveg/hashagg/internal/config"
	"github.com/paveg/hashagg/internal/io"
	"github.com/paveg/hashagg/internal/monitoring"
	"github.com/paveg/hashagg/internal/version"
)

func customUsage() {
	fmt.Fprintf(os.Stderr, "hashagg join + group-by CLI (version %s)\n\n", version.Version)
	fmt.Fprintf(os.Stderr, "Usage: hashagg-cli [options]\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  --demo\n\t\tJoin synthetic relations\n")
	fmt.Fprintf(os.Stderr, "  --inner FILE --outer FILE\n\t\tJoin relations read from .csv, .parquet, .json or .jsonl files\n")
	fmt.Fprintf(os.Stderr, "  --generate DIR\n\t\tWrite synthetic inner and outer relations to DIR\n")
	fmt.Fprintf(os.Stderr, "  --benchmark\n\t\tTime synthetic joins across thread counts\n")
	fmt.Fprintf(os.Stderr, "  --rows N\n\t\tOuter tuples of synthetic relations (default: 1000000)\n")
	fmt.Fprintf(os.Stderr, "  --groups N\n\t\tDistinct group keys of synthetic relations (default: 10000)\n")
	fmt.Fprintf(os.Stderr, "  --format EXT\n\t\tFile format for --generate: csv, parquet, json or jsonl (default: parquet)\n")
	fmt.Fprintf(os.Stderr, "  --threads N\n\t\tWorker count (default: all logical CPUs)\n")
	fmt.Fprintf(os.Stderr, "  --config FILE\n\t\tLoad configuration from a .json, .yaml or .yml file\n")
	fmt.Fprintf(os.Stderr, "  --ungrouped\n\t\tAverage over all matches instead of over groups\n")
	fmt.Fprintf(os.Stderr, "  --stats\n\t\tPrint join statistics as JSON\n")
	fmt.Fprintf(os.Stderr, "  --metrics-addr ADDR\n\t\tServe /metrics, /health, /joins and /phases on ADDR until interrupted\n")
	fmt.Fprintf(os.Stderr, "  --verbose\n\t\tLog phase transitions\n")
	fmt.Fprintf(os.Stderr, "  -v, --version\n\t\tPrint version information and exit\n")
	fmt.Fprintf(os.Stderr, "  -h, --help\n\t\tShow this help message and exit\n")
}

type options struct {
	demo        bool
	benchmark   bool
	generate    string
	inner       string
	outer       string
	rows        int
	groups      int
	format      string
	threads     int
	configPath  string
	ungrouped   bool
	stats       bool
	metricsAddr string
	verbose     bool
}

func main() {
	var opts options
	versionFlag := flag.Bool("v", false, "Print version and exit")
	flag.BoolVar(versionFlag, "version", false, "Print version and exit") // alias
	flag.BoolVar(&opts.demo, "demo", false, "Join synthetic relations")
	flag.BoolVar(&opts.benchmark, "benchmark", false, "Time synthetic joins across thread counts")
	flag.StringVar(&opts.generate, "generate", "", "Write synthetic relations to this directory")
	flag.StringVar(&opts.inner, "inner", "", "Inner relation file")
	flag.StringVar(&opts.outer, "outer", "", "Outer relation file")
	flag.IntVar(&opts.rows, "rows", 1_000_000, "Outer tuples of synthetic relations")
	flag.IntVar(&opts.groups, "groups", 10_000, "Distinct group keys of synthetic relations")
	flag.StringVar(&opts.format, "format", "parquet", "File format for --generate")
	flag.IntVar(&opts.threads, "threads", 0, "Worker count")
	flag.StringVar(&opts.configPath, "config", "", "Configuration file")
	flag.BoolVar(&opts.ungrouped, "ungrouped", false, "Average over all matches")
	flag.BoolVar(&opts.stats, "stats", false, "Print join statistics as JSON")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Monitoring listen address")
	flag.BoolVar(&opts.verbose, "verbose", false, "Log phase transitions")

	//nolint:reassign // Standard Go pattern for customizing flag usage message
	flag.Usage = customUsage
	flag.Parse()

	if *versionFlag {
		fmt.Print(version.Info().String())
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "hashagg-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}

	// Joins without WithMetrics report to the global collector.
	collector := monitoring.EnableGlobalMonitoring()
	defer monitoring.DisableGlobalMonitoring()
	cfg.MetricsCollection = true
	if opts.metricsAddr != "" {
		shutdown, err := serveMetrics(opts.metricsAddr, collector, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	joinOpts := []hashagg.Option{
		hashagg.WithConfig(cfg),
		hashagg.WithLogger(logger),
	}
	if opts.threads != 0 {
		joinOpts = append(joinOpts, hashagg.WithThreads(opts.threads))
	}

	switch {
	case opts.generate != "":
		err = runGenerate(opts)
	case opts.benchmark:
		err = runBenchmark(ctx, opts, cfg, collector)
	case opts.demo:
		err = runDemo(ctx, opts, joinOpts)
	case opts.inner != "" || opts.outer != "":
		err = runFiles(ctx, opts, joinOpts)
	default:
		flag.Usage()
		return errors.New("no action given")
	}
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		logger.Info("serving metrics until interrupted", "addr", opts.metricsAddr)
		<-ctx.Done()
	}
	return nil
}

func loadConfig(opts options, logger *slog.Logger) (config.Config, error) {
	cfg := config.LoadFromEnv()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(opts.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if opts.verbose {
		cfg.VerboseLogging = true
	}

	validated, warnings, err := config.NewConfigValidator().Validate(cfg)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range warnings {
		logger.Debug("configuration", "warning", w)
	}
	return validated, nil
}

func serveMetrics(addr string, collector *monitoring.MetricsCollector, logger *slog.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := collector.Register(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	server := monitoring.NewMonitoringServer(collector, reg, addr)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitoring server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}, nil
}

func generateOptions(opts options) io.GenerateOptions {
	gen := io.DefaultGenerateOptions()
	gen.OuterTuples = opts.rows
	gen.InnerTuples = max(opts.rows/10, 1)
	gen.Groups = max(opts.groups, 1)
	return gen
}

func runGenerate(opts options) error {
	inner, outer, err := io.GenerateRelations(generateOptions(opts), memory.NewGoAllocator())
	if err != nil {
		return err
	}
	defer inner.Release()
	defer outer.Release()

	if err := os.MkdirAll(opts.generate, 0o755); err != nil {
		return err
	}
	for name, rel := range map[string]*io.Relation{"inner": inner, "outer": outer} {
		path := filepath.Join(opts.generate, name+"."+opts.format)
		if err := io.WriteFile(path, rel); err != nil {
			return err
		}
		fmt.Printf("Wrote %d tuples to %s\n", rel.Len(), path)
	}
	return nil
}

func runDemo(ctx context.Context, opts options, joinOpts []hashagg.Option) error {
	fmt.Println("hashagg join + group-by demo")
	fmt.Println("============================")

	inner, outer, err := io.GenerateRelations(generateOptions(opts), memory.NewGoAllocator())
	if err != nil {
		return err
	}
	defer inner.Release()
	defer outer.Release()
	fmt.Printf("Generated %d inner and %d outer tuples\n", inner.Len(), outer.Len())

	return joinRelations(ctx, opts, inner, outer, joinOpts)
}

func runFiles(ctx context.Context, opts options, joinOpts []hashagg.Option) error {
	if opts.inner == "" || opts.outer == "" {
		return errors.New("--inner and --outer must be given together")
	}
	mem := memory.NewGoAllocator()

	inner, err := io.ReadFile(opts.inner, mem)
	if err != nil {
		return err
	}
	defer inner.Release()

	outer, err := io.ReadFile(opts.outer, mem)
	if err != nil {
		return err
	}
	defer outer.Release()

	return joinRelations(ctx, opts, inner, outer, joinOpts)
}

func joinRelations(ctx context.Context, opts options, innerRel, outerRel *io.Relation, joinOpts []hashagg.Option) error {
	inner, err := toInner(innerRel)
	if err != nil {
		return err
	}
	outer, err := toOuter(outerRel, opts.ungrouped)
	if err != nil {
		return err
	}

	var stats hashagg.Stats
	if opts.ungrouped {
		stats, err = hashagg.RunJoinSumStats(ctx, inner, outer, joinOpts...)
	} else {
		stats, err = hashagg.RunJoinAggregateStats(ctx, inner, outer, joinOpts...)
	}
	if err != nil {
		return err
	}

	if opts.stats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Result: %d\n", stats.Result)
	fmt.Printf("Matched tuples: %d\n", stats.Matched)
	if !opts.ungrouped {
		fmt.Printf("Groups: %d (estimated %d, %d aggregation buckets)\n",
			stats.Groups, stats.Estimate, stats.AggregationBuckets)
	}
	fmt.Printf("Threads: %d, elapsed: %s\n", stats.Threads, stats.Elapsed)
	for _, p := range stats.Phases {
		fmt.Printf("  %-8s %s\n", p.Phase, p.Duration)
	}

	summary := monitoring.GetGlobalSummary()
	fmt.Printf("Joins recorded: %d, peak shared memory: %d bytes\n",
		summary.TotalOperations, summary.PeakMemory)
	return nil
}

func column(rel *io.Relation, name string) (*array.Uint32, error) {
	col, ok := rel.Column(name)
	if !ok {
		return nil, fmt.Errorf("relation has no %q column (columns: %v)", name, rel.Columns())
	}
	return col, nil
}

func toInner(rel *io.Relation) (hashagg.Inner, error) {
	keys, err := column(rel, io.ColumnKey)
	if err != nil {
		return hashagg.Inner{}, err
	}
	values, err := column(rel, io.ColumnValue)
	if err != nil {
		return hashagg.Inner{}, err
	}
	return hashagg.NewInnerFromArrow(keys, values)
}

func toOuter(rel *io.Relation, ungrouped bool) (hashagg.Outer, error) {
	joinKeys, err := column(rel, io.ColumnJoinKey)
	if err != nil {
		return hashagg.Outer{}, err
	}
	values, err := column(rel, io.ColumnValue)
	if err != nil {
		return hashagg.Outer{}, err
	}
	groupKeys, err := column(rel, io.ColumnGroupKey)
	if err != nil {
		if !ungrouped {
			return hashagg.Outer{}, err
		}
		// The ungrouped join never reads group keys.
		groupKeys = joinKeys
	}
	return hashagg.NewOuterFromArrow(joinKeys, groupKeys, values)
}

func runBenchmark(ctx context.Context, opts options, cfg config.Config, collector *monitoring.MetricsCollector) error {
	inner, outer, err := io.GenerateRelations(generateOptions(opts), memory.NewGoAllocator())
	if err != nil {
		return err
	}
	defer inner.Release()
	defer outer.Release()

	in, err := toInner(inner)
	if err != nil {
		return err
	}
	out, err := toOuter(outer, false)
	if err != nil {
		return err
	}

	maxThreads := cfg.EffectiveMaxThreads(runtime.NumCPU())
	if opts.threads > 0 {
		maxThreads = min(opts.threads, maxThreads)
	}
	threads := monitoring.ScalingThreads(maxThreads)
	tuples := inner.Len() + outer.Len()

	// The suite records each run under its scenario name.
	cfg.MetricsCollection = false
	suite := monitoring.NewBenchmarkSuite(collector)
	suite.AddThreadScaling("grouped", tuples, threads, func(n int) (hashagg.Stats, error) {
		return hashagg.RunJoinAggregateStats(ctx, in, out, hashagg.WithConfig(cfg), hashagg.WithThreads(n))
	})
	suite.AddThreadScaling("ungrouped", tuples, threads, func(n int) (hashagg.Stats, error) {
		return hashagg.RunJoinSumStats(ctx, in, out, hashagg.WithConfig(cfg), hashagg.WithThreads(n))
	})
	suite.Run()

	fmt.Print(suite.GenerateReport())
	return nil
}
