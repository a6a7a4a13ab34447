// Package main is the entry point for the nftgate CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"nftgate/internal/batch"
	"nftgate/internal/config"
	"nftgate/internal/domain"
)

const usage = `Usage: nftgate [-config path] <command> [flags]

Commands:
  generate   Generate one image
  batch      Generate a JSON array of requests
  status     Show provider, cache and budget state
  report     Render spend against limits with a daily chart
  validate   Check provider credentials
  cleanup    Drop expired cache entries and compact the database
`

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		logger.Error("Command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

// newLogger builds the slog handler named by the logging config
func newLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "generate", "batch", "status", "report", "validate", "cleanup":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "generate":
		return a.cmdGenerate(ctx, args, out)
	case "batch":
		a.serveMetrics(ctx)
		a.watchConfig(ctx, configPath)
		return a.cmdBatch(ctx, args, out)
	case "status":
		return a.cmdStatus(ctx, out)
	case "report":
		return a.cmdReport(ctx, args, out)
	case "cleanup":
		return a.cmdCleanup(ctx, out)
	default:
		return a.cmdValidate(ctx, out)
	}
}

// ===== generate =====

func (a *app) cmdGenerate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "Image prompt (required)")
	category := fs.String("category", "", "Collection category")
	complexity := fs.Int("complexity", 0, "Complexity level")
	seed := fs.Int64("seed", 0, "Color seed")
	index := fs.Int("index", 0, "Item index within the collection")
	size := fs.String("size", "", "Image size, e.g. 1024x1024")
	quality := fs.String("quality", "", "Quality hint")
	aspect := fs.String("aspect", "", "Aspect ratio, e.g. 1:1")
	negative := fs.String("negative", "", "Negative prompt")
	outPath := fs.String("out", "", "Output file (default derived from provider and index)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*prompt) == "" {
		return errors.New("-prompt is required")
	}

	req := domain.GenerateRequest{
		Prompt:     *prompt,
		Category:   *category,
		Complexity: *complexity,
		ColorSeed:  *seed,
		Index:      *index,
		Options: domain.Options{
			Size:           *size,
			Quality:        *quality,
			AspectRatio:    *aspect,
			NegativePrompt: *negative,
		},
	}

	payload, err := a.orch.Generate(ctx, req)
	if err != nil {
		return err
	}

	path := *outPath
	if path == "" {
		path = outputName(".", req.Index, payload)
	}
	if err := writePayload(path, payload); err != nil {
		return err
	}

	fmt.Fprintf(out, "provider=%s cost=%s bytes=%d file=%s\n",
		payload.Provider, payload.Cost.StringFixed(4), payload.Size(), path)
	return nil
}

// ===== batch =====

func (a *app) cmdBatch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	in := fs.String("in", "", "JSON file with an array of requests (required, - for stdin)")
	outDir := fs.String("out", "out", "Output directory")
	concurrency := fs.Int("concurrency", 0, "Maximum concurrent requests (0 uses config)")
	priority := fs.Int("priority", 0, "Batch priority")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("-in is required")
	}

	reqs, err := readRequests(*in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	quotaCtx, cancel := context.WithCancel(ctx)
	quotaDone := make(chan struct{})
	go func() {
		defer close(quotaDone)
		a.quota.Run(quotaCtx)
	}()
	defer func() {
		cancel()
		<-quotaDone
	}()

	results, stats := a.orch.GenerateBatch(ctx, reqs, batch.BatchOptions{
		MaxConcurrency: *concurrency,
		Priority:       *priority,
	})

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tPROVIDER\tCOST\tLATENCY\tRESULT")
	for i, r := range results {
		index := reqs[i].Index
		if r.Err != nil {
			fmt.Fprintf(tw, "%d\t-\t-\t%s\terror: %v\n", index, r.Latency.Round(time.Millisecond), r.Err)
			continue
		}
		path := outputName(*outDir, index, r.Payload)
		if err := writePayload(path, r.Payload); err != nil {
			return err
		}
		note := path
		if r.Duplicate {
			note += " (duplicate)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", index, r.Payload.Provider,
			r.Payload.Cost.StringFixed(4), r.Latency.Round(time.Millisecond), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nbatch %s: total=%d unique=%d deduplicated=%d failures=%d avg_latency=%s duration=%s\n",
		stats.ID, stats.Total, stats.Unique, stats.Deduplicated, stats.Failures,
		stats.AvgLatency.Round(time.Millisecond), stats.Duration.Round(time.Millisecond))

	if stats.Failures > 0 {
		return fmt.Errorf("%d of %d requests failed", stats.Failures, stats.Total)
	}
	return nil
}

func readRequests(path string) ([]domain.GenerateRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open requests: %w", err)
		}
		defer f.Close()
		r = f
	}

	var reqs []domain.GenerateRequest
	if err := json.NewDecoder(r).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("failed to decode requests: %w", err)
	}
	return reqs, nil
}

// ===== status =====

func (a *app) cmdStatus(ctx context.Context, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tACTIVE\tHEALTH\tCIRCUIT\tREQUESTS\tERRORS\tTOKENS\tQUEUE\tQUOTA\tCOST")
	for _, s := range a.orch.Status() {
		tokens, queue := "-", "-"
		if s.RateLimit != nil {
			tokens = fmt.Sprintf("%d/%d", s.RateLimit.Tokens, s.RateLimit.Capacity)
			queue = fmt.Sprintf("%d", s.RateLimit.QueueLength)
		}
		quota := "-"
		if s.Quota != nil {
			if s.Quota.Unlimited() {
				quota = "unlimited"
			} else {
				quota = fmt.Sprintf("%d/%d", s.Quota.Remaining, s.Quota.Limit)
			}
		}
		active := ""
		if s.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			s.Name, active, s.State.HealthScore, s.Circuit, s.State.RequestCount, s.State.ErrorCount,
			tokens, queue, quota, s.CostPerUnit.StringFixed(4))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	stats, err := a.cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache stats: %w", err)
	}
	fmt.Fprintf(out, "\ncache (%s): entries=%d size=%s/%s hit_rate=%.1f%%\n",
		stats.Backend, stats.Entries, humanBytes(stats.TotalSize), humanBytes(stats.MaxSize), stats.HitRate()*100)

	summary, err := a.ledger.Summary(ctx)
	if err != nil {
		return fmt.Errorf("failed to read budget: %w", err)
	}
	fmt.Fprintf(out, "budget: global monthly %s / %s\n",
		summary.GlobalMonthlySpent.StringFixed(2), summary.GlobalMonthlyLimit.StringFixed(2))

	if a.db == nil {
		fmt.Fprintln(out, "storage: memory")
		return nil
	}
	counts, err := a.db.TableCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to read storage: %w", err)
	}
	tables := make([]string, 0, len(counts))
	for name := range counts {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	parts := make([]string, 0, len(tables))
	for _, name := range tables {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	fmt.Fprintf(out, "storage: %s (%s)\n", a.db.Path(), strings.Join(parts, " "))
	return nil
}

// ===== cleanup =====

func (a *app) cmdCleanup(ctx context.Context, out io.Writer) error {
	cc := a.cfg.CacheConfig()
	removed, err := a.cache.Cleanup(ctx, cc.MaxAge, cc.MaxSize)
	if err != nil {
		return fmt.Errorf("failed to clean cache: %w", err)
	}
	fmt.Fprintf(out, "cache: removed %d entries (max age %s, max size %s)\n",
		removed, cc.MaxAge, humanBytes(cc.MaxSize))

	if a.db == nil {
		return nil
	}
	if err := a.db.Vacuum(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "storage: compacted %s\n", a.db.Path())
	return nil
}

// ===== validate =====

func (a *app) cmdValidate(ctx context.Context, out io.Writer) error {
	results := a.orch.ValidateProviders(ctx)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, string(name))
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		if err := results[domain.ProviderName(name)]; err != nil {
			failed++
			fmt.Fprintf(out, "%-10s FAIL  %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "%-10s OK\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d provider(s) failed validation", failed)
	}
	return nil
}

// ===== output helpers =====

func outputName(dir string, index int, p *domain.Payload) string {
	ext := ".png"
	switch p.MIMEType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	}
	return filepath.Join(dir, fmt.Sprintf("%04d-%s%s", index, p.Provider, ext))
}

func writePayload(path string, p *domain.Payload) error {
	if err := os.WriteFile(path, p.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
