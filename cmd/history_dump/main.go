package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"indicatorfeed/internal/config"
	"indicatorfeed/internal/httpx"
	"indicatorfeed/internal/logging"
	"indicatorfeed/internal/provider"
	"indicatorfeed/internal/provider/mindicador"
	"indicatorfeed/internal/provider/ratelimit"
)

type job struct {
	Indicator string
	Year      int
}

type point struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// series is one indicator across every dumped year, oldest first.
type series struct {
	Indicator string  `json:"indicator"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	Points    []point `json:"points"`
}

type dumpOptions struct {
	Concurrency int
	Timeout     time.Duration
	MaxRetries  int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

// dump fetches every job on a worker pool and groups the points per
// indicator. Jobs that still fail after retries are logged and skipped.
func dump(ctx context.Context, p provider.Provider, jobs []job, opts dumpOptions, logger *zap.Logger) ([]series, int) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	var (
		mu      sync.Mutex
		byKey   = make(map[string]*series)
		failed  int
		jobCh   = make(chan job, opts.Concurrency*2)
		workers sync.WaitGroup
	)
	worker := func() {
		defer workers.Done()
		for j := range jobCh {
			items, err := fetchRetry(ctx, p, j, opts)
			if err != nil {
				logger.Warn("series failed", zap.String("indicator", j.Indicator), zap.Int("year", j.Year), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				continue
			}
			mu.Lock()
			s, ok := byKey[j.Indicator]
			if !ok {
				s = &series{Indicator: j.Indicator}
				byKey[j.Indicator] = s
			}
			for _, it := range items {
				ind, ok := it.(provider.Indicator)
				if !ok {
					continue
				}
				s.Name, s.Unit = ind.DisplayName, ind.Unit
				s.Points = append(s.Points, point{Date: ind.ObservedAt.Format(time.DateOnly), Value: ind.Value})
			}
			mu.Unlock()
			logger.Info("series fetched", zap.String("indicator", j.Indicator), zap.Int("year", j.Year), zap.Int("points", len(items)))
		}
	}
	for range opts.Concurrency {
		workers.Add(1)
		go worker()
	}
	for _, j := range jobs {
		select {
		case jobCh <- j:
		case <-ctx.Done():
		}
	}
	close(jobCh)
	workers.Wait()

	out := make([]series, 0, len(byKey))
	for _, s := range byKey {
		sort.SliceStable(s.Points, func(a, b int) bool { return s.Points[a].Date < s.Points[b].Date })
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Indicator < out[b].Indicator })
	return out, failed
}

// fetchRetry retries rate limiting and 5xx answers with exponential backoff.
func fetchRetry(ctx context.Context, p provider.Provider, j job, opts dumpOptions) ([]provider.Item, error) {
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		items, err := p.Fetch(reqCtx, provider.Params{Indicator: j.Indicator, Year: j.Year})
		cancel()
		if err == nil {
			return items, nil
		}
		if attempt >= opts.MaxRetries || !retryable(err) {
			return nil, err
		}
		back := opts.Backoff * time.Duration(1<<attempt)
		select {
		case <-time.After(back):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func retryable(err error) bool {
	pe := provider.Classify(err)
	if pe == nil {
		return false
	}
	switch pe.Kind {
	case provider.KindTimeout:
		return true
	case provider.KindHTTP:
		return pe.Status == http.StatusTooManyRequests || pe.Status >= 500
	}
	return false
}

func buildJobs(indicators []string, from, to int, now time.Time) ([]job, error) {
	if from > to {
		return nil, fmt.Errorf("--from %d is after --to %d", from, to)
	}
	jobs := make([]job, 0, len(indicators)*(to-from+1))
	for _, ind := range indicators {
		for y := from; y <= to; y++ {
			if err := mindicador.ValidateHistory(ind, y, now); err != nil {
				return nil, err
			}
			jobs = append(jobs, job{Indicator: ind, Year: y})
		}
	}
	return jobs, nil
}

func writeOut(path string, out []series) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create out: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, 1<<20)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{"generated_at": time.Now().UTC(), "series": out}); err != nil {
		return err
	}
	return bw.Flush()
}

func dumpAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	now := time.Now()
	from, to := int(cmd.Int("from")), int(cmd.Int("to"))
	if to == 0 {
		to = now.Year()
	}
	if from == 0 {
		from = to - 4
	}
	jobs, err := buildJobs(cmd.StringSlice("indicators"), from, to, now)
	if err != nil {
		return err
	}
	logger.Info("dumping history", zap.Int("series", len(jobs)))

	timeout := time.Duration(cmd.Int("timeout")) * time.Second
	p := ratelimit.PerMinute(mindicador.New(mindicador.Config{
		BaseURL: cfg.Providers.Mindicador.BaseURL,
	}, httpx.New(timeout)), int(cmd.Int("rpm")))

	out, failed := dump(ctx, p, jobs, dumpOptions{
		Concurrency: int(cmd.Int("concurrency")),
		Timeout:     timeout,
		MaxRetries:  int(cmd.Int("retries")),
		Backoff:     250 * time.Millisecond,
	}, logger.Logger)
	if err := writeOut(cmd.String("out"), out); err != nil {
		return err
	}
	logger.Info("done", zap.String("out", cmd.String("out")), zap.Int("failed", failed))
	if failed > 0 && cmd.Bool("strict") {
		return fmt.Errorf("%d of %d series failed", failed, len(jobs))
	}
	return nil
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "history_dump",
		Usage: "Download yearly indicator series into one JSON file",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "indicators",
				Aliases: []string{"i", "indicator"},
				Usage:   "Indicators to dump",
				Value:   []string{"uf"},
			},
			&cli.IntFlag{
				Name:  "from",
				Usage: "First year; defaults to four years before --to",
			},
			&cli.IntFlag{
				Name:  "to",
				Usage: "Last year; defaults to the current year",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Output JSON file path",
				Value: "history.json",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML or JSON config file",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Parallel requests",
				Value: 2,
			},
			&cli.IntFlag{
				Name:  "rpm",
				Usage: "Max requests per minute (0 = unlimited)",
				Value: 30,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Max retries on 429/5xx",
				Value: 3,
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "HTTP timeout seconds",
				Value: 20,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "Exit non-zero when any series failed",
			},
		},
		Action: dumpAction,
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
