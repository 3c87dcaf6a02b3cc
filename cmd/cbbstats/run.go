package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cbbstats/internal/export"
	"cbbstats/internal/extract"
	"cbbstats/internal/fetch"
	"cbbstats/internal/metrics"
	"cbbstats/internal/metrics/datadog"
	"cbbstats/internal/record"
	"cbbstats/internal/sportsref"
	"cbbstats/internal/storage"
)

func run(ctx context.Context, args []string, d deps) int {
	d = d.withDefaults()

	cfg, err := parseFlags(args, d.Getenv, d.Now())
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	log := newLogger(cfg.Verbose, d.Stderr)
	defer func() { _ = log.Sync() }()

	if cfg.MetricsBackend == "datadog" {
		b, err := d.BackendFactory(ctx, cfg.JobName, datadog.ParseTagsCSV(cfg.DDTagsCSV), cfg.FlushEvery)
		if err != nil {
			log.Error("metrics init failed", zap.Error(err))
			return 1
		}
		metrics.SetBackend(b)
		defer func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics close failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}()
	}

	fetcher, err := newFetcher(cfg, d, log)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	if cfg.Tables {
		if err := listTables(ctx, cfg, d, fetcher); err != nil {
			log.Error("list tables failed", zap.Error(err))
			return 1
		}
		return 0
	}

	client := sportsref.NewClient(fetcher, log)
	recs, scrapeErr := scrape(ctx, cfg, client, d.Rand, log)

	// A BatchError still carries the seasons or players that succeeded; they
	// are written before the run reports failure.
	var batch *sportsref.BatchError
	if scrapeErr != nil && !errors.As(scrapeErr, &batch) {
		log.Error("scrape failed", zap.String("mode", cfg.Mode), zap.Error(scrapeErr))
		return 1
	}

	if err := writeOutput(cfg, d.Stdout, recs); err != nil {
		log.Error("write output failed", zap.Error(err))
		return 1
	}

	if cfg.StoreKind != "" {
		if err := store(ctx, cfg, d, recs, log); err != nil {
			log.Error("store failed", zap.String("kind", cfg.StoreKind), zap.Error(err))
			return 1
		}
	}

	if batch != nil {
		log.Warn("partial results",
			zap.String("op", batch.Op),
			zap.Strings("failed", batch.Keys()),
			zap.Int("records", len(recs)),
		)
		return 1
	}
	log.Info("done", zap.String("mode", cfg.Mode), zap.Int("records", len(recs)))
	return 0
}

func (d deps) withDefaults() deps {
	if d.Stdin == nil {
		d.Stdin = os.Stdin
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newDatadogBackend
	}
	if d.OpenStore == nil {
		d.OpenStore = storage.New
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(d.Now().UnixNano()))
	}
	return d
}

func newFetcher(cfg runConfig, d deps, log *zap.Logger) (*fetch.Fetcher, error) {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	policy := fetch.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.MaxTotalWait = cfg.MaxWait

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return fetch.New(fetch.Options{
		Origin:   cfg.Origin,
		Client:   client,
		PreDelay: cfg.PreDelay,
		Policy:   policy,
		Limiter:  limiter,
		Logger:   log,
		JobName:  cfg.JobName,
		Sleep:    d.Sleep,
	})
}

func scrape(ctx context.Context, cfg runConfig, c *sportsref.Client, rnd *rand.Rand, log *zap.Logger) ([]record.Record, error) {
	switch cfg.Mode {
	case modeSchools:
		return c.GetSchools(ctx)
	case modeRoster:
		return c.GetRoster(ctx, cfg.School, cfg.Seasons)
	case modeGameLog:
		return gameLogs(ctx, c, cfg.Players, cfg.Workers)
	case modeSample:
		return sample(ctx, c, cfg.Seasons[0], rnd, log)
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// gameLogs concatenates the logs of links in input order. Each row is tagged
// with the player it belongs to.
func gameLogs(ctx context.Context, c *sportsref.Client, links []string, workers int) ([]record.Record, error) {
	if len(links) == 1 {
		recs, err := c.GetPlayerGameLog(ctx, links[0])
		if err != nil {
			return nil, err
		}
		return tagPlayer(recs, links[0]), nil
	}

	byLink, err := c.GetGameLogs(ctx, links, workers)
	var out []record.Record
	seen := make(map[string]bool, len(links))
	for _, link := range links {
		if seen[link] {
			continue
		}
		seen[link] = true
		out = append(out, tagPlayer(byLink[link], link)...)
	}
	return out, err
}

func tagPlayer(recs []record.Record, link string) []record.Record {
	for i := range recs {
		if !recs[i].Has(extract.FieldPlayerLink) {
			recs[i].Set(extract.FieldPlayerLink, link)
		}
	}
	return recs
}

// sample picks a random school active in season, a random rostered player
// from that season and returns the player's game log.
func sample(ctx context.Context, c *sportsref.Client, season int, rnd *rand.Rand, log *zap.Logger) ([]record.Record, error) {
	schools, err := c.GetSchools(ctx)
	if err != nil {
		return nil, err
	}
	want := strconv.Itoa(season)
	var active []record.Record
	for _, s := range schools {
		if v, _ := s.Get("year_max"); v == want && s.Link() != "" {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("sample: no school active in %d", season)
	}
	school := active[rnd.Intn(len(active))]
	name, _ := school.Get(extract.FieldSchoolName)
	log.Info("sample school", zap.String("school", name), zap.String("link", school.Link()))

	roster, err := c.GetRoster(ctx, school.Link(), []int{season})
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("sample: %s has no roster for %d", name, season)
	}
	player := roster[rnd.Intn(len(roster))]
	pname, _ := player.Get(extract.FieldPlayer)
	log.Info("sample player", zap.String("player", pname), zap.String("link", player.Link()))

	recs, err := c.GetPlayerGameLog(ctx, player.Link())
	if err != nil {
		return nil, err
	}
	return tagPlayer(recs, player.Link()), nil
}

func writeOutput(cfg runConfig, stdout io.Writer, recs []record.Record) error {
	if cfg.Out == "" {
		return export.Write(stdout, cfg.Format, recs)
	}
	f, err := os.Create(cfg.Out)
	if err != nil {
		return err
	}
	if err := export.Write(f, cfg.Format, recs); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func store(ctx context.Context, cfg runConfig, d deps, recs []record.Record, log *zap.Logger) error {
	repo, err := d.OpenStore(ctx, storage.Config{Kind: cfg.StoreKind, DSN: cfg.StoreDSN})
	if err != nil {
		return err
	}
	defer repo.Close()

	table := cfg.Table
	if table == "" {
		table = cfg.Mode
	}
	n, err := storage.SaveRecords(ctx, repo, table, recs)
	if err != nil {
		return err
	}
	log.Info("saved records",
		zap.String("table", table),
		zap.Int("records", len(recs)),
		zap.Int64("inserted", n),
	)
	return nil
}

func listTables(ctx context.Context, cfg runConfig, d deps, f *fetch.Fetcher) error {
	var (
		page fetch.Page
		err  error
	)
	switch {
	case cfg.In != "":
		file, openErr := os.Open(cfg.In)
		if openErr != nil {
			return openErr
		}
		page, err = fetch.ReadPage(file, cfg.In)
		_ = file.Close()
	case cfg.URL != "":
		page, err = f.Fetch(ctx, cfg.URL)
	default:
		page, err = fetch.ReadPage(d.Stdin, "stdin")
	}
	if err != nil {
		return err
	}
	return extract.ListTables(d.Stdout, page.Content)
}
