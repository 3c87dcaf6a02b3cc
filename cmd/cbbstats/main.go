// Command cbbstats scrapes college basketball schools, rosters and player game
// logs from sports-reference and writes them as CSV or JSON, optionally saving
// them to a database as well.
//
// Examples:
//
//	cbbstats -mode schools -format json
//	cbbstats -mode roster -school /cbb/schools/duke/men/ -seasons 2023,2024
//	cbbstats -mode gamelog -player /cbb/players/kyle-filipowski-1.html
//	cbbstats -mode gamelog -player a.html,b.html -workers 2 -rps 0.3 \
//	    -store-kind sqlite -store-dsn file:cbb.db
//	cbbstats -tables -url /cbb/schools/duke/men/2024.html
//
// Exit codes: 0 ok, 1 runtime failure, 2 usage or config error.
package main

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbbstats/internal/fetch"
	"cbbstats/internal/metrics"
	"cbbstats/internal/metrics/datadog"
	"cbbstats/internal/storage"
	_ "cbbstats/internal/storage/all"
)

// backendCloser is a metrics backend this command owns and must close.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are the external seams run uses; tests replace them.
type deps struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// HTTPClient, when set, replaces the client built from -timeout.
	HTTPClient *http.Client

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	OpenStore      func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Getenv func(string) string
	Now    func() time.Time
	Rand   *rand.Rand
	Sleep  fetch.SleepFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

func defaultDeps() deps {
	return deps{
		Stdin:          os.Stdin,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		BackendFactory: newDatadogBackend,
		OpenStore:      storage.New,
		Getenv:         os.Getenv,
		Now:            time.Now,
		Rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func newDatadogBackend(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
	return datadog.NewBackend(ctx, datadog.Options{
		JobName:    jobName,
		Tags:       tags,
		FlushEvery: flushEvery,
	})
}
