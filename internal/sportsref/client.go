// Package sportsref is the college-basketball surface of sports-reference:
// schools, season rosters and player game logs as ordered records.
package sportsref

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cbbstats/internal/extract"
	"cbbstats/internal/fetch"
	"cbbstats/internal/record"
)

// FieldSeason is added to roster records that do not already carry it.
const FieldSeason = "season"

var (
	// ErrNoSeasons is returned by GetRoster when no season was requested.
	ErrNoSeasons = errors.New("sportsref: no seasons requested")
	// ErrEmptyLink is returned when a school or player link is empty.
	ErrEmptyLink = errors.New("sportsref: empty link")
)

// PageFetcher retrieves one site-relative page. *fetch.Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, path string) (fetch.Page, error)
}

// Client composes a PageFetcher with the table extractor.
type Client struct {
	pages PageFetcher
	ext   *extract.Extractor
	log   *zap.Logger
}

// NewClient returns a Client fetching through pages.
func NewClient(pages PageFetcher, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{pages: pages, ext: extract.New(log), log: log}
}

// GetSchools returns every school in the listing. Any failure aborts: there is
// nothing to continue with.
func (c *Client) GetSchools(ctx context.Context) ([]record.Record, error) {
	page, err := c.pages.Fetch(ctx, SchoolsPath)
	if err != nil {
		return nil, fmt.Errorf("get schools: %w", err)
	}
	recs, err := c.ext.Schools(page.Content)
	if err != nil {
		return nil, fmt.Errorf("get schools: %w", err)
	}
	c.log.Info("fetched schools", zap.Int("count", len(recs)))
	return recs, nil
}

// GetRoster fetches one roster page per season, in order, and concatenates the
// linked players. A season that fails is logged and reported in a *BatchError
// returned together with the records of the other seasons. Cancellation of
// ctx aborts the whole call.
func (c *Client) GetRoster(ctx context.Context, schoolLink string, seasons []int) ([]record.Record, error) {
	if schoolLink == "" {
		return nil, fmt.Errorf("get roster: %w", ErrEmptyLink)
	}
	if len(seasons) == 0 {
		return nil, fmt.Errorf("get roster %s: %w", schoolLink, ErrNoSeasons)
	}

	log := c.log.With(zap.String("school", schoolLink))
	out := []record.Record{}
	var failures []Failure

	for _, season := range seasons {
		recs, err := c.rosterSeason(ctx, schoolLink, season)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, fmt.Errorf("get roster %s: %w", schoolLink, ctxErr)
			}
			log.Warn("roster season failed", zap.Int("season", season), zap.Error(err))
			failures = append(failures, Failure{Key: strconv.Itoa(season), Err: err})
			continue
		}
		log.Info("fetched roster", zap.Int("season", season), zap.Int("players", len(recs)))
		out = append(out, recs...)
	}

	if len(failures) > 0 {
		return out, &BatchError{Op: "get roster " + schoolLink, Failures: failures}
	}
	return out, nil
}

func (c *Client) rosterSeason(ctx context.Context, schoolLink string, season int) ([]record.Record, error) {
	page, err := c.pages.Fetch(ctx, RosterPath(schoolLink, season))
	if err != nil {
		return nil, err
	}
	recs, err := c.ext.Roster(page.Content, season)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if !recs[i].Has(FieldSeason) {
			recs[i].Set(FieldSeason, strconv.Itoa(season))
		}
	}
	return recs, nil
}

// GetPlayerGameLog returns a player's individual games, summary rows removed.
func (c *Client) GetPlayerGameLog(ctx context.Context, playerLink string) ([]record.Record, error) {
	if playerLink == "" {
		return nil, fmt.Errorf("get gamelog: %w", ErrEmptyLink)
	}
	page, err := c.pages.Fetch(ctx, GameLogPath(playerLink))
	if err != nil {
		return nil, fmt.Errorf("get gamelog %s: %w", playerLink, err)
	}
	recs, err := c.ext.GameLog(page.Content)
	if err != nil {
		return nil, fmt.Errorf("get gamelog %s: %w", playerLink, err)
	}
	return recs, nil
}

// GetGameLogs fetches several game logs with at most workers in flight.
// Duplicate links are fetched once. Failed players are left out of the map
// and reported in a *BatchError in input order; the map still holds every
// player that succeeded. Throttling is the fetcher's concern.
func (c *Client) GetGameLogs(ctx context.Context, playerLinks []string, workers int) (map[string][]record.Record, error) {
	if workers < 1 {
		workers = 1
	}

	links := make([]string, 0, len(playerLinks))
	seen := make(map[string]struct{}, len(playerLinks))
	for _, l := range playerLinks {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}

	results := make([][]record.Record, len(links))
	errs := make([]error, len(links))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, link := range links {
		g.Go(func() error {
			recs, err := c.GetPlayerGameLog(gctx, link)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("gamelog failed", zap.String("player", link), zap.Error(err))
				errs[i] = err
				return nil
			}
			results[i] = recs

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			c.log.Debug("fetched gamelog",
				zap.String("player", link),
				zap.Int("games", len(recs)),
				zap.Int("done", n),
				zap.Int("total", len(links)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("get gamelogs: %w", err)
	}

	out := make(map[string][]record.Record, len(links))
	var failures []Failure
	for i, link := range links {
		if errs[i] != nil {
			failures = append(failures, Failure{Key: link, Err: errs[i]})
			continue
		}
		out[link] = results[i]
	}
	if len(failures) > 0 {
		return out, &BatchError{Op: "get gamelogs", Failures: failures}
	}
	return out, nil
}
