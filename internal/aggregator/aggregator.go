// Package aggregator derives the set of vehicles currently committed to a
// duty shift by walking the paginated SISGPO roster listing. The result is
// a process-wide snapshot rebuilt wholesale on each refresh.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/servicodediacob/sisgpo-gateway/internal/config"
	"github.com/servicodediacob/sisgpo-gateway/internal/sisgpo"
	"github.com/sirupsen/logrus"
)

// RosterFetcher is the slice of the upstream client the aggregator needs.
type RosterFetcher interface {
	FetchRosterPage(ctx context.Context, token string, page, limit int, startDate string) (*sisgpo.RosterPage, error)
}

// Snapshot is the published engagement result.
type Snapshot struct {
	Prefixes  []string
	FetchedAt time.Time
}

type held struct {
	snap      Snapshot
	expiresAt time.Time
}

type Aggregator struct {
	fetcher  RosterFetcher
	ttl      time.Duration
	pageSize int
	maxPages int
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.RWMutex
	current *held
}

func New(logger *logrus.Logger, cfg *config.Config, fetcher RosterFetcher) *Aggregator {
	return &Aggregator{
		fetcher:  fetcher,
		ttl:      cfg.Aggregator.TTL,
		pageSize: cfg.Aggregator.PageSize,
		maxPages: cfg.Aggregator.MaxPages,
		log:      logger.WithField("component", "engagement_aggregator"),
		now:      time.Now,
	}
}

// Engaged returns the engaged-vehicle prefixes, serving the cached snapshot
// while it is fresh. force bypasses the snapshot and re-walks the listing
// synchronously. cached reports whether the snapshot was served without an
// upstream walk.
func (a *Aggregator) Engaged(ctx context.Context, token string, force bool) (Snapshot, bool, error) {
	if !force {
		a.mu.RLock()
		cur := a.current
		a.mu.RUnlock()
		if cur != nil && a.now().Before(cur.expiresAt) {
			return cur.snap, true, nil
		}
	}

	snap, err := a.walk(ctx, token)
	if err != nil {
		return Snapshot{}, false, err
	}

	a.mu.Lock()
	a.current = &held{snap: snap, expiresAt: snap.FetchedAt.Add(a.ttl)}
	a.mu.Unlock()
	return snap, false, nil
}

// walk runs the full sequential pagination pass. Page n+1 is never
// requested before page n returned, and the walk stops at maxPages even if
// the upstream never reports the final page.
func (a *Aggregator) walk(ctx context.Context, token string) (Snapshot, error) {
	start := a.now()
	today := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	startDate := today.Format("2006-01-02")

	engaged := make(map[string]struct{})
	pages := 0

	for page := 1; ; page++ {
		if page > a.maxPages {
			a.log.WithField("max_pages", a.maxPages).Warn("Roster walk hit page safety bound; publishing partial result")
			break
		}

		rp, err := a.fetcher.FetchRosterPage(ctx, token, page, a.pageSize, startDate)
		if err != nil {
			return Snapshot{}, fmt.Errorf("roster walk failed at page %d: %w", page, err)
		}
		pages++

		for i := range rp.Records {
			a.accumulate(engaged, &rp.Records[i], today)
		}

		if !rp.HasPagination() || rp.CurrentPage >= rp.TotalPages {
			break
		}
	}

	prefixes := make([]string, 0, len(engaged))
	for p := range engaged {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	a.log.WithFields(logrus.Fields{
		"pages":    pages,
		"engaged":  len(prefixes),
		"duration": a.now().Sub(start),
	}).Info("Rebuilt engagement snapshot")

	return Snapshot{Prefixes: prefixes, FetchedAt: start}, nil
}

// accumulate applies the per-record rules: skip rows with no resolvable
// prefix, skip rows dated before today, and fail open on unparseable dates
// (under-reporting engaged vehicles is the dangerous failure mode here).
func (a *Aggregator) accumulate(engaged map[string]struct{}, rec *sisgpo.RosterRecord, today time.Time) {
	prefix, ok := rec.Prefix()
	if !ok {
		a.log.WithField("duty_date", rec.DutyDate).Debug("Skipping roster record with no vehicle prefix")
		return
	}

	if when, parsed := sisgpo.ParseDutyDate(rec.DutyDate); parsed && when.Before(today) {
		a.log.WithFields(logrus.Fields{
			"prefix":    prefix,
			"duty_date": rec.DutyDate,
		}).Debug("Skipping roster record dated before today")
		return
	}

	engaged[prefix] = struct{}{}
}
