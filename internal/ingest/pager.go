package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// FetchFunc loads one 1-based page. more reports whether the source says
// further pages exist.
type FetchFunc[T any] func(ctx context.Context, page int) (items []T, more bool, err error)

// Page is a fetched, non-empty page handed to a stream handler.
type Page[T any] struct {
	Number int
	Items  []T
	// Breaker counts consecutive record failures together with page
	// failures of the same stream.
	Breaker   *resilience.Breaker
	Watermark *Watermark
}

// HandleFunc processes one page. Record failures are recorded in the run
// report and on the page breaker; a returned error aborts the whole run.
type HandleFunc[T any] func(ctx context.Context, p Page[T]) error

// PagerConfig tunes Paginate.
type PagerConfig struct {
	MaxPages         int
	EmptyRetries     int
	EmptyDelay       time.Duration
	BreakerThreshold int
	Retry            resilience.RetryConfig
}

// PagerConfigFrom reads pager settings from the ingest config.
func PagerConfigFrom(c config.IngestConfig) PagerConfig {
	return PagerConfig{
		MaxPages:         c.MaxPages,
		EmptyRetries:     c.EmptyPageRetries,
		EmptyDelay:       c.EmptyPageDelay(),
		BreakerThreshold: c.BreakerThreshold,
		Retry:            RetryConfigFrom(c),
	}
}

// RetryConfigFrom builds the transient retry policy from the ingest config.
func RetryConfigFrom(c config.IngestConfig) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if c.RetryAttempts > 0 {
		rc.MaxAttempts = c.RetryAttempts
	}
	if c.RetryInitialMS > 0 {
		rc.InitialBackoff = time.Duration(c.RetryInitialMS) * time.Millisecond
	}
	if c.RetryMaxMS > 0 {
		rc.MaxBackoff = time.Duration(c.RetryMaxMS) * time.Millisecond
	}
	return rc
}

// Watermark tracks the latest record timestamp seen by a stream. It never
// moves backwards.
type Watermark struct {
	mu sync.Mutex
	t  *time.Time
}

// Advance moves the watermark to t when t is later. It reports whether the
// watermark moved.
func (w *Watermark) Advance(t *time.Time) bool {
	if t == nil || t.IsZero() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t != nil && !t.After(*w.t) {
		return false
	}
	v := t.UTC()
	w.t = &v
	return true
}

// Value returns the current watermark, nil when nothing was seen.
func (w *Watermark) Value() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t == nil {
		return nil
	}
	v := *w.t
	return &v
}

// Paginate walks a stream page by page until the source reports no further
// pages, a page stays empty after EmptyRetries refetches, or MaxPages is
// reached. Transient fetch errors are retried; other page failures are
// reported and skipped until BreakerThreshold consecutive failures abort the
// stream. Fatal errors abort the run and are returned with the stream report
// gathered so far.
func Paginate[T any](ctx context.Context, cfg PagerConfig, name string, rep *Report, fetch FetchFunc[T], handle HandleFunc[T]) (sr StreamReport, err error) {
	log := zap.L().With(zap.String("component", "ingest.pager"), zap.String("stream", name))
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}

	sr = StreamReport{Name: name}
	br := resilience.NewBreaker(cfg.BreakerThreshold)
	wm := &Watermark{}
	defer func() { sr.Watermark = wm.Value() }()

	fetchPage := func(ctx context.Context, page int) ([]T, bool, error) {
		type result struct {
			items []T
			more  bool
		}
		r, err := resilience.DoVal(ctx, cfg.Retry, func(ctx context.Context) (result, error) {
			items, more, err := fetch(ctx, page)
			return result{items, more}, err
		})
		return r.items, r.more, err
	}

	for page := 1; page <= cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			sr.Error = err.Error()
			return sr, eris.Wrapf(err, "ingest: %s page %d", name, page)
		}

		items, more, err := fetchPage(ctx, page)
		for retry := 1; err == nil && len(items) == 0 && more && retry <= cfg.EmptyRetries; retry++ {
			log.Debug("empty page, refetching", zap.Int("page", page), zap.Int("retry", retry))
			if werr := wait(ctx, time.Duration(retry)*cfg.EmptyDelay); werr != nil {
				sr.Error = werr.Error()
				return sr, eris.Wrapf(werr, "ingest: %s page %d", name, page)
			}
			items, more, err = fetchPage(ctx, page)
		}

		if err != nil {
			if resilience.IsFatal(err) {
				sr.Error = err.Error()
				return sr, eris.Wrapf(err, "ingest: %s page %d", name, page)
			}
			sr.Failures++
			rep.Fail(fmt.Sprintf("%s:page:%d", name, page), err)
			log.Warn("page failed", zap.Int("page", page), zap.Error(err))
			if br.Record(err) {
				return abort(sr, br, log), nil
			}
			continue
		}
		if len(items) == 0 {
			break
		}

		sr.Pages++
		sr.Records += len(items)
		if err := handle(ctx, Page[T]{Number: page, Items: items, Breaker: br, Watermark: wm}); err != nil {
			sr.Error = err.Error()
			return sr, err
		}
		if br.Tripped() {
			return abort(sr, br, log), nil
		}
		if !more {
			break
		}
		if page == cfg.MaxPages {
			log.Warn("page cap reached", zap.Int("max_pages", cfg.MaxPages))
		}
	}
	return sr, nil
}

func abort(sr StreamReport, br *resilience.Breaker, log *zap.Logger) StreamReport {
	sr.Aborted = true
	if err := br.Err(); err != nil {
		sr.Error = err.Error()
	}
	log.Error("stream aborted", zap.Int("consecutive_failures", br.Consecutive()), zap.String("error", sr.Error))
	return sr
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
