package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
	"pdfcast/internal/redis"

	"golang.org/x/sync/singleflight"
)

const generationKey = "usage:generation"

// Report is the usage summary served to clients.
type Report struct {
	Today          models.UsageRecord   `json:"today"`
	History        []models.UsageRecord `json:"history"`
	TotalAllTime   int64                `json:"total_all_time"`
	DailyLimit     int64                `json:"daily_limit"`
	LimitRemaining int64                `json:"limit_remaining"`
	WindowDays     int                  `json:"window_days"`
}

// Cache is the subset of the redis wrapper the reporter needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
}

var _ Cache = (*redis.Client)(nil)

// Reporter builds usage reports on top of a Ledger. Reports are cached per
// generation; every ledger write bumps the generation so stale entries are never read.
type Reporter struct {
	ledger   *Ledger
	dailyCap int64
	cache    Cache
	ttl      time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// NewReporter attaches a reporter to ledger. cache may be nil to disable caching.
func NewReporter(ledger *Ledger, dailyCap int64, cache Cache, ttl time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Reporter{
		ledger:   ledger,
		dailyCap: dailyCap,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
	}
	if cache != nil {
		ledger.onWrite = r.invalidate
	}
	return r
}

// Report computes the usage summary over the last windowDays days.
func (r *Reporter) Report(ctx context.Context, windowDays int) (Report, error) {
	windowDays = min(max(windowDays, 0), MaxWindowDays)
	today := models.DayKey(r.ledger.Now(), r.ledger.Location())
	flightKey := today + ":" + strconv.Itoa(windowDays)

	v, err, _ := r.group.Do(flightKey, func() (interface{}, error) {
		// shared by every waiter, so one caller leaving must not cancel it
		ctx := context.WithoutCancel(ctx)
		cacheKey := ""
		if r.cache != nil {
			cacheKey = fmt.Sprintf("usage:report:%s:%s", flightKey, r.generation(ctx))
			if rep, ok := r.cached(ctx, cacheKey); ok {
				return rep, nil
			}
		}
		rep, err := r.compute(ctx, windowDays)
		if err != nil {
			return Report{}, err
		}
		if cacheKey != "" {
			r.store(ctx, cacheKey, rep)
		}
		return rep, nil
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (r *Reporter) compute(ctx context.Context, windowDays int) (Report, error) {
	today, err := r.ledger.Today(ctx)
	if err != nil {
		return Report{}, err
	}
	history, err := r.ledger.History(ctx, windowDays)
	if err != nil {
		return Report{}, err
	}
	var total int64
	for _, rec := range history {
		total += rec.TotalUnits
	}
	return Report{
		Today:          today,
		History:        history,
		TotalAllTime:   total,
		DailyLimit:     r.dailyCap,
		LimitRemaining: max(0, r.dailyCap-total),
		WindowDays:     windowDays,
	}, nil
}

func (r *Reporter) generation(ctx context.Context) string {
	gen, err := r.cache.Get(ctx, generationKey)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Debug("usage generation lookup failed", "err", err)
		}
		return "0"
	}
	return gen
}

func (r *Reporter) cached(ctx context.Context, key string) (Report, bool) {
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		return Report{}, false
	}
	var rep Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		r.logger.Warn("discarding corrupt usage report cache entry", "key", key, "err", err)
		return Report{}, false
	}
	return rep, true
}

func (r *Reporter) store(ctx context.Context, key string, rep Report) {
	payload, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, payload, r.ttl); err != nil {
		r.logger.Debug("usage report cache write failed", "err", err)
	}
}

func (r *Reporter) invalidate(ctx context.Context) {
	if _, err := r.cache.Incr(ctx, generationKey); err != nil {
		r.logger.Warn("usage report cache invalidation failed", "err", err)
	}
}
