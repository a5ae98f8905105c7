// Package gate implements the global-pause read-through cache in front of
// EngineSettings.global_lock. Every step
// execution consults it, so it must be cheap: a short-TTL in-process cache
// backed by a blocking row lock on writes, deliberately not an external
// cache library.
package gate

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fluxgate/workflowcore/internal/domain/process"
	"github.com/fluxgate/workflowcore/internal/observability"
)

// Gate reads EngineSettings.global_lock through a short TTL cache and
// writes it under a blocking (not SKIP LOCKED) row lock, since a writer must
// wait for the single settings row rather than move on.
type Gate struct {
	db  *gorm.DB
	ttl time.Duration

	mu      sync.Mutex
	cached  bool
	expires time.Time
}

func New(db *gorm.DB, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Gate{db: db, ttl: ttl}
}

// Paused reports the current global_lock value, refreshing from the
// database at most once per ttl.
func (g *Gate) Paused(ctx context.Context) bool {
	g.mu.Lock()
	if time.Now().Before(g.expires) {
		v := g.cached
		g.mu.Unlock()
		return v
	}
	g.mu.Unlock()

	var row process.EngineSettings
	err := g.db.WithContext(ctx).Where("id = ?", process.EngineSettingsRowID).First(&row).Error
	paused := err == nil && row.GlobalLock

	g.mu.Lock()
	g.cached = paused
	g.expires = time.Now().Add(g.ttl)
	g.mu.Unlock()
	return paused
}

// Func returns a closure suitable for step.PauseGate / Executor.RunOnce's
// gate parameter, binding ctx once for callers that don't thread a fresh
// context through every check.
func (g *Gate) Func(ctx context.Context) func() bool {
	return func() bool { return g.Paused(ctx) }
}

// SetPaused locks the single settings row (blocking, not SKIP LOCKED: there
// is exactly one row, and a second writer must wait rather than skip it)
// and updates global_lock, invalidating the cache immediately.
func (g *Gate) SetPaused(ctx context.Context, paused bool, updatedBy string) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row process.EngineSettings
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", process.EngineSettingsRowID)
		if err := q.First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				row = process.EngineSettings{ID: process.EngineSettingsRowID}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			} else {
				return err
			}
		}
		return tx.Model(&process.EngineSettings{}).Where("id = ?", process.EngineSettingsRowID).Updates(map[string]any{
			"global_lock": paused,
			"updated_at":  time.Now().UTC(),
			"updated_by":  updatedBy,
		}).Error
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.cached = paused
	g.expires = time.Now().Add(g.ttl)
	g.mu.Unlock()
	return nil
}

// IncRunning and DecRunning maintain EngineSettings.running_processes under
// the same blocking row lock SetPaused uses, so a
// concurrent pause toggle and a concurrent dispatch never race on the row.
// DecRunning floors at zero rather than going negative, since a double
// decrement (e.g. a crash-recovered worker re-reporting completion) must
// never leave the counter corrupt.
func (g *Gate) IncRunning(ctx context.Context) error {
	return g.adjustRunning(ctx, 1)
}

func (g *Gate) DecRunning(ctx context.Context) error {
	return g.adjustRunning(ctx, -1)
}

func (g *Gate) adjustRunning(ctx context.Context, delta int) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row process.EngineSettings
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", process.EngineSettingsRowID)
		if err := q.First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				row = process.EngineSettings{ID: process.EngineSettingsRowID}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			} else {
				return err
			}
		}
		next := row.RunningProcesses + delta
		if next < 0 {
			next = 0
		}
		if err := tx.Model(&process.EngineSettings{}).Where("id = ?", process.EngineSettingsRowID).Updates(map[string]any{
			"running_processes": next,
			"updated_at":        time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		observability.Current().SetRunningProcesses(next)
		return nil
	})
}

// RunningProcesses reads the live counter, bypassing the pause cache since
// callers checking capacity need the current value, not a stale one.
func (g *Gate) RunningProcesses(ctx context.Context) (int, error) {
	row, err := g.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	return row.RunningProcesses, nil
}

// GetSettings reads the single settings row, returning a zero-value row
// (never an error) when it hasn't been created yet.
func (g *Gate) GetSettings(ctx context.Context) (process.EngineSettings, error) {
	var row process.EngineSettings
	err := g.db.WithContext(ctx).Where("id = ?", process.EngineSettingsRowID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return process.EngineSettings{ID: process.EngineSettingsRowID}, nil
		}
		return process.EngineSettings{}, err
	}
	return row, nil
}
