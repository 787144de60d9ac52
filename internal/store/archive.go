// Package store archives terminal sessions to sqlite, so their outcome
// outlives the in-memory history, and prunes them after a retention period.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// Archive saves completion events of one bridge instance.
type Archive struct {
	db        *sql.DB
	bridge    string
	retention time.Duration
	scheduler gocron.Scheduler
	now       func() time.Time
}

// DefaultPath is used when archive.path is empty.
func DefaultPath() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache dir: %w", err)
	}
	return filepath.Join(cache, "ffbridge", "sessions.db"), nil
}

// Open creates the database and the prune job. The job runs only after Start.
func Open(ctx context.Context, cfg model.Archive, bridge string) (*Archive, error) {
	path := cfg.Path
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}
	retention, err := model.ParseISODuration(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("parsing archive.retention: %w", err)
	}

	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	a := &Archive{
		db:        db,
		bridge:    bridge,
		retention: retention,
		now:       time.Now,
	}

	if cfg.Prune != "" {
		a.scheduler, err = newScheduler(ctx, cfg.Prune, func() {
			if _, err := a.Prune(context.WithoutCancel(ctx)); err != nil {
				slog.ErrorContext(ctx, "pruning archive", "error", err)
			}
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	slog.DebugContext(ctx, "archive opened", "path", path, "retention", retention.String())
	return a, nil
}

func newScheduler(ctx context.Context, cron string, task func()) (gocron.Scheduler, error) {
	if _, err := model.ParseCron(cron); err != nil {
		return nil, fmt.Errorf("parsing archive.prune: %w", err)
	}
	job := gocron.CronJob(cron, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", cron)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// Start runs the prune schedule.
func (a *Archive) Start() {
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

// Save archives a terminal session.
func (a *Archive) Save(ctx context.Context, s model.Snapshot) error {
	r, err := FromSnapshot(a.bridge, s)
	if err != nil {
		return err
	}
	_, err = Save(ctx, a.db, r)
	return err
}

func (a *Archive) Get(ctx context.Context, uuid string) (RecordRow, error) {
	return Get(ctx, a.db, uuid)
}

func (a *Archive) List(ctx context.Context, limit int) ([]RecordRow, error) {
	return List(ctx, a.db, limit)
}

// Prune removes records which ended more than the retention period ago.
func (a *Archive) Prune(ctx context.Context) (int64, error) {
	n, err := Prune(ctx, a.db, a.now().Add(-a.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "archive pruned", "deleted", n)
	}
	return n, nil
}

func (a *Archive) Close() error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutting down gocron: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
