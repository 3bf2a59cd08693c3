package app

import (
	"context"
	"time"

	"github.com/mx-space/imagetag/internal/config"
	pkgcron "github.com/mx-space/imagetag/internal/pkg/cron"
	"go.uber.org/zap"
)

const (
	jobRefreshTagLibrary = "refresh_tag_library"
	jobReloadConfig      = "reload_config"
)

// registerJobs registers the background jobs. A zero refresh interval keeps
// the tag library job manual-only.
func registerJobs(sched *pkgcron.Scheduler, a *App, cfg *config.AppConfig) {
	cronLogger := a.logger.Named("CronService")

	sched.Register(pkgcron.Job{
		Name:        jobRefreshTagLibrary,
		Description: "Reload the tag dataset from its configured source",
		Interval:    cfg.TagLibrary.RefreshInterval(),
		Fn: func(ctx context.Context) error {
			start := time.Now()
			if err := a.library.Reload(ctx); err != nil {
				cronLogger.Warn("tag library refresh failed", zap.String("ref", a.library.Ref()), zap.Error(err))
				return err
			}
			cronLogger.Info("tag library refreshed",
				zap.String("ref", a.library.Ref()),
				zap.Duration("took", time.Since(start)),
			)
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        jobReloadConfig,
		Description: "Re-read the configuration file and rebuild providers",
		Fn: func(ctx context.Context) error {
			_, err := a.Reload(ctx)
			return err
		},
	})
}
