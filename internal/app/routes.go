package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/imagetag/internal/config"
	"github.com/mx-space/imagetag/internal/database"
	"github.com/mx-space/imagetag/internal/middleware"
	pkgcron "github.com/mx-space/imagetag/internal/pkg/cron"
	"github.com/mx-space/imagetag/internal/pkg/nativelog"
	"github.com/mx-space/imagetag/internal/pkg/response"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const logStreamBuffer = 512

func (a *App) registerRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/health", a.health)

	secured := api.Group("", middleware.Auth(func() string { return a.Config().APIToken }))
	secured.GET("/logs/stream", a.streamLogs)
	secured.POST("/config/reload", a.reloadConfig)
	secured.GET("/tasks", func(c *gin.Context) { response.OK(c, a.sched.List()) })
	secured.POST("/tasks/:name/run", a.runTask)

	limited := secured.Group("", middleware.RateLimit(a.redisRaw(), a.Config().RateLimit, time.Minute, a.logger))
	a.handler.RegisterRoutes(limited)
}

func (a *App) health(c *gin.Context) {
	cfg := a.Config()
	status := "ok"
	code := http.StatusOK

	redisState := "disabled"
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx); err != nil {
			redisState = "down"
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			redisState = "ok"
		}
	}

	dbState := "disabled"
	if a.db != nil {
		if err := database.Ping(c.Request.Context(), a.db); err != nil {
			dbState = "down"
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			dbState = "ok"
		}
	}

	body := gin.H{
		"status":      status,
		"uptime":      humanizeDuration(time.Since(processStart)),
		"provider":    cfg.AI.Provider,
		"redis":       redisState,
		"database":    dbState,
		"tag_library": a.tagLibraryStatus(c.Request.Context(), cfg),
		"batch":       gin.H{"running": a.batch.Running()},
	}
	if cfg.AI.Failover.Enabled {
		body["backup_provider"] = cfg.AI.Failover.BackupProvider
	}
	c.JSON(code, body)
}

// tagLibraryStatus describes the vocabulary the normalizer resolves
// against for the configured tag language.
func (a *App) tagLibraryStatus(ctx context.Context, cfg *config.AppConfig) gin.H {
	status := gin.H{"ref": a.library.Ref(), "loaded": false}
	text, err := a.library.Text(ctx)
	if err != nil {
		status["error"] = err.Error()
		return status
	}
	idx := a.normalizer.Index(text, cfg.Generation.Settings().TagLanguage)
	status["loaded"] = true
	status["format"] = idx.Format().String()
	status["language"] = idx.Language()
	status["entries"] = idx.Len()
	return status
}

func (a *App) streamLogs(c *gin.Context) {
	id, stream := nativelog.DefaultHub().Subscribe(logStreamBuffer)
	defer nativelog.DefaultHub().Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-stream:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			c.SSEvent("log", line)
			c.Writer.Flush()
		}
	}
}

func (a *App) reloadConfig(c *gin.Context) {
	next, err := a.Reload(c.Request.Context())
	if err != nil {
		response.UnprocessableEntity(c, err.Error())
		return
	}
	response.OK(c, gin.H{
		"provider": next.AI.Provider,
		"failover": next.AI.Failover.Enabled,
	})
}

func (a *App) runTask(c *gin.Context) {
	name := c.Param("name")
	if c.Query("wait") == "true" {
		info, err := a.sched.RunSync(c.Request.Context(), name)
		if err != nil {
			a.taskError(c, err)
			return
		}
		response.OK(c, info)
		return
	}
	if err := a.sched.Run(context.WithoutCancel(c.Request.Context()), name); err != nil {
		a.taskError(c, err)
		return
	}
	response.Accepted(c, gin.H{"message": "job triggered"})
}

func (a *App) taskError(c *gin.Context, err error) {
	if errors.Is(err, pkgcron.ErrJobNotFound) {
		response.NotFoundMsg(c, err.Error())
		return
	}
	response.InternalError(c, err)
}
