// Package server exposes the operator surface: fetch status, manual
// fetch triggers, backfills, and the stored usage series.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tollway/internal/config"
	statusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/scheduler"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"github.com/smallbiznis/tollway/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(Tracing())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type ServerParams struct {
	fx.In

	Engine    *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	Scheduler *scheduler.Scheduler
	Statuses  statusdomain.Store
	Reader    usagedomain.Reader
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	scheduler *scheduler.Scheduler
	statuses  statusdomain.Store
	reader    usagedomain.Reader
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:    p.Engine,
		cfg:       p.Cfg,
		log:       p.Log.Named("server"),
		scheduler: p.Scheduler,
		statuses:  p.Statuses,
		reader:    p.Reader,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/fetch-status", s.listFetchStatus)
	v1.GET("/fetch-status/:provider", s.listFetchStatus)
	v1.POST("/fetch-jobs", s.triggerFetch)
	v1.POST("/fetch-jobs/unpark", s.unparkFetch)
	v1.GET("/usage-events", s.listUsageEvents)
}

type fetchStatusResponse struct {
	Provider            string     `json:"provider"`
	OrgID               string     `json:"org_id"`
	Status              string     `json:"status"`
	Parked              bool       `json:"parked"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
}

func (s *Server) listFetchStatus(c *gin.Context) {
	provider := providerdomain.Provider(c.Param("provider"))
	if provider != "" && !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	rows, err := s.statuses.List(c.Request.Context(), provider)
	if err != nil {
		s.log.Error("list fetch status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]fetchStatusResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, fetchStatusResponse{
			Provider:            string(row.Provider),
			OrgID:               row.OrgID,
			Status:              string(row.Status),
			Parked:              row.Parked,
			ConsecutiveFailures: row.ConsecutiveFailures,
			LastError:           row.LastError,
			LastAttemptAt:       row.LastAttemptAt,
			LastSuccessAt:       row.LastSuccessAt,
			NextRunAt:           row.NextRunAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"statuses": out})
}

type triggerFetchRequest struct {
	Provider string `json:"provider" binding:"required"`
	OrgID    string `json:"org_id" binding:"required"`
	Backfill *struct {
		From string `json:"from" binding:"required"`
		To   string `json:"to" binding:"required"`
	} `json:"backfill"`
}

func (s *Server) triggerFetch(c *gin.Context) {
	var req triggerFetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := providerdomain.Provider(req.Provider)
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	key := statusdomain.JobKey{Provider: provider, OrgID: req.OrgID}

	if req.Backfill != nil {
		from, err := time.Parse("2006-01-02", req.Backfill.From)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backfill.from"})
			return
		}
		to, err := time.Parse("2006-01-02", req.Backfill.To)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backfill.to"})
			return
		}

		scheduled, err := s.scheduler.ScheduleBackfill(c.Request.Context(), key, from, to)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "scheduled": scheduled})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"scheduled": scheduled})
		return
	}

	if err := s.scheduler.ScheduleFetch(c.Request.Context(), key, time.Time{}); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled": 1})
}

type unparkRequest struct {
	Provider string `json:"provider" binding:"required"`
	OrgID    string `json:"org_id" binding:"required"`
}

// unparkFetch clears the parked marker and resets the failure streak so
// the pair re-enters the normal cadence.
func (s *Server) unparkFetch(c *gin.Context) {
	var req unparkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := providerdomain.Provider(req.Provider)
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	key := statusdomain.JobKey{Provider: provider, OrgID: req.OrgID}

	if err := s.statuses.Apply(c.Request.Context(), statusdomain.Update{
		Key:           key,
		Status:        statusdomain.StatusPending,
		ResetFailures: true,
	}); err != nil {
		s.log.Error("unpark fetch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.scheduler.Unpark(key)
	c.JSON(http.StatusOK, gin.H{"status": "unparked"})
}

func (s *Server) listUsageEvents(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if page.PageSize <= 0 {
		page.PageSize = 50
	}
	if page.PageSize > 250 {
		page.PageSize = 250
	}

	req := usagedomain.ListRequest{
		Provider: providerdomain.Provider(c.Query("provider")),
		OrgID:    c.Query("org_id"),
		Limit:    page.PageSize + 1,
	}
	if req.Provider != "" && !req.Provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_token"})
			return
		}
		afterTime, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_token"})
			return
		}
		afterID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_token"})
			return
		}
		req.AfterTime = afterTime
		req.AfterID = afterID
	}
	if from := c.Query("from"); from != "" {
		parsed, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		req.From = parsed
	}
	if to := c.Query("to"); to != "" {
		parsed, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		req.To = parsed
	}

	events, err := s.reader.List(c.Request.Context(), req)
	if err != nil {
		s.log.Error("list usage events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	events, info := pagination.BuildCursorPageInfo(events, page.PageSize, func(ev usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        strconv.FormatInt(int64(ev.ID), 10),
			CreatedAt: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	c.JSON(http.StatusOK, gin.H{"events": events, "page_info": info})
}
