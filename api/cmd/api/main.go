package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rootsense/api/internal/classify"
	"rootsense/api/internal/middleware"
	"rootsense/api/internal/models"
	"rootsense/api/internal/repos"
	"rootsense/api/internal/treeview"
	"rootsense/api/internal/upload"
	"rootsense/shared/authx"
	"rootsense/shared/cachex"
	"rootsense/shared/clients/blobstore"
	"rootsense/shared/clients/vision"
	"rootsense/shared/config"
	"rootsense/shared/dbx"
	"rootsense/shared/events"
	"rootsense/shared/httpx"
	"rootsense/shared/influxx"
	"rootsense/shared/logx"
	"rootsense/shared/metricsx"
	"rootsense/shared/observability"
	"rootsense/shared/workflow"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type issueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Location    string `json:"location"`
}

type issueStatusRequest struct {
	Status string `json:"status"`
}

type trendPoint struct {
	Time          time.Time `json:"time"`
	GreenCoverage float64   `json:"green_coverage"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	cache, err := cachex.New(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to initialize cache"})
		logger.Warn(context.Background(), "cache_init_failed", "cache init failed", slog.String("error", err.Error()))
	}
	cacheTTL := time.Duration(cfg.CacheTTLSec) * time.Second

	outboxRepo := repos.NewOutboxRepo(dbPool)
	treesRepo := repos.NewTreesRepo(dbPool, outboxRepo, logger)
	issuesRepo := repos.NewIssuesRepo(dbPool, outboxRepo)
	departmentsRepo := repos.NewDepartmentsRepo(dbPool)
	impactRepo := repos.NewImpactRepo(dbPool)
	activityRepo := repos.NewActivityRepo(dbPool)
	usersRepo := repos.NewUsersRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	visionClient, err := vision.New(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "VISION_SERVICE_URL", Message: "failed to initialize vision client"})
	}
	blobClient, err := blobstore.New(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "BLOBSTORE_URL", Message: "failed to initialize blob store client"})
	}

	influxClient, err := influxx.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "influx_init_failed", "health trend disabled", slog.String("error", err.Error()))
	} else {
		defer influxClient.Close()
	}

	invalidate := func(ctx context.Context, keys ...string) {
		if cache == nil {
			return
		}
		for _, key := range keys {
			if err := cache.Delete(ctx, key); err != nil {
				logger.Debug(ctx, "cache_invalidate_failed", "cache invalidate failed",
					slog.String("key", key), slog.String("error", err.Error()))
			}
		}
	}

	var uploads *upload.Manager
	if visionClient != nil && blobClient != nil {
		uploads = upload.NewManager(visionClient, blobClient, treesRepo, upload.Options{
			AnalyzeTimeout: time.Duration(cfg.AnalyzeTimeoutMS) * time.Millisecond,
			SessionTTL:     time.Duration(cfg.SessionTTLSec) * time.Second,
			MaxImageBytes:  cfg.MaxImageBytes,
		}, logger)
		uploads.OnSaved = func(ctx context.Context, tree models.Tree) {
			invalidate(ctx, cachex.KeyTreeList, cachex.KeyLeaderboard, cachex.KeyImpactStats)
			logger.Info(ctx, "tree_saved", "tree saved",
				slog.String("tree_id", tree.TreeID),
				slog.String("location", tree.Location),
				slog.String("health", tree.Health),
			)
		}
	}

	// Abandoned sessions expire in the background so a closed laptop never
	// pins a subject's one-session slot forever.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if uploads != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case now := <-ticker.C:
					if swept := uploads.SweepExpired(now.UTC()); swept > 0 {
						logger.Info(sweepCtx, "upload_sessions_swept", "expired upload sessions closed",
							slog.Int("count", swept))
					}
				}
			}
		}()
	}

	touchUser := func(ctx context.Context, auth authx.AuthContext) {
		if dbPool == nil {
			return
		}
		if _, err := usersRepo.UpsertFromToken(ctx, auth.Subject, auth.Email, auth.Name, auth.Department); err != nil {
			logger.Warn(ctx, "user_upsert_failed", "user upsert failed",
				slog.String("subject", auth.Subject), slog.String("error", err.Error()))
		}
	}

	requireAuth := func(w http.ResponseWriter, r *http.Request) (authx.AuthContext, bool) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return authx.AuthContext{}, false
		}
		return auth, true
	}

	requireUploads := func(w http.ResponseWriter, r *http.Request) bool {
		if uploads == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "upload pipeline not configured", nil)
			return false
		}
		return true
	}

	loadTrees := func(ctx context.Context) ([]models.Tree, error) {
		var trees []models.Tree
		if cache != nil {
			if hit, err := cache.GetJSON(ctx, cachex.KeyTreeList, &trees); err == nil && hit {
				return trees, nil
			}
		}
		trees, err := treesRepo.List(ctx)
		if err != nil {
			return nil, err
		}
		if cache != nil {
			if err := cache.SetJSON(ctx, cachex.KeyTreeList, trees, cacheTTL); err != nil {
				logger.Debug(ctx, "cache_set_failed", "tree list cache set failed", slog.String("error", err.Error()))
			}
		}
		return trees, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok {
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject":    auth.Subject,
			"email":      auth.Email,
			"name":       auth.Name,
			"department": auth.Department,
		})
	})

	mux.HandleFunc("GET /api/v1/trees", func(w http.ResponseWriter, r *http.Request) {
		trees, err := loadTrees(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list trees", nil)
			return
		}
		query := r.URL.Query().Get("q")
		health := r.URL.Query().Get("health")
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"trees": treeview.Filter(trees, query, health),
			"stats": treeview.Summarize(trees),
		})
	})

	mux.HandleFunc("GET /api/v1/trees/{treeId}", func(w http.ResponseWriter, r *http.Request) {
		tree, err := treesRepo.GetByTreeID(r.Context(), r.PathValue("treeId"))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tree not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load tree", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, tree)
	})

	mux.HandleFunc("POST /api/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok || !requireUploads(w, r) {
			return
		}
		touchUser(r.Context(), auth)
		view, err := uploads.Open(upload.Owner{
			Subject:    auth.Subject,
			Name:       auth.Name,
			Department: auth.Department,
		})
		if err != nil {
			writeUploadError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, view)
	})

	mux.HandleFunc("GET /api/v1/uploads/{id}", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok || !requireUploads(w, r) {
			return
		}
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid session id", nil)
			return
		}
		view, err := uploads.Get(sessionID, auth.Subject)
		if err != nil {
			writeUploadError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /api/v1/uploads/{id}/image", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok || !requireUploads(w, r) {
			return
		}
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid session id", nil)
			return
		}
		image, contentType, err := readImage(w, r, cfg.MaxImageBytes)
		if err != nil {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "image exceeds the size limit", nil)
			return
		}
		view, err := uploads.SelectImage(r.Context(), sessionID, auth.Subject, image, contentType)
		if err != nil {
			writeUploadError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, view)
	})

	mux.HandleFunc("POST /api/v1/uploads/{id}/save", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok || !requireUploads(w, r) {
			return
		}
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid session id", nil)
			return
		}
		var input upload.SaveInput
		if err := httpx.ReadJSON(w, r, &input, 1<<20); err != nil && !errors.Is(err, io.EOF) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		touchUser(r.Context(), auth)

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(cfg.SaveTimeoutMS)*time.Millisecond)
		defer cancel()
		tree, err := uploads.Save(ctx, sessionID, auth.Subject, input)
		if err != nil {
			writeUploadError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, tree)
	})

	mux.HandleFunc("DELETE /api/v1/uploads/{id}", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok || !requireUploads(w, r) {
			return
		}
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid session id", nil)
			return
		}
		if err := uploads.Close(sessionID, auth.Subject); err != nil {
			writeUploadError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/issues", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok {
			return
		}
		var req issueRequest
		if err := httpx.ReadJSON(w, r, &req, 1<<20); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		req.Title = strings.TrimSpace(req.Title)
		if req.Title == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "title is required", nil)
			return
		}
		touchUser(r.Context(), auth)

		text := req.Title + " " + req.Description
		issueType := strings.TrimSpace(req.Type)
		if issueType == "" {
			issueType = classify.IssueType(text)
		}
		priority := strings.TrimSpace(req.Priority)
		if priority == "" {
			priority = classify.Priority(text)
		}

		issue := models.Issue{
			IssueID:     uuid.New(),
			Title:       req.Title,
			Description: strings.TrimSpace(req.Description),
			Type:        issueType,
			Priority:    priority,
			Status:      workflow.IssueStatusOpen,
			Location:    strings.TrimSpace(req.Location),
			ReportedBy:  auth.Subject,
			Department:  auth.Department,
		}
		payload, err := issueActivityPayload(events.EventIssueReported, issue, actorName(auth))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode event", nil)
			return
		}
		issue, err = issuesRepo.Create(r.Context(), issue, payload)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create issue", nil)
			return
		}
		invalidate(r.Context(), cachex.KeyLeaderboard, cachex.KeyImpactStats)
		httpx.WriteJSON(w, http.StatusCreated, issue)
	})

	mux.HandleFunc("GET /api/v1/issues", func(w http.ResponseWriter, r *http.Request) {
		status := workflow.NormalizeIssueStatus(r.URL.Query().Get("status"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		issues, err := issuesRepo.List(r.Context(), status, r.URL.Query().Get("type"), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list issues", nil)
			return
		}
		if issues == nil {
			issues = []models.Issue{}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"issues": issues})
	})

	mux.HandleFunc("POST /api/v1/issues/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := requireAuth(w, r)
		if !ok {
			return
		}
		issueID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid issue id", nil)
			return
		}
		var req issueStatusRequest
		if err := httpx.ReadJSON(w, r, &req, 1<<20); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		toStatus := workflow.NormalizeIssueStatus(req.Status)
		known := false
		for _, s := range workflow.AllIssueStatuses() {
			if s == toStatus {
				known = true
			}
		}
		if !known {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown status", nil)
			return
		}
		touchUser(r.Context(), auth)

		// Payload is built against the post-transition shape; the repo only
		// writes it alongside a transition that actually happened.
		current, err := issuesRepo.GetByID(r.Context(), issueID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load issue", nil)
			return
		}
		eventType := workflow.EventTypeForTransition(current.Status, toStatus)
		current.Status = toStatus
		payload, err := issueActivityPayload(eventType, current, actorName(auth))
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode event", nil)
			return
		}

		issue, changed, err := issuesRepo.Transition(r.Context(), issueID, toStatus, auth.Subject, payload)
		if err != nil {
			if errors.Is(err, repos.ErrInvalidIssueTransition) {
				httpx.WriteError(w, r, http.StatusConflict, "INVALID_TRANSITION", "issue cannot move to that status", nil)
				return
			}
			if errors.Is(err, pgx.ErrNoRows) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update issue", nil)
			return
		}
		if changed {
			invalidate(r.Context(), cachex.KeyLeaderboard, cachex.KeyImpactStats)
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"issue": issue, "changed": changed})
	})

	mux.HandleFunc("GET /api/v1/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		var scores []models.DepartmentScore
		if cache != nil {
			if hit, err := cache.GetJSON(r.Context(), cachex.KeyLeaderboard, &scores); err == nil && hit {
				httpx.WriteJSON(w, http.StatusOK, map[string]any{"leaderboard": scores})
				return
			}
		}
		scores, err := departmentsRepo.Leaderboard(r.Context(), 20)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to build leaderboard", nil)
			return
		}
		if scores == nil {
			scores = []models.DepartmentScore{}
		}
		if cache != nil {
			_ = cache.SetJSON(r.Context(), cachex.KeyLeaderboard, scores, cacheTTL)
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"leaderboard": scores})
	})

	mux.HandleFunc("GET /api/v1/impact", func(w http.ResponseWriter, r *http.Request) {
		var stats models.ImpactStats
		if cache != nil {
			if hit, err := cache.GetJSON(r.Context(), cachex.KeyImpactStats, &stats); err == nil && hit {
				httpx.WriteJSON(w, http.StatusOK, stats)
				return
			}
		}
		stats, err := impactRepo.Stats(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute impact stats", nil)
			return
		}
		if cache != nil {
			_ = cache.SetJSON(r.Context(), cachex.KeyImpactStats, stats, cacheTTL)
		}
		httpx.WriteJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("GET /api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := activityRepo.ListRecent(r.Context(), limit)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list activity", nil)
			return
		}
		if items == nil {
			items = []models.ActivityItem{}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"activity": items})
	})

	mux.HandleFunc("GET /api/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		trees, err := loadTrees(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load dashboard", nil)
			return
		}
		scores, err := departmentsRepo.Leaderboard(r.Context(), 5)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load dashboard", nil)
			return
		}
		stats, err := impactRepo.Stats(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load dashboard", nil)
			return
		}
		activity, err := activityRepo.ListRecent(r.Context(), 10)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load dashboard", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"tree_stats":  treeview.Summarize(trees),
			"leaderboard": scores,
			"impact":      stats,
			"activity":    activity,
		})
	})

	mux.HandleFunc("GET /api/v1/trends/health", func(w http.ResponseWriter, r *http.Request) {
		if influxClient == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "trend store not configured", nil)
			return
		}
		months, _ := strconv.Atoi(r.URL.Query().Get("months"))
		result, err := influxClient.Query(r.Context(), influxClient.HealthTrendFlux(months))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadGateway, "TREND_QUERY_FAILED", "trend query failed", nil)
			return
		}
		points := []trendPoint{}
		for result.Next() {
			record := result.Record()
			value, ok := record.Value().(float64)
			if !ok {
				continue
			}
			points = append(points, trendPoint{Time: record.Time(), GreenCoverage: value})
		}
		if err := result.Err(); err != nil {
			httpx.WriteError(w, r, http.StatusBadGateway, "TREND_QUERY_FAILED", "trend query failed", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"points": points})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: skipInfra,
	}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     skipInfra,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	stopSweep()
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// readImage accepts either a multipart form with an "image" part or a raw
// image body. The manager re-checks size and content type; the cap here only
// bounds how much gets buffered.
func readImage(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, string, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, "", err
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
		if err != nil {
			return nil, "", err
		}
		return data, header.Header.Get("Content-Type"), nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "upload session not found", nil)
	case errors.Is(err, upload.ErrSessionExists):
		httpx.WriteError(w, r, http.StatusConflict, "SESSION_EXISTS", "an upload session is already open", nil)
	case errors.Is(err, upload.ErrNotOwner):
		httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "upload session belongs to another user", nil)
	case errors.Is(err, upload.ErrInvalidStateChange):
		httpx.WriteError(w, r, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, upload.ErrNoImage):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "no image selected", nil)
	case errors.Is(err, upload.ErrImageTooLarge):
		httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "image exceeds the size limit", nil)
	case errors.Is(err, upload.ErrUnsupportedImage):
		httpx.WriteError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_IMAGE", "unsupported image type", nil)
	default:
		var analysisErr *vision.AnalysisError
		if errors.As(err, &analysisErr) {
			httpx.WriteError(w, r, http.StatusBadGateway, "ANALYSIS_FAILED", analysisErr.Error(), nil)
			return
		}
		var storeErr *blobstore.StoreError
		if errors.As(err, &storeErr) {
			httpx.WriteError(w, r, http.StatusBadGateway, "BLOB_UPLOAD_FAILED", "image upload failed", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}

func issueActivityPayload(eventType string, issue models.Issue, actor string) ([]byte, error) {
	body, err := json.Marshal(events.IssuePayload{
		IssueID:    issue.IssueID,
		Title:      issue.Title,
		Type:       issue.Type,
		Priority:   issue.Priority,
		Status:     issue.Status,
		Location:   issue.Location,
		ReportedBy: actor,
		Department: issue.Department,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(events.Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Now().UTC(),
		AggregateType: "issue",
		AggregateID:   issue.IssueID,
		EventType:     eventType,
		Payload:       body,
	})
}

func actorName(auth authx.AuthContext) string {
	if auth.Name != "" {
		return auth.Name
	}
	return auth.Subject
}
