package main

import (
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/dynamo"
	"classtrack/internal/geo"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/insights"
	"classtrack/internal/notify"
	"classtrack/internal/postgres"
	"classtrack/internal/report"
	"classtrack/internal/schedule"
	"classtrack/internal/store"
	"classtrack/internal/token"
)

var (
	checkinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})
	checkoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_checkouts_total",
		Help: "Check-out attempts by outcome.",
	}, []string{"outcome"})
	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_reports_total",
		Help: "Report queries by kind.",
	}, []string{"kind"})
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("invalid timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var (
		recStore attendance.Store
		db       *store.DB
	)
	switch cfg.StoreBackend {
	case "dynamo":
		client, err := store.NewDynamoClient(context.Background(), cfg.AWSRegion)
		if err != nil {
			return err
		}
		recStore = dynamo.NewStore(client, cfg.DynamoTable)
		log.Printf("using DynamoDB table %s", cfg.DynamoTable)
	default:
		db, err = store.NewDB(cfg.DatabaseURL)
		if db == nil {
			return err
		}
		if err != nil {
			log.Printf("warning: db not reachable: %v", err)
		}
		defer func() {
			if db != nil {
				_ = db.Close()
			}
		}()
		recStore = postgres.NewStore(db.Client)
	}

	var bus notify.Bus
	if cfg.NotifyBackend == "memory" {
		bus = notify.NewInMemory(64)
	} else {
		bus = notify.NewRedisBus(redisClient.Client, cfg.NotifyKey)
	}

	sched := schedule.New(cfg.ScheduleServiceURL, cfg.ScheduleSkip, redisClient.Client, cfg.ScheduleCacheTTL)
	signer := token.NewSigner(cfg.TokenSecret)

	svc := attendance.NewService(recStore, sched, signer, bus, attendance.Rules{
		GracePeriod:          cfg.GracePeriod,
		GeofenceRadiusMeters: cfg.GeofenceRadiusMeters,
		RequireGeofence:      cfg.RequireGeofence,
		TokenTTL:             cfg.TokenTTL,
		Location:             loc,
	})
	reports := report.NewGenerator(recStore)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		storeHealthy := true
		if cfg.StoreBackend != "dynamo" {
			storeHealthy = db.Healthy(c.Request.Context())
		}
		status := http.StatusOK
		if !redisHealthy || !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "store": storeHealthy})
	})

	// Dev-only: mint a caller token locally instead of going through the
	// identity service.
	if cfg.DevTokenMint {
		r.POST("/v1/auth/token", func(c *gin.Context) {
			var req struct {
				UserID string   `json:"user_id" binding:"required"`
				Name   string   `json:"name"`
				Roles  []string `json:"roles"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			signed, exp, err := auth.Issue(req.UserID, req.Name, req.Roles, cfg.JWTIssuer, cfg.JWTSigningKey, 15*time.Minute)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"access_token": signed, "expires_at": exp.Unix()})
		})
	}

	authGroup := r.Group("/v1", auth.Middleware(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/attendance/checkin", func(c *gin.Context) {
		var req struct {
			ClassID   string     `json:"class_id" binding:"required"`
			Token     string     `json:"token"`
			Location  *geo.Point `json:"location"`
			Timestamp string     `json:"timestamp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Location != nil && !req.Location.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
			return
		}
		ts, ok := parseTimestamp(c, req.Timestamp)
		if !ok {
			return
		}

		res, err := svc.CheckIn(c.Request.Context(), auth.CallerIdentity(c), req.ClassID, req.Token, req.Location, ts)
		if err != nil {
			checkinsTotal.WithLabelValues("rejected").Inc()
			respondError(c, err)
			return
		}
		checkinsTotal.WithLabelValues("ok").Inc()
		c.JSON(http.StatusCreated, res)
	})

	authGroup.POST("/attendance/checkout", func(c *gin.Context) {
		var req struct {
			AttendanceID string     `json:"attendance_id" binding:"required"`
			Location     *geo.Point `json:"location"`
			Timestamp    string     `json:"timestamp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Location != nil && !req.Location.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
			return
		}
		ts, ok := parseTimestamp(c, req.Timestamp)
		if !ok {
			return
		}

		res, err := svc.CheckOut(c.Request.Context(), auth.CallerIdentity(c), req.AttendanceID, req.Location, ts)
		if err != nil {
			checkoutsTotal.WithLabelValues("rejected").Inc()
			respondError(c, err)
			return
		}
		checkoutsTotal.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, res)
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		caller := auth.CallerIdentity(c)
		now := time.Now().In(loc)
		from := c.DefaultQuery("from", now.AddDate(0, 0, -30).Format(attendance.DateLayout))
		to := c.DefaultQuery("to", now.Format(attendance.DateLayout))
		page := attendance.Page{Cursor: c.Query("cursor"), Limit: attendance.DefaultPageLimit}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				page.Limit = parsed
			}
		}

		recs, next, err := svc.ListForUser(c.Request.Context(), caller.UserID, from, to, page)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs, "next_cursor": next})
	})

	authGroup.POST("/classes/:id/token", func(c *gin.Context) {
		tok, err := svc.IssueToken(c.Request.Context(), auth.CallerIdentity(c), c.Param("id"), time.Now().UTC())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token.Encode(tok), "expires_at": tok.ExpiresAt})
	})

	authGroup.GET("/reports", func(c *gin.Context) {
		kind, err := report.ParseKind(c.DefaultQuery("kind", "summary"))
		if err != nil {
			respondError(c, err)
			return
		}
		now := time.Now().In(loc)
		from := c.DefaultQuery("from", now.Format(attendance.DateLayout))
		to := c.DefaultQuery("to", now.Format(attendance.DateLayout))
		filters := report.Filters{ClassID: c.Query("class_id"), StudentID: c.Query("student_id")}

		rep, err := reports.Generate(c.Request.Context(), kind, from, to, filters)
		if err != nil {
			respondError(c, err)
			return
		}
		reportsTotal.WithLabelValues(string(kind)).Inc()

		if c.DefaultQuery("format", "json") == "csv" {
			data, err := rep.CSV()
			if err != nil {
				respondError(c, err)
				return
			}
			c.Header("Content-Disposition", `attachment; filename="`+string(kind)+`_`+from+`_`+to+`.csv"`)
			c.Data(http.StatusOK, "text/csv", data)
			return
		}
		c.JSON(http.StatusOK, rep)
	})

	authGroup.GET("/analytics", func(c *gin.Context) {
		period, err := insights.ParsePeriod(c.DefaultQuery("period", "week"))
		if err != nil {
			respondError(c, err)
			return
		}
		from, to := insights.Range(period, time.Now(), loc)
		filters := report.Filters{ClassID: c.Query("class_id"), StudentID: c.Query("student_id")}

		recs, err := reports.Fetch(c.Request.Context(), from, to, filters)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, insights.Build(period, from, to, recs))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// parseTimestamp resolves the optional request timestamp, defaulting to now.
// A malformed value aborts with 400.
func parseTimestamp(c *gin.Context, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Now().UTC(), true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timestamp, want RFC3339"})
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// respondError maps the engine's error taxonomy to HTTP statuses in one
// place so handlers stay uniform.
func respondError(c *gin.Context, err error) {
	var oor *attendance.OutOfRangeError
	switch {
	case errors.As(err, &oor):
		c.JSON(http.StatusForbidden, gin.H{
			"error":                 "outside allowed radius",
			"distance_meters":       math.Round(oor.DistanceMeters),
			"allowed_radius_meters": oor.RadiusMeters,
		})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrAlreadyCheckedIn),
		errors.Is(err, attendance.ErrAlreadyCheckedOut),
		errors.Is(err, attendance.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidToken),
		errors.Is(err, attendance.ErrInvalidTimestamp),
		errors.Is(err, report.ErrBadKind),
		errors.Is(err, insights.ErrBadPeriod):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
