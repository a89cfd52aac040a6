package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/auth"
	"qrattend/internal/checkin"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/qrimage"
	"qrattend/internal/queue"
	"qrattend/internal/registry"
	"qrattend/internal/report"
	"qrattend/internal/stats"
	"qrattend/internal/store"
	"qrattend/internal/token"
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

// deps bundles everything the router needs, so tests can wire memory
// backends through the same code path.
type deps struct {
	cfg     config.App
	tokens  token.Store
	ledger  checkin.Ledger
	agg     stats.Aggregator
	svc     *checkin.Service
	dir     registry.Directory
	q       queue.Queue
	refresh auth.RefreshStore
	cdn     *cloudinary.Client
	healthy func(ctx context.Context) (db, redis bool)
}

func runHTTP(cfg config.App) error {
	var d deps
	d.cfg = cfg

	redisClient := store.NewRedis(cfg.RedisAddr)

	var db *store.DB
	if cfg.StoreBackend == "memory" {
		mem := token.NewMemoryStore()
		ledger := checkin.NewMemoryLedger()
		mem.Referenced = ledger.HasForToken
		d.tokens = mem
		d.ledger = ledger
		d.agg = stats.NewMemoryAggregator()
		d.refresh = auth.NewMemoryRefreshStore()
		log.Println("store backend: memory (non-durable)")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect failed: %w", err)
		}
		defer db.Close()
		if err := store.Migrate(context.Background(), db.Client); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
		d.tokens = token.NewPostgresStore(db.Client)
		d.ledger = checkin.NewPostgresLedger(db.Client)
		d.agg = stats.NewPostgresAggregator(db.Client)
		d.refresh = auth.NewPostgresRefreshStore(db.Client)
	}

	if cfg.QueueBackend == "memory" {
		d.q = queue.NewInMemory(64)
	} else {
		d.q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	d.dir = registry.New(cfg.RegistryURL, cfg.RegistrySkip)
	if cfg.RegistrySkip {
		log.Println("registry skip enabled: all actors eligible")
	}

	d.svc = checkin.NewService(d.tokens, d.ledger, d.agg, d.dir)

	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		d.cdn = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	}

	d.healthy = func(ctx context.Context) (bool, bool) {
		return db != nil || cfg.StoreBackend == "memory", redisClient.Healthy(ctx)
	}

	r := buildRouter(d)

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

func buildRouter(d deps) *gin.Engine {
	cfg := d.cfg

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
		dbOK, redisOK := true, true
		if d.healthy != nil {
			dbOK, redisOK = d.healthy(c.Request.Context())
		}
		status := http.StatusOK
		if !dbOK || !redisOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "db": dbOK, "redis": redisOK})
	})

	r.POST("/v1/actors/register", func(c *gin.Context) {
		var req struct {
			ActorID string `json:"actor_id" binding:"required"`
			Role    string `json:"role" binding:"required,oneof=student lecturer"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.ActorID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = d.refresh.SaveRefreshToken(c.Request.Context(), req.ActorID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	lecturer := authGroup.Group("", auth.RequireRole(auth.RoleLecturer))
	student := authGroup.Group("", auth.RequireRole(auth.RoleStudent))

	lecturer.POST("/tokens", func(c *gin.Context) {
		var req struct {
			CourseID   string    `json:"course_id" binding:"required"`
			ValidFrom  time.Time `json:"valid_from" binding:"required"`
			ValidUntil time.Time `json:"valid_until" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.ClaimsFrom(c)

		owns, err := d.dir.CourseBelongsToIssuer(c.Request.Context(), req.CourseID, claims.Subject)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "course registry unavailable"})
			return
		}
		if !owns {
			c.JSON(http.StatusForbidden, gin.H{"error": "course does not belong to issuer"})
			return
		}

		tok, err := d.tokens.Issue(c.Request.Context(), req.CourseID, claims.Subject, req.ValidFrom, req.ValidUntil)
		if err != nil {
			if errors.Is(err, token.ErrInvalidWindow) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "validity window must span at least 24 hours"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, tokenView(tok, time.Now().UTC(), cfg.BaseURL))
	})

	authGroup.GET("/tokens", func(c *gin.Context) {
		courseID := c.Query("course_id")
		if courseID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "course_id required"})
			return
		}
		toks, err := d.tokens.ListByCourse(c.Request.Context(), courseID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		now := time.Now().UTC()
		views := make([]gin.H, 0, len(toks))
		for _, tok := range toks {
			views = append(views, tokenView(tok, now, cfg.BaseURL))
		}
		c.JSON(http.StatusOK, gin.H{"tokens": views})
	})

	authGroup.GET("/tokens/:id", func(c *gin.Context) {
		tok, err := d.tokens.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			tokenStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, tokenView(tok, time.Now().UTC(), cfg.BaseURL))
	})

	lecturer.POST("/tokens/:id/deactivate", func(c *gin.Context) {
		tok, err := d.tokens.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			tokenStoreError(c, err)
			return
		}
		if !issuerOwns(c, tok) {
			return
		}
		if err := d.tokens.Deactivate(c.Request.Context(), tok.ID); err != nil {
			tokenStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
	})

	lecturer.PUT("/tokens/:id/window", func(c *gin.Context) {
		var req struct {
			ValidFrom  time.Time `json:"valid_from" binding:"required"`
			ValidUntil time.Time `json:"valid_until" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tok, err := d.tokens.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			tokenStoreError(c, err)
			return
		}
		if !issuerOwns(c, tok) {
			return
		}
		updated, err := d.tokens.UpdateWindow(c.Request.Context(), tok.ID, req.ValidFrom, req.ValidUntil)
		if err != nil {
			if errors.Is(err, token.ErrInvalidWindow) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "validity window must span at least 24 hours"})
				return
			}
			tokenStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, tokenView(updated, time.Now().UTC(), cfg.BaseURL))
	})

	lecturer.DELETE("/tokens/:id", func(c *gin.Context) {
		tok, err := d.tokens.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			tokenStoreError(c, err)
			return
		}
		if !issuerOwns(c, tok) {
			return
		}
		// refuse deletion once scans reference the token; no silent cascade
		if has, err := d.ledger.HasForToken(c.Request.Context(), tok.ID); err == nil && has {
			c.JSON(http.StatusConflict, gin.H{"error": "token has recorded check-ins"})
			return
		}
		if err := d.tokens.Delete(c.Request.Context(), tok.ID); err != nil {
			if errors.Is(err, token.ErrHasCheckIns) {
				c.JSON(http.StatusConflict, gin.H{"error": "token has recorded check-ins"})
				return
			}
			tokenStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})

	authGroup.GET("/tokens/:id/qr.png", func(c *gin.Context) {
		tok, err := d.tokens.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			tokenStoreError(c, err)
			return
		}
		scanURL := qrimage.ScanURL(cfg.BaseURL, tok.ID)
		png, err := qrimage.PNG(scanURL, qrimage.DefaultSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		if c.Query("hosted") == "1" {
			if d.cdn == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image hosting not configured"})
				return
			}
			result, err := d.cdn.UploadPNG(png, "qr-"+tok.ID)
			if err != nil {
				log.Printf("qr upload failed: %v", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"url": result.SecureURL, "public_id": result.PublicID})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	student.GET("/scan/:token_id", func(c *gin.Context) {
		claims, _ := auth.ClaimsFrom(c)
		now := time.Now().UTC()

		rec, err := d.svc.Scan(c.Request.Context(), c.Param("token_id"), claims.Subject, now,
			c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			scanError(c, err)
			return
		}

		if msg, err := queue.EncodeCheckIn(queue.CheckInEvent{StudentID: rec.StudentID, CourseID: rec.CourseID}); err == nil {
			if err := d.q.Publish(c.Request.Context(), msg); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(http.StatusCreated, gin.H{
			"message":  "attendance marked",
			"check_in": rec,
		})
	})

	lecturer.POST("/checkins/manual", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			CourseID  string `json:"course_id" binding:"required"`
			TokenID   string `json:"token_id" binding:"required"`
			Status    string `json:"status" binding:"omitempty,oneof=present absent late excused"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status := checkin.Status(req.Status)
		if status == "" {
			status = checkin.StatusPresent
		}
		rec, err := d.svc.RecordManual(c.Request.Context(), req.StudentID, req.CourseID, req.TokenID, status, time.Now().UTC())
		if err != nil {
			scanError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"check_in": rec})
	})

	authGroup.GET("/checkins", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}

		var (
			recs []checkin.CheckIn
			err  error
		)
		switch {
		case c.Query("student_id") != "":
			recs, err = d.ledger.ListForStudent(c.Request.Context(), c.Query("student_id"), limit, offset)
		case c.Query("course_id") != "":
			recs, err = d.ledger.ListForCourse(c.Request.Context(), c.Query("course_id"), limit, offset)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "student_id or course_id required"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"check_ins": recs})
	})

	authGroup.GET("/stats", func(c *gin.Context) {
		studentID, courseID := c.Query("student_id"), c.Query("course_id")
		switch {
		case studentID != "" && courseID != "":
			st, err := d.agg.Get(c.Request.Context(), studentID, courseID)
			if err != nil {
				if errors.Is(err, stats.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "no attendance recorded for this pair"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, st)
		case studentID != "":
			rows, err := d.agg.ListForStudent(c.Request.Context(), studentID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"stats": rows})
		case courseID != "":
			rows, err := d.agg.ListForCourse(c.Request.Context(), courseID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"stats": rows})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "student_id or course_id required"})
		}
	})

	lecturer.GET("/courses/:id/report.csv", func(c *gin.Context) {
		courseID := c.Param("id")
		rows, err := d.agg.ListForCourse(c.Request.Context(), courseID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="course_attendance_`+courseID+`.csv"`)
		c.Header("Content-Type", "text/csv")
		c.Status(http.StatusOK)
		if err := report.CourseCSV(c.Writer, courseID, rows); err != nil {
			log.Printf("report write failed: %v", err)
		}
	})

	return r
}

// tokenView augments a token with its evaluated status and scan URL.
func tokenView(tok token.Token, now time.Time, baseURL string) gin.H {
	return gin.H{
		"token":          tok,
		"status":         token.Evaluate(tok, now),
		"days_remaining": token.DaysRemaining(tok, now),
		"scan_url":       qrimage.ScanURL(baseURL, tok.ID),
	}
}

// issuerOwns rejects lecturer operations on tokens issued for someone else's
// course. Writes the response itself when ownership fails.
func issuerOwns(c *gin.Context, tok token.Token) bool {
	claims, _ := auth.ClaimsFrom(c)
	if tok.IssuerID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "token belongs to another issuer"})
		return false
	}
	return true
}

func tokenStoreError(c *gin.Context, err error) {
	if errors.Is(err, token.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// scanError maps the check-in taxonomy onto distinct responses. AlreadyRecorded
// is deliberately a 200: the student's attendance stands, nothing changed.
func scanError(c *gin.Context, err error) {
	var invalid *checkin.InvalidTokenError
	switch {
	case errors.Is(err, checkin.ErrAlreadyRecorded):
		c.JSON(http.StatusOK, gin.H{"status": "already_recorded", "message": "attendance already marked for today"})
	case errors.Is(err, checkin.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
	case errors.As(err, &invalid):
		c.JSON(http.StatusForbidden, gin.H{"error": invalid.Error(), "reason": string(invalid.Reason)})
	case errors.Is(err, checkin.ErrActorIneligible):
		c.JSON(http.StatusForbidden, gin.H{"error": "complete your student profile before checking in"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
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
