package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"campus/internal/attendance"
	"campus/internal/auth"
	"campus/internal/config"
	"campus/internal/httpmiddleware"
	"campus/internal/metrics"
	"campus/internal/notify"
	"campus/internal/queue"
	"campus/internal/report"
	"campus/internal/store"
	"campus/internal/users"
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
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect failed: %w", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "campus:notices")
	}

	attRepo := attendance.NewRepository(db.Client)
	att := attendance.NewService(attRepo, cfg.SessionTTL, cfg.QRFreshness)

	usrRepo := users.NewRepository(db.Client)
	usr := users.NewService(usrRepo)

	ntf := notify.NewService(notify.NewRepository(db.Client), usrRepo)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Public auth routes carry no token yet, so their limiter can only
	// key by client IP.
	pubAuth := r.Group("/v1/auth", httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	pubAuth.POST("/register", func(c *gin.Context) {
		var req struct {
			Name     string `json:"name" binding:"required"`
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
			Role     string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		u, err := usr.Register(c.Request.Context(), req.Name, req.Email, req.Password, req.Role)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, users.ErrEmailTaken) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, u)
	})

	pubAuth.POST("/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		u, err := usr.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, users.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}

		tokens, err := auth.Issue(u.ID, u.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if err := usrRepo.SaveRefreshToken(c.Request.Context(), u.ID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			log.Printf("refresh token save failed for %s: %v", u.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          u.Role,
		})
	})

	// Refresh rotates the presented token: the old row is revoked and a
	// new pair is issued, so a replayed refresh token dies on arrival.
	pubAuth.POST("/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if err := usr.RotateRefresh(c.Request.Context(), claims.Subject, req.RefreshToken); err != nil {
			if errors.Is(err, users.ErrRefreshInvalid) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}

		tokens, err := auth.Issue(claims.Subject, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if err := usrRepo.SaveRefreshToken(c.Request.Context(), claims.Subject, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			log.Printf("refresh token save failed for %s: %v", claims.Subject, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          claims.Role,
		})
	})

	// The authenticated limiter runs after Bearer so its buckets key on
	// the JWT subject rather than the shared campus NAT's IP.
	authed := r.Group("/v1",
		auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer),
		httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware(),
	)

	// Session issuance. Faculty clients call this every ~30s while a
	// session is live; each call supersedes the previous one and
	// rotates the displayed code and QR.
	authed.POST("/sessions", auth.RequireRole("faculty"), func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Course  string `json:"course"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, _ := auth.FromContext(c)
		issued, err := att.StartSession(c.Request.Context(), claims.Subject, req.Subject, req.Course)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		metrics.SessionsIssued.Inc()
		c.JSON(http.StatusCreated, issued)
	})

	// PNG rendering of the faculty's current QR payload.
	authed.GET("/sessions/current/qr", auth.RequireRole("faculty"), func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		_, qrData, err := att.CurrentSession(c.Request.Context(), claims.Subject)
		if err != nil {
			status, reason := markFailure(err)
			c.JSON(status, gin.H{"error": err.Error(), "reason": reason})
			return
		}
		png, err := qrcode.Encode(qrData, qrcode.Medium, 300)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	authed.POST("/attendance/mark", auth.RequireRole("student"), func(c *gin.Context) {
		var req struct {
			ManualCode string `json:"manual_code"`
			QRData     string `json:"qr_data"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if (req.ManualCode == "") == (req.QRData == "") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide exactly one of manual_code or qr_data"})
			return
		}

		claims, _ := auth.FromContext(c)
		rec, err := att.Mark(c.Request.Context(), claims.Subject, req.ManualCode, req.QRData)
		if err != nil {
			status, reason := markFailure(err)
			metrics.Marks.WithLabelValues(reason).Inc()
			c.JSON(status, gin.H{"ok": false, "reason": reason, "message": err.Error()})
			return
		}
		metrics.Marks.WithLabelValues("ok").Inc()
		c.JSON(http.StatusCreated, gin.H{
			"ok":      true,
			"message": fmt.Sprintf("Attendance recorded for %s", rec.Subject),
			"record":  rec,
		})
	})

	authed.GET("/attendance", auth.RequireRole("student"), func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		records, err := att.ListForStudent(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	// Printable history. Students may fetch their own; faculty and
	// admin may fetch anyone's.
	authed.GET("/students/:id/report.pdf", func(c *gin.Context) {
		studentID := c.Param("id")
		claims, _ := auth.FromContext(c)
		if claims.Role == "student" && claims.Subject != studentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your report"})
			return
		}

		records, err := att.ListForStudent(c.Request.Context(), studentID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		pdf, err := report.Student(studentID, records)
		if err != nil {
			log.Printf("report build failed for %s: %v", studentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "report generation failed"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=attendance-%s.pdf", studentID))
		c.Data(http.StatusOK, "application/pdf", pdf)
	})

	authed.POST("/notices", auth.RequireRole("faculty", "admin"), func(c *gin.Context) {
		var req struct {
			Title    string `json:"title" binding:"required"`
			Body     string `json:"body" binding:"required"`
			Audience string `json:"audience" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notice, err := ntf.Publish(c.Request.Context(), req.Title, req.Body, req.Audience)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		metrics.NoticesPublished.Inc()

		if err := q.Publish(c.Request.Context(), queue.Message{Type: "notice", Body: []byte(notice.ID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
		c.JSON(http.StatusCreated, notice)
	})

	authed.GET("/notices", func(c *gin.Context) {
		notices, err := ntf.ListNotices(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notices": notices})
	})

	authed.GET("/notifications", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		list, err := ntf.ListForRecipient(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": list})
	})

	authed.POST("/notifications/:id/read", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		if err := ntf.MarkRead(c.Request.Context(), claims.Subject, c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// markFailure maps the attendance failure taxonomy onto an HTTP status
// and a machine-readable reason.
func markFailure(err error) (int, string) {
	switch {
	case errors.Is(err, attendance.ErrSessionInvalid):
		return http.StatusBadRequest, "session_invalid"
	case errors.Is(err, attendance.ErrSessionExpired):
		return http.StatusBadRequest, "session_expired"
	case errors.Is(err, attendance.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	case errors.Is(err, attendance.ErrPayloadExpired):
		return http.StatusBadRequest, "payload_expired"
	case errors.Is(err, attendance.ErrAlreadyMarked):
		return http.StatusConflict, "already_marked"
	default:
		return http.StatusInternalServerError, "server_error"
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
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
