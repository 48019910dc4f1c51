package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"media-stream/internal/cache"
	"media-stream/internal/domain"
	"media-stream/internal/downloader"
	"media-stream/internal/events"
	"media-stream/internal/service"
	"media-stream/internal/storage"
)

// Options carries the collaborators of the API. Storage may be nil when no
// bucket is configured.
type Options struct {
	Downloads service.DownloadService
	Manager   downloader.Manager
	Users     service.UserService
	Bus       *events.Bus
	Cache     *cache.Locations
	Storage   storage.Service
	Bucket    string
	Gatherer  prometheus.Gatherer
	Logger    *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	downloads service.DownloadService
	manager   downloader.Manager
	users     service.UserService
	bus       *events.Bus
	cache     *cache.Locations
	storage   storage.Service
	bucket    string
	gatherer  prometheus.Gatherer
	logger    *logrus.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		downloads: opts.Downloads,
		manager:   opts.Manager,
		users:     opts.Users,
		bus:       opts.Bus,
		cache:     opts.Cache,
		storage:   opts.Storage,
		bucket:    opts.Bucket,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "active_downloads": h.manager.ActiveCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	auth := router.Group("/api/auth")
	{
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
	}

	api := router.Group("/api", h.requireAuth())
	{
		api.GET("/auth/me", h.me)
		api.POST("/downloads", h.createDownload)
		api.GET("/downloads", h.listDownloads)
		api.GET("/downloads/:id", h.getDownload)
		api.DELETE("/downloads/:id", h.deleteDownload)
		api.GET("/downloads/:id/ws", h.streamEvents)
		api.GET("/downloads/:id/archive-url", h.archiveURL)
		api.GET("/cache", h.cacheUsage)
		api.DELETE("/cache/:kind", h.clearCache)
		api.GET("/storage/objects", h.listObjects)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps domain and service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidJob),
		errors.Is(err, domain.ErrInvalidMagnet),
		errors.Is(err, domain.ErrInvalidTorrentFile),
		errors.Is(err, service.ErrInvalidUserInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidRegistrationPassword):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUserAlreadyExists),
		errors.Is(err, domain.ErrCacheInUse),
		errors.Is(err, domain.ErrStillStopping):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid download id"})
		return 0, false
	}
	return id, true
}

const timeLayout = time.RFC3339

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}
