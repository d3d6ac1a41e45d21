package api

import (
	"net/http"
	"strings"

	"dropbeam/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		// A bare OPTIONS on the upload collection is protocol discovery, not
		// a CORS preflight.
		Skipper: func(c echo.Context) bool {
			req := c.Request()
			return req.Method == http.MethodOptions &&
				req.Header.Get(echo.HeaderAccessControlRequestMethod) == "" &&
				strings.HasPrefix(req.URL.Path, tusCollectionPrefix)
		},
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderContentType, echo.HeaderAuthorization,
			headerTusResumable, headerUploadLength, headerUploadOffset, headerUploadMeta,
			headerPassword, headerAccessToken, headerDeletionToken,
		},
		ExposeHeaders: []string{
			echo.HeaderLocation, headerTusResumable, headerTusVersion, headerTusExtension,
			headerTusMaxSize, headerUploadOffset, headerUploadLength, headerTransferID,
			headerDeletionToken,
		},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload creation only; chunk appends are bounded by the
	// number of open sessions.
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")

	// Transfers
	v1.POST("/transfers", handler.HandleCreateTransfer, uploadLimiter.Middleware())
	v1.POST("/upload", handler.HandleUpload, uploadLimiter.Middleware())
	v1.GET("/transfers/:id", handler.HandleGetTransfer)
	v1.POST("/transfers/:id/password", handler.HandleVerifyPassword)
	v1.GET("/transfers/:id/download", handler.HandleDownload)
	v1.GET("/transfers/:id/files/:fileId", handler.HandleDownloadFile)
	v1.GET("/transfers/:id/files/:fileId/preview", handler.HandlePreview)
	v1.DELETE("/transfers/:id", handler.HandleDelete)

	// Resumable uploads
	tus := v1.Group("/tus", TusResumable())
	tus.OPTIONS("", handler.HandleTusOptions)
	tus.POST("", handler.HandleTusCreate, uploadLimiter.Middleware())
	tus.HEAD("/:key", handler.HandleTusHead)
	tus.PATCH("/:key", handler.HandleTusPatch)
	tus.DELETE("/:key", handler.HandleTusDelete)

	// Admin
	admin := v1.Group("/admin", AdminAuth(cfg.AdminToken))
	admin.GET("/stats", handler.HandleStats)
	admin.POST("/cleanup", handler.HandleCleanup)
	admin.DELETE("/transfers/:id", handler.HandleAdminDelete)

	return e
}
