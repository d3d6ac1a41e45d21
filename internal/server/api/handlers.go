package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/service"
	"dropbeam/internal/server/storage"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const (
	headerPassword      = "X-Transfer-Password"
	headerAccessToken   = "X-Access-Token"
	headerDeletionToken = "X-Deletion-Token"
)

// HealthCheck probes one dependency for GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains the HTTP handlers for the transfer API.
type Handler struct {
	transfers  *service.TransferService
	uploads    *service.UploadService
	gate       *service.AccessGate
	sweeper    *storage.Sweeper
	checks     []HealthCheck
	baseURL    string
	adminToken string
	now        func() time.Time
}

// HandlerConfig bundles the dependencies of a Handler.
type HandlerConfig struct {
	Transfers  *service.TransferService
	Uploads    *service.UploadService
	Gate       *service.AccessGate
	Sweeper    *storage.Sweeper
	Checks     []HealthCheck
	BaseURL    string
	AdminToken string
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		transfers:  cfg.Transfers,
		uploads:    cfg.Uploads,
		gate:       cfg.Gate,
		sweeper:    cfg.Sweeper,
		checks:     cfg.Checks,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		adminToken: cfg.AdminToken,
		now:        time.Now,
	}
}

type createTransferRequest struct {
	ExpiresInDays *int   `json:"expires_in_days"`
	MaxDownloads  *int   `json:"max_downloads"`
	Password      string `json:"password"`
	SenderEmail   string `json:"sender_email"`
	SenderName    string `json:"sender_name"`
	Message       string `json:"message"`
	FileCount     int    `json:"file_count"`
}

type transferCreated struct {
	UUID          string     `json:"uuid"`
	Hash          string     `json:"hash"`
	Status        string     `json:"status"`
	DeletionToken string     `json:"deletion_token"`
	ShareURL      string     `json:"share_url"`
	DownloadURL   string     `json:"download_url"`
	ExpiryAt      *time.Time `json:"expiry_at"`
	FileCount     int        `json:"file_count"`
	TotalSize     int64      `json:"total_size"`
}

type fileView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Ready    bool   `json:"ready"`
}

type transferView struct {
	UUID              string     `json:"uuid"`
	Hash              string     `json:"hash"`
	Status            string     `json:"status"`
	Files             []fileView `json:"files"`
	FileCount         int        `json:"file_count"`
	TotalSize         int64      `json:"total_size"`
	ExpiryAt          *time.Time `json:"expiry_at"`
	PasswordProtected bool       `json:"password_protected"`
	DownloadCount     int        `json:"download_count"`
	MaxDownloads      *int       `json:"max_downloads"`
	SenderName        *string    `json:"sender_name,omitempty"`
	Message           *string    `json:"message,omitempty"`
	ShareURL          string     `json:"share_url"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (h *Handler) created(t *database.Transfer) transferCreated {
	return transferCreated{
		UUID:          t.UUID,
		Hash:          t.Hash,
		Status:        service.Status(t, h.now()),
		DeletionToken: t.DeletionToken,
		ShareURL:      h.transfers.ShareURL(t),
		DownloadURL:   h.transfers.DownloadURL(t),
		ExpiryAt:      t.ExpiryAt,
		FileCount:     t.FileCount,
		TotalSize:     t.TotalSize,
	}
}

func (r createTransferRequest) options(c echo.Context) service.TransferOptions {
	return service.TransferOptions{
		ExpiresInDays: r.ExpiresInDays,
		MaxDownloads:  r.MaxDownloads,
		Password:      r.Password,
		SenderEmail:   r.SenderEmail,
		SenderName:    r.SenderName,
		Message:       r.Message,
		FileCount:     r.FileCount,
		IPAddress:     c.RealIP(),
		UserAgent:     c.Request().UserAgent(),
	}
}

// HandleCreateTransfer handles POST /api/v1/transfers.
// Creates an empty transfer that files are then uploaded into.
func (h *Handler) HandleCreateTransfer(c echo.Context) error {
	var req createTransferRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(c, &service.ValidationError{Field: "body", Reason: "malformed JSON"})
	}
	if req.FileCount == 0 {
		req.FileCount = 1
	}

	t, err := h.transfers.Create(c.Request().Context(), req.options(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, h.created(t))
}

// HandleUpload handles POST /api/v1/upload.
// Accepts a multipart form with one or more "files" fields plus the transfer
// options as form values. Every file is in permanent storage on return.
func (h *Handler) HandleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return mapServiceError(c, &service.ValidationError{Field: "files", Reason: "multipart form expected"})
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}

	opts, err := formOptions(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	parts := make([]service.FilePart, 0, len(headers))
	for _, fh := range headers {
		parts = append(parts, service.FilePart{
			Filename: fh.Filename,
			MimeType: fh.Header.Get(echo.HeaderContentType),
			Size:     fh.Size,
			Open:     openPart(fh),
		})
	}

	t, err := h.uploads.UploadFiles(c.Request().Context(), opts, parts)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, h.created(t))
}

func openPart(fh *multipart.FileHeader) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return fh.Open() }
}

func formOptions(c echo.Context) (service.TransferOptions, error) {
	opts := service.TransferOptions{
		Password:    c.FormValue("password"),
		SenderEmail: c.FormValue("sender_email"),
		SenderName:  c.FormValue("sender_name"),
		Message:     c.FormValue("message"),
		IPAddress:   c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
	}
	var err error
	if opts.ExpiresInDays, err = optionalInt(c.FormValue("expires_in_days"), "expires_in_days"); err != nil {
		return opts, err
	}
	if opts.MaxDownloads, err = optionalInt(c.FormValue("max_downloads"), "max_downloads"); err != nil {
		return opts, err
	}
	return opts, nil
}

func optionalInt(raw, field string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &service.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return &v, nil
}

// HandleGetTransfer handles GET /api/v1/transfers/:id.
// Metadata is visible without the password; contents are not.
func (h *Handler) HandleGetTransfer(c echo.Context) error {
	t, err := h.gate.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	view := transferView{
		UUID:              t.UUID,
		Hash:              t.Hash,
		Status:            service.Status(t, h.now()),
		Files:             make([]fileView, 0, len(t.Files)),
		FileCount:         t.FileCount,
		TotalSize:         t.TotalSize,
		ExpiryAt:          t.ExpiryAt,
		PasswordProtected: service.IsPasswordProtected(t),
		DownloadCount:     t.DownloadCount,
		MaxDownloads:      t.MaxDownloads,
		SenderName:        t.SenderName,
		Message:           t.Message,
		ShareURL:          h.transfers.ShareURL(t),
		CreatedAt:         t.CreatedAt,
	}
	for _, f := range t.Files {
		view.Files = append(view.Files, fileView{
			ID:       f.ID,
			Name:     f.OriginalName,
			Size:     f.Size,
			MimeType: f.MimeType,
			Ready:    f.Finalized(),
		})
	}
	return c.JSON(http.StatusOK, view)
}

func credentials(c echo.Context) service.Credentials {
	cred := service.Credentials{
		Password: c.Request().Header.Get(headerPassword),
		Token:    c.Request().Header.Get(headerAccessToken),
		ClientID: c.RealIP(),
	}
	if cred.Password == "" {
		cred.Password = c.QueryParam("password")
	}
	if cred.Token == "" {
		cred.Token = c.QueryParam("token")
	}
	return cred
}

// HandleVerifyPassword handles POST /api/v1/transfers/:id/password.
func (h *Handler) HandleVerifyPassword(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return mapServiceError(c, &service.ValidationError{Field: "body", Reason: "malformed JSON"})
	}

	grant, err := h.gate.VerifyPassword(c.Request().Context(), c.Param("id"), service.Credentials{
		Password: body.Password,
		ClientID: c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, grant)
}

// HandleDownload handles GET /api/v1/transfers/:id/download.
// Streams every file of the transfer as one zip archive.
func (h *Handler) HandleDownload(c echo.Context) error {
	ctx := c.Request().Context()
	t, err := h.gate.Authorize(ctx, c.Param("id"), credentials(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	if err := h.gate.RecordDownload(ctx, t, service.DownloadArchive, c.RealIP()); err != nil {
		return mapServiceError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/zip")
	res.Header().Set(echo.HeaderContentDisposition, contentDisposition("attachment", "transfer-"+t.Hash+".zip"))
	res.WriteHeader(http.StatusOK)

	if err := h.transfers.WriteArchive(ctx, res, t); err != nil {
		// Headers are gone; all that is left is to cut the stream short.
		slog.Error("archive download aborted", "transfer_uuid", t.UUID, "error", err)
	}
	return nil
}

// HandleDownloadFile handles GET /api/v1/transfers/:id/files/:fileId.
// A ranged request that does not start at byte 0 continues an earlier
// download and is not counted again.
func (h *Handler) HandleDownloadFile(c echo.Context) error {
	ctx := c.Request().Context()
	fileID, err := strconv.ParseInt(c.Param("fileId"), 10, 64)
	if err != nil {
		return mapServiceError(c, fmt.Errorf("%w: file %q", service.ErrNotFound, c.Param("fileId")))
	}

	t, err := h.gate.Authorize(ctx, c.Param("id"), credentials(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	file, rc, err := h.transfers.OpenFile(ctx, t, fileID)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer rc.Close()

	if countsAsDownload(c.Request().Header.Get("Range")) {
		if err := h.gate.RecordDownload(ctx, t, service.DownloadFile, c.RealIP()); err != nil {
			return mapServiceError(c, err)
		}
	}
	return serveContent(c, file, rc, "attachment")
}

// HandlePreview handles GET /api/v1/transfers/:id/files/:fileId/preview.
// Images are served inline and do not count as downloads.
func (h *Handler) HandlePreview(c echo.Context) error {
	ctx := c.Request().Context()
	fileID, err := strconv.ParseInt(c.Param("fileId"), 10, 64)
	if err != nil {
		return mapServiceError(c, fmt.Errorf("%w: file %q", service.ErrNotFound, c.Param("fileId")))
	}

	t, err := h.gate.Authorize(ctx, c.Param("id"), credentials(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	file, rc, err := h.transfers.OpenPreview(ctx, t, fileID)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer rc.Close()

	return serveContent(c, file, rc, "inline")
}

// countsAsDownload reports whether a request starts a new download. Only a
// single range with an explicit start past byte 0 continues an earlier one;
// suffix ranges and multi-range requests can cover the whole file.
func countsAsDownload(rangeHeader string) bool {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(rangeHeader), "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return true
	}
	first, _, ok := strings.Cut(ranges, "-")
	if !ok {
		return true
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	return err != nil || start == 0
}

// serveContent writes a stored file. Seekable backends get range support.
func serveContent(c echo.Context, file *database.TransferFile, rc io.ReadCloser, disposition string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, file.MimeType)
	res.Header().Set(echo.HeaderContentDisposition, contentDisposition(disposition, file.OriginalName))
	if file.Checksum != nil {
		res.Header().Set("ETag", `"`+*file.Checksum+`"`)
	}

	modified := file.CreatedAt
	if file.FinalizedAt != nil {
		modified = *file.FinalizedAt
	}
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(res, c.Request(), file.OriginalName, modified, rs)
		return nil
	}

	res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(file.Size, 10))
	res.WriteHeader(http.StatusOK)
	if _, err := io.Copy(res, rc); err != nil {
		slog.Warn("download interrupted", "file_id", file.ID, "error", err)
	}
	return nil
}

func contentDisposition(kind, filename string) string {
	if v := mime.FormatMediaType(kind, map[string]string{"filename": filename}); v != "" {
		return v
	}
	return kind
}

// HandleDelete handles DELETE /api/v1/transfers/:id.
// Requires the deletion token issued at creation, or the admin bearer token.
func (h *Handler) HandleDelete(c echo.Context) error {
	admin := false
	if auth := c.Request().Header.Get(echo.HeaderAuthorization); auth != "" {
		bearer, _ := strings.CutPrefix(auth, "Bearer ")
		admin = isAdminToken(h.adminToken, bearer)
	}

	if err := h.transfers.Delete(c.Request().Context(), c.Param("id"), c.Request().Header.Get(headerDeletionToken), admin); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "transfer deleted successfully",
	})
}

// HandleAdminDelete handles DELETE /api/v1/admin/transfers/:id.
func (h *Handler) HandleAdminDelete(c echo.Context) error {
	if err := h.transfers.Delete(c.Request().Context(), c.Param("id"), "", true); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "transfer deleted successfully",
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server and each dependency.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	resp := echo.Map{}

	for _, hc := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		err := hc.Check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			resp[hc.Name] = fmt.Sprintf("error: %v", err)
			continue
		}
		resp[hc.Name] = "connected"
	}

	resp["status"] = status
	return c.JSON(http.StatusOK, resp)
}

// HandleStats handles GET /api/v1/admin/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.transfers.Stats(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_transfers":    stats.TotalTransfers,
		"active_transfers":   stats.ActiveTransfers,
		"expired_transfers":  stats.ExpiredTransfers,
		"total_files":        stats.TotalFiles,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanize.IBytes(uint64(stats.StorageUsed)),
	})
}

// HandleCleanup handles POST /api/v1/admin/cleanup.
// Runs the retention sweeper now; ?dry_run=true only reports.
func (h *Handler) HandleCleanup(c echo.Context) error {
	dryRun, _ := strconv.ParseBool(c.QueryParam("dry_run"))

	report, err := h.sweeper.Run(c.Request().Context(), dryRun)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, struct {
		*storage.CleanupReport
		BytesFreedHuman string `json:"bytes_freed_human"`
	}{report, humanize.IBytes(uint64(report.BytesFreed))})
}
