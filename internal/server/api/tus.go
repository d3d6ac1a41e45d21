package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"dropbeam/internal/server/service"
	"dropbeam/internal/server/upload"

	"github.com/labstack/echo/v4"
)

const (
	tusVersion    = "1.0.0"
	tusExtensions = "creation,termination"

	headerTusResumable  = "Tus-Resumable"
	headerTusVersion    = "Tus-Version"
	headerTusExtension  = "Tus-Extension"
	headerTusMaxSize    = "Tus-Max-Size"
	headerUploadOffset  = "Upload-Offset"
	headerUploadLength  = "Upload-Length"
	headerUploadMeta    = "Upload-Metadata"
	headerTransferID    = "Transfer-Id"
	contentTypeOffset   = "application/offset+octet-stream"
	tusCollectionPrefix = "/api/v1/tus"
)

// HandleTusOptions handles OPTIONS /api/v1/tus.
func (h *Handler) HandleTusOptions(c echo.Context) error {
	hdr := c.Response().Header()
	hdr.Set(headerTusVersion, tusVersion)
	hdr.Set(headerTusExtension, tusExtensions)
	hdr.Set(headerTusMaxSize, strconv.FormatInt(h.uploads.MaxSize(), 10))
	return c.NoContent(http.StatusNoContent)
}

// HandleTusCreate handles POST /api/v1/tus.
// Opens a resumable upload. Upload-Metadata names the file and either the
// transfer it joins or the options of a new single-file transfer. Joining
// requires the transfer's deletion token in X-Deletion-Token.
func (h *Handler) HandleTusCreate(c echo.Context) error {
	req := c.Request()

	size, err := strconv.ParseInt(req.Header.Get(headerUploadLength), 10, 64)
	if err != nil || size < 0 {
		return mapServiceError(c, &service.ValidationError{Field: headerUploadLength, Reason: "must be a non-negative integer"})
	}
	meta, err := parseMetadata(req.Header.Get(headerUploadMeta))
	if err != nil {
		return mapServiceError(c, err)
	}

	opts := service.TransferOptions{
		Password:    meta["password"],
		SenderEmail: meta["sender_email"],
		SenderName:  meta["sender_name"],
		Message:     meta["message"],
		IPAddress:   c.RealIP(),
		UserAgent:   req.UserAgent(),
	}
	if opts.ExpiresInDays, err = optionalInt(meta["expires_in_days"], "expires_in_days"); err != nil {
		return mapServiceError(c, err)
	}
	if opts.MaxDownloads, err = optionalInt(meta["max_downloads"], "max_downloads"); err != nil {
		return mapServiceError(c, err)
	}

	sess, t, err := h.uploads.CreateUpload(req.Context(), service.CreateUploadRequest{
		Filename: meta["filename"],
		MimeType: meta["filetype"],
		Size:     size,
		Transfer: meta["transfer"],
		Token:    req.Header.Get(headerDeletionToken),
		Options:  opts,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderLocation, h.baseURL+tusCollectionPrefix+"/"+sess.Key)
	hdr.Set(headerTransferID, t.UUID)
	hdr.Set(headerUploadOffset, strconv.FormatInt(sess.Offset, 10))
	if meta["transfer"] == "" {
		// The creator of a new transfer needs its deletion token.
		hdr.Set(headerDeletionToken, t.DeletionToken)
	}
	return c.NoContent(http.StatusCreated)
}

// HandleTusHead handles HEAD /api/v1/tus/:key.
func (h *Handler) HandleTusHead(c echo.Context) error {
	sess, err := h.uploads.Offset(c.Request().Context(), c.Param("key"))
	if err != nil {
		return mapServiceError(c, err)
	}
	writeSessionHeaders(c, sess)
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.NoContent(http.StatusOK)
}

// HandleTusPatch handles PATCH /api/v1/tus/:key.
// The final chunk returns only after the file reached permanent storage.
func (h *Handler) HandleTusPatch(c echo.Context) error {
	req := c.Request()
	if ct, _, _ := strings.Cut(req.Header.Get(echo.HeaderContentType), ";"); strings.TrimSpace(ct) != contentTypeOffset {
		return c.JSON(http.StatusUnsupportedMediaType, errorBody{
			Error:  "Content-Type must be " + contentTypeOffset,
			Reason: "content_type",
		})
	}
	offset, err := strconv.ParseInt(req.Header.Get(headerUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		return mapServiceError(c, &service.ValidationError{Field: headerUploadOffset, Reason: "must be a non-negative integer"})
	}

	sess, err := h.uploads.Append(req.Context(), c.Param("key"), offset, req.Body, req.ContentLength)
	if err != nil {
		if sess != nil {
			c.Response().Header().Set(headerUploadOffset, strconv.FormatInt(sess.Offset, 10))
		}
		return mapServiceError(c, err)
	}

	writeSessionHeaders(c, sess)
	return c.NoContent(http.StatusNoContent)
}

// HandleTusDelete handles DELETE /api/v1/tus/:key.
func (h *Handler) HandleTusDelete(c echo.Context) error {
	if err := h.uploads.Terminate(c.Request().Context(), c.Param("key")); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func writeSessionHeaders(c echo.Context, sess *upload.Session) {
	hdr := c.Response().Header()
	hdr.Set(headerUploadOffset, strconv.FormatInt(sess.Offset, 10))
	hdr.Set(headerUploadLength, strconv.FormatInt(sess.DeclaredSize, 10))
	hdr.Set(headerTransferID, sess.TransferUUID)
}

// parseMetadata decodes "key base64,key base64" pairs. A key may appear
// without a value.
func parseMetadata(raw string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, encoded, _ := strings.Cut(strings.TrimSpace(pair), " ")
		if key == "" {
			continue
		}
		value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, &service.ValidationError{Field: headerUploadMeta, Reason: "value of " + key + " is not base64"}
		}
		meta[key] = string(value)
	}
	return meta, nil
}
