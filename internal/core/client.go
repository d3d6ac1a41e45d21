package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	tusVersion        = "1.0.0"
	contentTypeOffset = "application/offset+octet-stream"
	headerOwnerToken  = "X-Deletion-Token"

	// DefaultChunkSize is the body size of one PATCH request.
	DefaultChunkSize int64 = 8 << 20
)

// APIError is a non-success response from the server.
type APIError struct {
	Status  int
	Message string `json:"error"`
	Reason  string `json:"reason"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	switch e.Status {
	case http.StatusConflict, http.StatusLocked, http.StatusTooManyRequests:
		return true
	}
	return e.Status >= 500
}

type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	ChunkSize  int64
	// MaxRetries bounds consecutive failed attempts per chunk (default: 8).
	MaxRetries int
}

// Client uploads files to a dropbeam server over the resumable protocol.
type Client struct {
	base       *url.URL
	http       *http.Client
	chunkSize  int64
	maxRetries int

	newBackOff func() backoff.BackOff
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &ValidationError{Arg: cfg.BaseURL, Cause: "server URL must be absolute"}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	return &Client{
		base:       base,
		http:       cfg.HTTPClient,
		chunkSize:  cfg.ChunkSize,
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 10 * time.Minute
			return b
		},
	}, nil
}

// TransferOptions are the sender's choices for a new transfer. Zero values
// leave the server defaults in place.
type TransferOptions struct {
	ExpiresInDays int
	MaxDownloads  int
	Password      string
	SenderName    string
	SenderEmail   string
	Message       string
}

type Transfer struct {
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

// Progress receives the committed offset of an item after every chunk.
type Progress func(item Item, sent int64)

// Send creates a transfer sized for the payload and uploads every item into
// it, in order. The returned transfer is usable once Send returns nil.
func (c *Client) Send(ctx context.Context, p *Payload, opts TransferOptions, progress Progress) (*Transfer, error) {
	if len(p.Items) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "nothing to upload"}
	}
	t, err := c.CreateTransfer(ctx, opts, len(p.Items))
	if err != nil {
		return nil, err
	}
	for _, item := range p.Items {
		if err := c.Upload(ctx, t, item, progress); err != nil {
			return t, fmt.Errorf("failed to upload %s: %w", item.Name, err)
		}
	}
	return t, nil
}

// CreateTransfer opens a transfer that will hold fileCount files.
func (c *Client) CreateTransfer(ctx context.Context, opts TransferOptions, fileCount int) (*Transfer, error) {
	body := struct {
		ExpiresInDays *int   `json:"expires_in_days,omitempty"`
		MaxDownloads  *int   `json:"max_downloads,omitempty"`
		Password      string `json:"password,omitempty"`
		SenderName    string `json:"sender_name,omitempty"`
		SenderEmail   string `json:"sender_email,omitempty"`
		Message       string `json:"message,omitempty"`
		FileCount     int    `json:"file_count"`
	}{
		Password:    opts.Password,
		SenderName:  opts.SenderName,
		SenderEmail: opts.SenderEmail,
		Message:     opts.Message,
		FileCount:   fileCount,
	}
	if opts.ExpiresInDays > 0 {
		body.ExpiresInDays = &opts.ExpiresInDays
	}
	if opts.MaxDownloads > 0 {
		body.MaxDownloads = &opts.MaxDownloads
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var t Transfer
	err = c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/transfers"), bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusCreated {
			return classify(readAPIError(res))
		}
		return json.NewDecoder(res.Body).Decode(&t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Upload sends one item into t, resuming from the server's offset after every
// failed chunk. t must carry the deletion token returned at creation.
func (c *Client) Upload(ctx context.Context, t *Transfer, item Item, progress Progress) error {
	f, err := os.Open(item.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	location, err := c.createUpload(ctx, t, item)
	if err != nil {
		return err
	}

	var offset int64
	for offset < item.Size {
		err := c.retry(ctx, func() error {
			n := min(c.chunkSize, item.Size-offset)
			next, err := c.patch(ctx, location, io.NewSectionReader(f, offset, n), offset, n)
			if err == nil {
				offset = next
				return nil
			}
			// Part of the chunk may have been committed; continue from what
			// the server holds.
			current, headErr := c.Offset(ctx, location)
			if headErr != nil {
				var apiErr *APIError
				if errors.As(headErr, &apiErr) && !apiErr.Temporary() {
					return backoff.Permanent(headErr)
				}
				return classify(err)
			}
			offset = current
			if offset >= item.Size {
				return nil
			}
			return classify(err)
		})
		if err != nil {
			return err
		}
		if progress != nil {
			progress(item, offset)
		}
	}
	return nil
}

// Offset asks the server how many bytes of the upload at location it holds.
func (c *Client) Offset(ctx context.Context, location string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, location, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, &APIError{Status: res.StatusCode}
	}
	return parseOffset(res)
}

func (c *Client) createUpload(ctx context.Context, t *Transfer, item Item) (string, error) {
	meta := encodeMetadata(
		"filename", item.Name,
		"filetype", mime.TypeByExtension(filepath.Ext(item.Name)),
		"transfer", t.UUID,
	)

	var location string
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/tus"), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Tus-Resumable", tusVersion)
		req.Header.Set("Upload-Length", strconv.FormatInt(item.Size, 10))
		req.Header.Set("Upload-Metadata", meta)
		req.Header.Set(headerOwnerToken, t.DeletionToken)
		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusCreated {
			return classify(readAPIError(res))
		}

		loc, err := c.base.Parse(res.Header.Get("Location"))
		if err != nil || res.Header.Get("Location") == "" {
			return backoff.Permanent(fmt.Errorf("server returned no upload location"))
		}
		location = loc.String()
		return nil
	})
	return location, err
}

func (c *Client) patch(ctx context.Context, location string, body io.Reader, offset, n int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, body)
	if err != nil {
		return 0, err
	}
	req.ContentLength = n
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Content-Type", contentTypeOffset)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))

	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return 0, readAPIError(res)
	}
	return parseOffset(res)
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.Retry(op, b)
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// classify stops retries for errors a repeat cannot fix.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func readAPIError(res *http.Response) error {
	apiErr := &APIError{Status: res.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}

func parseOffset(res *http.Response) (int64, error) {
	offset, err := strconv.ParseInt(res.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("server returned invalid Upload-Offset %q", res.Header.Get("Upload-Offset"))
	}
	return offset, nil
}

func encodeMetadata(pairs ...string) string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		out = append(out, pairs[i]+" "+base64.StdEncoding.EncodeToString([]byte(pairs[i+1])))
	}
	return strings.Join(out, ",")
}
