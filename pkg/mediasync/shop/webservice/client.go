// Package webservice is an HTTP client for a shop's product image API.
//
// Endpoints, relative to the configured base URL:
//
//	POST {base}/products/{id}/images/bulk   multipart upload, one part per image
//	PUT  {base}/products/{id}/images/cover  {"image_id": "..."}
//	GET  {base}/products/{id}/images        {"images": [...]}
//	GET  {image url}                        raw image bytes
//
// Requests authenticate with the shop API key as basic-auth user name and
// are throttled per shop.
package webservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"go.uber.org/zap"
)

// maxResponseSize is the maximum allowed JSON response size (10MB)
const maxResponseSize = 10 * 1024 * 1024

// maxImageSize is the maximum allowed downloaded image size (50MB)
const maxImageSize = 50 * 1024 * 1024

const defaultTimeout = 60 * time.Second

// maxRateLimitRetries bounds how often a 429 answer is retried in place
const maxRateLimitRetries = 3

// ErrResponseTooLarge indicates the shop sent more than the allowed bytes
var ErrResponseTooLarge = errors.New("webservice: response too large")

// APIError is a non-2xx answer from the shop.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("webservice: %s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Config for a shop client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// MinInterval is the minimum gap between two requests to this shop
	MinInterval time.Duration
}

// Client implements mediasync.ShopClient over HTTP.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for one shop
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("webservice: base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("webservice: invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(cfg.MinInterval),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("webservice").With(zap.String("shop", base.Host))
	return c, nil
}

func (c *Client) productURL(ownerRemoteID string, parts ...string) string {
	p := append([]string{"products", url.PathEscape(ownerRemoteID), "images"}, parts...)
	return c.baseURL.ResolveReference(&url.URL{Path: strings.Join(p, "/")}).String()
}

// doRequest sends the request built by newReq, retrying in place when the
// shop answers 429. newReq is called once per attempt so bodies can be replayed.
func (c *Client) doRequest(ctx context.Context, newReq func() (*http.Request, error), limit int64) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("webservice: failed to build request: %w", err)
		}
		if c.apiKey != "" {
			req.SetBasicAuth(c.apiKey, "")
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webservice: %s %s: %w", req.Method, req.URL, err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := c.limiter.Backoff(resp.Header.Get("Retry-After"))
			c.logger.Warn("rate limited by shop", zap.String("url", req.URL.String()), zap.Duration("retry_after", wait))
			continue
		}
		if readErr != nil {
			return nil, fmt.Errorf("webservice: failed to read response: %w", readErr)
		}
		if int64(len(body)) > limit {
			return nil, ErrResponseTooLarge
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Method:     req.Method,
				URL:        req.URL.String(),
				Body:       truncate(string(body), 512),
			}
		}
		return body, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type bulkManifestEntry struct {
	AssetID  string `json:"asset_id"`
	Field    string `json:"field"`
	FileName string `json:"file_name"`
	Position int    `json:"position"`
	Cover    bool   `json:"cover"`
}

type bulkResponse struct {
	Uploaded []mediasync.UploadedImage `json:"uploaded"`
	Skipped  []string                  `json:"skipped"`
	Errors   []struct {
		AssetID string `json:"asset_id"`
		Error   string `json:"error"`
	} `json:"errors"`
}

// BulkUploadImages posts all images in one multipart request.
func (c *Client) BulkUploadImages(ctx context.Context, ownerRemoteID string, images []mediasync.UploadImage) (*mediasync.BulkUploadResult, error) {
	body, contentType, err := encodeBulk(images)
	if err != nil {
		return nil, err
	}

	target := c.productURL(ownerRemoteID, "bulk")
	raw, err := c.doRequest(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, maxResponseSize)
	if err != nil {
		return nil, err
	}

	var parsed bulkResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("webservice: invalid bulk upload response: %w", err)
	}

	result := &mediasync.BulkUploadResult{Uploaded: parsed.Uploaded}
	for _, id := range parsed.Skipped {
		if u, err := parseAssetID(id); err == nil {
			result.Skipped = append(result.Skipped, u)
		}
	}
	for _, e := range parsed.Errors {
		u, err := parseAssetID(e.AssetID)
		if err != nil {
			c.logger.Warn("bulk upload error for unknown asset", zap.String("asset_id", e.AssetID), zap.String("error", e.Error))
			continue
		}
		result.Errors = append(result.Errors, mediasync.UploadFailure{AssetID: u, Error: e.Error})
	}
	return result, nil
}

func parseAssetID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func encodeBulk(images []mediasync.UploadImage) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	manifest := make([]bulkManifestEntry, len(images))
	for i, img := range images {
		field := fmt.Sprintf("image_%d", i)
		manifest[i] = bulkManifestEntry{
			AssetID:  img.AssetID.String(),
			Field:    field,
			FileName: img.FileName,
			Position: img.Position,
			Cover:    img.Cover,
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(img.FileName)))
		mimeType := img.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("webservice: failed to encode image part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", fmt.Errorf("webservice: failed to encode image part: %w", err)
		}
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("manifest", string(manifestJSON)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// SetCoverImage designates the cover image of a product.
func (c *Client) SetCoverImage(ctx context.Context, ownerRemoteID, imageRemoteID string) error {
	payload, err := json.Marshal(map[string]string{"image_id": imageRemoteID})
	if err != nil {
		return err
	}
	target := c.productURL(ownerRemoteID, "cover")
	_, err = c.doRequest(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, maxResponseSize)
	return err
}

// ListImages returns the product's images on the shop.
func (c *Client) ListImages(ctx context.Context, ownerRemoteID string) ([]mediasync.RemoteImage, error) {
	target := c.productURL(ownerRemoteID)
	raw, err := c.doRequest(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, maxResponseSize)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Images []mediasync.RemoteImage `json:"images"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("webservice: invalid image list response: %w", err)
	}
	if parsed.Images == nil {
		parsed.Images = []mediasync.RemoteImage{}
	}
	return parsed.Images, nil
}

// DownloadImage fetches the image bytes from its URL. Relative URLs are
// resolved against the base URL.
func (c *Client) DownloadImage(ctx context.Context, image mediasync.RemoteImage) ([]byte, error) {
	if image.URL == "" {
		return nil, fmt.Errorf("webservice: image %s has no URL", image.ID)
	}
	ref, err := url.Parse(image.URL)
	if err != nil {
		return nil, fmt.Errorf("webservice: invalid image URL: %w", err)
	}
	target := c.baseURL.ResolveReference(ref).String()

	return c.doRequest(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "image/*")
		return req, nil
	}, maxImageSize)
}

var _ mediasync.ShopClient = (*Client)(nil)
