package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/kensaku/internal/models"
)

// Tenant headers sent with every request.
const (
	headerOrgID  = "X-Org-ID"
	headerUserID = "X-User-ID"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int              `json:"-"`
	Message    string           `json:"error"`
	Kind       models.ErrorKind `json:"kind"`
	// RetryAfter is parsed from the Retry-After header of throttled responses.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Documents      int64  `json:"documents"`
	Chunks         int64  `json:"chunks"`
	DiskUsageBytes *int64 `json:"disk_usage_bytes,omitempty"`
}

// Client calls a running kensaku server on behalf of one tenant.
type Client struct {
	BaseURL    string
	OrgID      string
	UserID     string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL.
func NewClient(baseURL, orgID, userID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		OrgID:      orgID,
		UserID:     userID,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Search runs req on the server.
func (c *Client) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	var resp models.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the tenant's document and chunk counts.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Usage returns the tenant's quota counter for resource.
func (c *Client) Usage(ctx context.Context, resource models.Resource) (*models.QuotaCounter, error) {
	var u models.QuotaCounter
	if err := c.do(ctx, http.MethodGet, "/api/v1/quota/"+string(resource), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// IndexDocument uploads a document.
func (c *Client) IndexDocument(ctx context.Context, input *models.DocumentInput) (*models.Document, error) {
	var doc models.Document
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents", input, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/documents/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.OrgID != "" {
		req.Header.Set(headerOrgID, c.OrgID)
	}
	if c.UserID != "" {
		req.Header.Set(headerUserID, c.UserID)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(b))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
