// Package client provides a typed Go client for the creditlock HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/service"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Kind    string
	Message string
	Details map[string]any
	TraceID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("creditlock api %d: %s (%s)", e.Status, e.Message, e.Kind)
}

// Client is a typed client for the creditlock API.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sends key in X-API-Key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.APIKey = key }
}

// WithBearerToken sends token as an Authorization bearer.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.BearerToken = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var p api.ProblemDetail
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return &APIError{Status: resp.StatusCode, Kind: "INTERNAL", Message: "unknown error"}
	}
	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	return &APIError{
		Status:  resp.StatusCode,
		Kind:    p.Kind,
		Message: msg,
		Details: p.Details,
		TraceID: p.TraceID,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string) ([]byte, http.Header, error) {
	resp, err := c.send(ctx, method, path, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.Header, err
}

// ReviewAction is the body of SubmitReview. An empty ReviewerRole uses the caller's credential role.
type ReviewAction struct {
	Status       review.Status `json:"status"`
	ReviewerName string        `json:"reviewer_name,omitempty"`
	ReviewerRole review.Role   `json:"reviewer_role,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// SubmitReview calls POST /api/v1/reviews/{entity_id}/action.
func (c *Client) SubmitReview(ctx context.Context, entityID string, a ReviewAction) (*service.ReviewResult, error) {
	var out service.ReviewResult
	err := c.do(ctx, http.MethodPost, "/api/v1/reviews/"+url.PathEscape(entityID)+"/action", a, &out)
	return &out, err
}

// GetReviewState calls GET /api/v1/reviews/{entity_id}.
func (c *Client) GetReviewState(ctx context.Context, entityID string) (*review.State, error) {
	var out review.State
	err := c.do(ctx, http.MethodGet, "/api/v1/reviews/"+url.PathEscape(entityID), nil, &out)
	return &out, err
}

// GetReviewReport calls GET /api/v1/reviews/{entity_id}/report.
func (c *Client) GetReviewReport(ctx context.Context, entityID string) (*review.Report, error) {
	var out review.Report
	err := c.do(ctx, http.MethodGet, "/api/v1/reviews/"+url.PathEscape(entityID)+"/report", nil, &out)
	return &out, err
}

// GetReviewQueue calls GET /api/v1/reviews/queue. Zero limit and no statuses use the server defaults.
func (c *Client) GetReviewQueue(ctx context.Context, statuses []review.Status, limit int) ([]review.State, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/reviews/queue"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Items []review.State `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

// IngestClassifications calls POST /api/v1/classifications.
func (c *Client) IngestClassifications(ctx context.Context, modelName string, results []review.Classification) ([]service.IngestResult, error) {
	body := map[string]any{"results": results}
	if modelName != "" {
		body["model_name"] = modelName
	}
	var out struct {
		Results []service.IngestResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/classifications", body, &out)
	return out.Results, err
}

// GenerateDocument calls POST /api/v1/documents/generate.
func (c *Client) GenerateDocument(ctx context.Context, req service.GenerateRequest) (*service.GenerateResult, error) {
	var out service.GenerateResult
	err := c.do(ctx, http.MethodPost, "/api/v1/documents/generate", req, &out)
	return &out, err
}

// GetActiveDocument calls GET /api/v1/documents/{cohort_key}/active.
func (c *Client) GetActiveDocument(ctx context.Context, cohortKey string) (*service.ActiveDocument, error) {
	var out service.ActiveDocument
	err := c.do(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(cohortKey)+"/active", nil, &out)
	return &out, err
}

// GetFormVersion calls GET /api/v1/documents/versions/{version_id}.
func (c *Client) GetFormVersion(ctx context.Context, versionID string) (*document.Version, error) {
	var out document.Version
	err := c.do(ctx, http.MethodGet, "/api/v1/documents/versions/"+url.PathEscape(versionID), nil, &out)
	return &out, err
}

// ListVersions calls GET /api/v1/documents/{cohort_key}/versions.
func (c *Client) ListVersions(ctx context.Context, cohortKey string) ([]document.Version, error) {
	var out struct {
		Versions []document.Version `json:"versions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(cohortKey)+"/versions", nil, &out)
	return out.Versions, err
}

// DownloadArtifact calls GET /api/v1/documents/versions/{version_id}/artifact and returns raw bytes.
func (c *Client) DownloadArtifact(ctx context.Context, versionID string) ([]byte, error) {
	data, _, err := c.raw(ctx, http.MethodGet, "/api/v1/documents/versions/"+url.PathEscape(versionID)+"/artifact")
	return data, err
}

// GetSnapshot calls GET /api/v1/snapshots/{snapshot_id}.
func (c *Client) GetSnapshot(ctx context.Context, snapshotID string) (*snapshot.Snapshot, error) {
	var out snapshot.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshots/"+url.PathEscape(snapshotID), nil, &out)
	return &out, err
}

// LockHistory calls GET /api/v1/locks/{cohort_key}/history.
func (c *Client) LockHistory(ctx context.Context, cohortKey string) ([]formlock.Lock, error) {
	var out struct {
		Locks []formlock.Lock `json:"locks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/locks/"+url.PathEscape(cohortKey)+"/history", nil, &out)
	return out.Locks, err
}

// AuditPackage is a downloaded audit ZIP.
type AuditPackage struct {
	Filename string
	Checksum string
	Data     []byte
}

// ExportAuditPackage calls POST /api/v1/audit/{entity_id}/package.
func (c *Client) ExportAuditPackage(ctx context.Context, entityID string) (*AuditPackage, error) {
	data, h, err := c.raw(ctx, http.MethodPost, "/api/v1/audit/"+url.PathEscape(entityID)+"/package")
	if err != nil {
		return nil, err
	}
	pkg := &AuditPackage{Checksum: h.Get("X-Checksum-SHA256"), Data: data}
	if _, params, perr := mime.ParseMediaType(h.Get("Content-Disposition")); perr == nil {
		pkg.Filename = params["filename"]
	}
	return pkg, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
