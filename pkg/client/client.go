package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/health"
	"github.com/cuemby/darkroom/pkg/types"
	"github.com/cuemby/darkroom/pkg/worker"
)

const (
	defaultTimeout = 10 * time.Second
	uploadTimeout  = 2 * time.Minute
)

// Client wraps the darkroom HTTP API for CLI and programmatic usage.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the node at addr. addr may be "host:port"
// or a full URL; bare host:port gets an http scheme.
func New(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
}

// UploadOptions carries the ingest parameters for Upload. ClientID is
// required by the server; everything else is optional.
type UploadOptions struct {
	Name        string
	ClientID    string
	SessionID   string
	UserID      string
	Pipeline    string
	Priority    int
	ContentType string
}

// Upload sends the raw bytes of the file at path to the ingest endpoint
// and returns the created photo record.
func (c *Client) Upload(path string, opts UploadOptions) (*types.PhotoRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(path)
	}

	q := url.Values{}
	q.Set("name", opts.Name)
	q.Set("client_id", opts.ClientID)
	if opts.SessionID != "" {
		q.Set("session_id", opts.SessionID)
	}
	if opts.UserID != "" {
		q.Set("user_id", opts.UserID)
	}
	if opts.Pipeline != "" {
		q.Set("pipeline", opts.Pipeline)
	}
	if opts.Priority != 0 {
		q.Set("priority", strconv.Itoa(opts.Priority))
	}

	rec := &types.PhotoRecord{}
	err = c.do(http.MethodPost, "/api/v1/photos", q, bytes.NewReader(data), opts.ContentType, uploadTimeout, rec)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetPhoto fetches a photo record by ID.
func (c *Client) GetPhoto(id string) (*types.PhotoRecord, error) {
	rec := &types.PhotoRecord{}
	if err := c.do(http.MethodGet, "/api/v1/photos/"+url.PathEscape(id), nil, nil, "", defaultTimeout, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPhotos returns a client's photos, newest first.
func (c *Client) ListPhotos(clientID string, limit, offset int) ([]*types.PhotoRecord, error) {
	q := url.Values{"client_id": {clientID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out struct {
		Photos []*types.PhotoRecord `json:"photos"`
	}
	if err := c.do(http.MethodGet, "/api/v1/photos", q, nil, "", defaultTimeout, &out); err != nil {
		return nil, err
	}
	return out.Photos, nil
}

// DeletePhoto removes a photo, its blobs, and any pending job.
func (c *Client) DeletePhoto(id string) error {
	return c.do(http.MethodDelete, "/api/v1/photos/"+url.PathEscape(id), nil, nil, "", defaultTimeout, nil)
}

// CancelPhoto requests cooperative cancellation of an in-flight photo.
func (c *Client) CancelPhoto(id string) error {
	return c.do(http.MethodPost, "/api/v1/photos/"+url.PathEscape(id)+"/cancel", nil, nil, "", defaultTimeout, nil)
}

// DownloadURL resolves the presigned URL for a photo's original bytes,
// or for a named artifact when role is non-empty.
func (c *Client) DownloadURL(id, role string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	u := c.base + "/api/v1/photos/" + url.PathEscape(id) + "/download"
	if role != "" {
		u += "?artifact=" + url.QueryEscape(role)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "build download request")
	}

	// stop at the redirect; the Location header is the answer
	noFollow := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := noFollow.Do(req)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindTransientBackend, err, "download %s", id)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return "", decodeAPIError(resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errdefs.New(errdefs.KindInternal, "redirect without a Location header")
	}
	return loc, nil
}

// QueueStats returns per-state queue depths and throughput counters.
func (c *Client) QueueStats() (*types.QueueStats, error) {
	stats := &types.QueueStats{}
	if err := c.do(http.MethodGet, "/api/v1/queue/stats", nil, nil, "", defaultTimeout, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// PauseQueue stops workers from claiming new jobs. Active claims finish.
func (c *Client) PauseQueue() error {
	return c.do(http.MethodPost, "/api/v1/queue/pause", nil, nil, "", defaultTimeout, nil)
}

// ResumeQueue re-enables claiming after a pause.
func (c *Client) ResumeQueue() error {
	return c.do(http.MethodPost, "/api/v1/queue/resume", nil, nil, "", defaultTimeout, nil)
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (c *Client) DeadLetters(limit int) ([]*types.DeadLetter, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		DeadLetters []*types.DeadLetter `json:"dead_letters"`
	}
	if err := c.do(http.MethodGet, "/api/v1/queue/dead", q, nil, "", defaultTimeout, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

// RequeueDead moves a dead letter back to the waiting queue with a
// fresh attempt budget.
func (c *Client) RequeueDead(jobID string) (*types.Job, error) {
	job := &types.Job{}
	path := "/api/v1/queue/dead/" + url.PathEscape(jobID) + "/requeue"
	if err := c.do(http.MethodPost, path, nil, nil, "", defaultTimeout, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Workers returns the node's worker pool status.
func (c *Client) Workers() (*worker.PoolStatus, error) {
	st := &worker.PoolStatus{}
	if err := c.do(http.MethodGet, "/api/v1/workers", nil, nil, "", defaultTimeout, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ScaleWorkers resizes the pool to target workers and returns the new
// pool status.
func (c *Client) ScaleWorkers(target int) (*worker.PoolStatus, error) {
	body, err := json.Marshal(map[string]int{"target": target})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "encode scale request")
	}
	st := &worker.PoolStatus{}
	if err := c.do(http.MethodPost, "/api/v1/workers/scale", nil, bytes.NewReader(body), "application/json", defaultTimeout, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Health returns the node's component health report.
func (c *Client) Health() (*health.Status, error) {
	st := &health.Status{}
	if err := c.do(http.MethodGet, "/health", nil, nil, "", defaultTimeout, st); err != nil {
		return nil, err
	}
	return st, nil
}

// do issues one request and decodes a JSON response into out when out
// is non-nil. Non-2xx responses become errdefs errors carrying the
// server's kind.
func (c *Client) do(method, path string, query url.Values, body io.Reader, contentType string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "build %s %s", method, path)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "decode %s %s response", method, path)
	}
	return nil
}

// decodeAPIError rebuilds an errdefs error from the server's
// {error, kind, trace_id} body so callers keep the kind predicates.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Error   string `json:"error"`
		Kind    string `json:"kind"`
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		kind := errdefs.Kind(body.Kind)
		if body.Kind == "" {
			kind = errdefs.KindInternal
		}
		if body.TraceID != "" {
			return errdefs.New(kind, "%s (trace %s)", body.Error, body.TraceID)
		}
		return errdefs.New(kind, "%s", body.Error)
	}
	return errdefs.New(errdefs.KindInternal, "unexpected status %d: %s",
		resp.StatusCode, strings.TrimSpace(string(raw)))
}
