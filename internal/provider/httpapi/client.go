// Package httpapi implements the analysis client against a remote document
// analysis service speaking JSON over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
)

// Options configure the client. BaseURL is required.
type Options struct {
	BaseURL        string
	APIKey         string
	RequestsPerSec float64
	Burst          int
	Timeout        time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestsPerSec <= 0 {
		o.RequestsPerSec = 10
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Client talks to the provider's REST API. All calls go through a token
// bucket so a burst of starts cannot trip the provider's throttling before
// the dispatcher even sees a response.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New validates the options and builds a client.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.BaseURL == "" {
		return nil, apperrors.Validation("provider.url", "provider base URL is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Validation("provider.url", "provider base URL must be an absolute URL")
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		httpc: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		logger:  slog.With("component", "provider.httpapi"),
	}, nil
}

type startRequest struct {
	Manifest    analysis.Manifest `json:"manifest"`
	ClientToken string            `json:"clientToken,omitempty"`
	NotifyURL   string            `json:"notifyUrl,omitempty"`
	Tag         string            `json:"tag,omitempty"`
}

type startResponse struct {
	JobID string `json:"jobId"`
}

type describeResponse struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"`
	StatusMessage  string `json:"statusMessage,omitempty"`
	ResultLocation string `json:"resultLocation,omitempty"`
	Pages          int    `json:"pages,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StartAnalysis submits a job. The returned job ID is the provider's
// correlation key for the eventual completion notification.
func (c *Client) StartAnalysis(ctx context.Context, req analysis.StartRequest) (string, error) {
	if err := req.Manifest.Validate(); err != nil {
		return "", err
	}
	var out startResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/analyses", "provider.start", startRequest{
		Manifest:    req.Manifest,
		ClientToken: req.ClientToken,
		NotifyURL:   req.NotifyURL,
		Tag:         req.Tag,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", apperrors.Internal("provider.start", errMissingJobID)
	}
	c.logger.Debug("analysis started", "job_id", out.JobID)
	return out.JobID, nil
}

// DescribeAnalysis fetches the current status of a job.
func (c *Client) DescribeAnalysis(ctx context.Context, jobID string) (analysis.JobDescription, error) {
	if jobID == "" {
		return analysis.JobDescription{}, apperrors.Validation("jobId", "job ID is required")
	}
	var out describeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(jobID), "provider.describe", nil, &out); err != nil {
		return analysis.JobDescription{}, err
	}
	return analysis.JobDescription{
		JobID:          out.JobID,
		Status:         analysis.JobStatus(out.Status),
		StatusMessage:  out.StatusMessage,
		ResultLocation: out.ResultLocation,
		Pages:          out.Pages,
	}, nil
}

// StopAnalysis asks the provider to abandon a running job.
func (c *Client) StopAnalysis(ctx context.Context, jobID string) error {
	if jobID == "" {
		return apperrors.Validation("jobId", "job ID is required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/analyses/"+url.PathEscape(jobID), "provider.stop", nil, nil)
}

// Ping checks the provider's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", "provider.ping", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, op string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.Unavailable(op, err)
	}

	var rdr io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperrors.Internal(op, err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return apperrors.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Internal(op, err)
		}
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil || (er.Code == "" && er.Message == "") {
		er.Message = strings.TrimSpace(string(data))
	}
	return apperrors.Upstream(op, er.Code, er.Message, resp.StatusCode)
}

var errMissingJobID = errors.New("provider response carried no job ID")
