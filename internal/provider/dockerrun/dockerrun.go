// Package dockerrun implements the analysis provider on the host Docker
// daemon. Each started job runs one analyzer container to exit; a watcher
// then reads the result summary the analyzer printed as its final stdout
// line and delivers the completion notification to the job's webhook at
// least once. Exited containers found at startup are redelivered, so a
// restart never loses a completion.
package dockerrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
	"docpipe/pkg/backoff"
)

// Container labels used to find analyzer containers across restarts.
const (
	labelManagedBy = "managed-by"
	labelJobID     = "analysis.job.id"
	managedByValue = "docpipe"
)

// Environment passed to analyzer containers. The notify vars are read back
// during reconciliation, so redelivery works without any local state.
const (
	envJobID          = "ANALYSIS_JOB_ID"
	envManifest       = "ANALYSIS_MANIFEST"
	envNotifyURL      = "ANALYSIS_NOTIFY_URL"
	envTag            = "ANALYSIS_TAG"
	envOutputLocation = "ANALYSIS_OUTPUT_LOCATION"
)

// Options configures the Docker-backed provider.
type Options struct {
	Image               string            // analyzer image, required
	Env                 map[string]string // extra environment for analyzer containers
	ExtraHosts          []string          // extra /etc/hosts entries (e.g. ["webhook.test:host-gateway"])
	CPUs                float64           // per-job CPU limit (default 1)
	MemoryMB            int64             // per-job memory limit in MiB (default 512)
	NotifyAuthToken     string            // bearer token sent with completion notifications
	NotifyAttempts      int               // delivery attempts per notification (default 5)
	NotifyTimeout       time.Duration     // per-attempt delivery timeout (default 10s)
	RetentionPeriod     time.Duration     // how long exited containers are kept (default 15m)
	MaintenanceInterval time.Duration     // cleanup cadence (default 1m)
}

func (o Options) withDefaults() Options {
	if o.CPUs <= 0 {
		o.CPUs = 1
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = 512
	}
	if o.NotifyAttempts <= 0 {
		o.NotifyAttempts = 5
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	if o.RetentionPeriod <= 0 {
		o.RetentionPeriod = 15 * time.Minute
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = time.Minute
	}
	return o
}

// Provider runs analysis jobs as one-shot containers.
type Provider struct {
	client *client.Client
	httpc  *http.Client
	opts   Options
	repo   *jobRepo
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to the Docker daemon, resumes any analyzer containers left
// over from a previous run, and starts background maintenance.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Image == "" {
		return nil, apperrors.Validation("image", "analyzer image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		client: dockerClient,
		httpc:  &http.Client{},
		opts:   opts.withDefaults(),
		repo:   newJobRepo(),
		logger: slog.With("component", "provider.dockerrun"),
		ctx:    rootCtx,
		cancel: cancel,
	}

	if err := p.reconcile(ctx); err != nil {
		p.logger.Warn("failed to reconcile analyzer containers", "error", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMaintenance(rootCtx)
	}()

	return p, nil
}

// StartAnalysis creates and starts one analyzer container for the request.
// Repeating a start with the same client token returns the original job ID
// without running a second container.
func (p *Provider) StartAnalysis(ctx context.Context, req analysis.StartRequest) (string, error) {
	if err := req.Manifest.Validate(); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	existing, err := p.repo.reserve(jobID, req.ClientToken)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	var containerID string
	success := false
	defer func() {
		if !success {
			p.removeContainer(context.WithoutCancel(ctx), containerID)
			p.repo.abort(jobID, req.ClientToken)
		}
	}()

	// Detached context so an HTTP-scoped deadline cannot abort a long pull.
	if err := p.pullImageIfNeeded(context.WithoutCancel(ctx), p.opts.Image); err != nil {
		return "", apperrors.Internal("docker.pullImage", err)
	}

	if containerID, err = p.createContainer(ctx, jobID, req); err != nil {
		return "", apperrors.Internal("docker.createContainer", err)
	}

	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", apperrors.Internal("docker.startContainer", err)
	}

	p.watchJob(jobID, &jobEntry{
		containerID:    containerID,
		notifyURL:      req.NotifyURL,
		tag:            req.Tag,
		token:          req.ClientToken,
		outputLocation: req.Manifest.OutputLocation,
	})
	success = true

	return jobID, nil
}

// DescribeAnalysis reports the current status of a job. Terminal jobs are
// answered from the recorded completion snapshot without touching Docker.
func (p *Provider) DescribeAnalysis(ctx context.Context, jobID string) (analysis.JobDescription, error) {
	entry, committed, exists := p.repo.get(jobID)
	if !exists {
		return analysis.JobDescription{}, apperrors.NotFound("analysis", jobID)
	}
	if !committed {
		return analysis.JobDescription{JobID: jobID, Status: analysis.StatusQueued}, nil
	}
	if entry.result != nil {
		n := entry.result
		return analysis.JobDescription{
			JobID:          jobID,
			Status:         n.Status,
			StatusMessage:  n.StatusMessage,
			ResultLocation: n.ResultLocation,
			Pages:          n.Pages,
		}, nil
	}

	inspect, err := p.client.ContainerInspect(ctx, entry.containerID)
	if err != nil {
		return analysis.JobDescription{}, apperrors.Internal("docker.inspectContainer", err)
	}

	desc := analysis.JobDescription{JobID: jobID}
	switch {
	case inspect.State.Running:
		desc.Status = analysis.StatusProcessing
	case inspect.State.Status == "created":
		desc.Status = analysis.StatusQueued
	default:
		// Exited, but the watcher has not recorded the summary yet.
		if inspect.State.ExitCode == 0 {
			desc.Status = analysis.StatusSucceeded
			desc.ResultLocation = entry.outputLocation
		} else {
			desc.Status = analysis.StatusFailed
			desc.StatusMessage = fmt.Sprintf("analyzer exited with code %d", inspect.State.ExitCode)
		}
	}
	return desc, nil
}

// StopAnalysis abandons a job: its watcher is cancelled and the container
// removed. No completion notification is delivered for a stopped job.
func (p *Provider) StopAnalysis(ctx context.Context, jobID string) error {
	entry, exists := p.repo.release(jobID)
	if !exists {
		return apperrors.NotFound("analysis", jobID)
	}

	// Reserved but the container was never created.
	if entry == nil {
		return nil
	}

	if entry.cancelWatch != nil {
		entry.cancelWatch()
	}
	p.removeContainer(ctx, entry.containerID)
	return nil
}

// Ping reports whether the Docker daemon is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return apperrors.Unavailable("docker.ping", err)
	}
	return nil
}

// Close stops maintenance and all watchers, then releases the Docker
// client. Running containers are left in place for the next reconcile.
func (p *Provider) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.client.Close()
}

// reconcile scans Docker for analyzer containers from a previous run.
// Running containers get their watcher back; exited ones have their
// notification rebuilt and redelivered, since the previous process may
// have died before delivery finished.
func (p *Provider) reconcile(ctx context.Context) error {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var resumed, redelivered int
	for i := range containers {
		c := &containers[i]
		jobID := c.Labels[labelJobID]
		if jobID == "" {
			continue
		}

		inspect, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			p.logger.Warn("failed to inspect recovered container", "jobId", jobID, "error", err)
			continue
		}

		if _, err := p.repo.reserve(jobID, ""); err != nil {
			continue
		}
		cfg := jobConfigFromEnv(inspect.Config.Env)
		entry := &jobEntry{
			containerID:    c.ID,
			notifyURL:      cfg.notifyURL,
			tag:            cfg.tag,
			outputLocation: cfg.outputLocation,
		}

		switch {
		case inspect.State.Running:
			p.watchJob(jobID, entry)
			resumed++

		case inspect.State.Status == "created":
			// Crashed between create and start. Start it now.
			if err := p.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
				p.logger.Warn("failed to start recovered analyzer", "jobId", jobID, "error", err)
				p.repo.abort(jobID, "")
				p.removeContainer(ctx, c.ID)
				continue
			}
			p.watchJob(jobID, entry)
			resumed++

		default:
			finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
			p.redeliverJob(jobID, entry, inspect.State.ExitCode, finishedAt)
			redelivered++
		}
	}

	if resumed > 0 || redelivered > 0 {
		p.logger.Info("reconciled analyzer containers", "resumed", resumed, "redelivered", redelivered)
	}
	return nil
}

// watchJob commits the entry and watches its container until exit.
func (p *Provider) watchJob(jobID string, entry *jobEntry) {
	watchCtx, cancel := context.WithCancel(p.ctx)
	entry.cancelWatch = cancel
	p.repo.commit(jobID, entry)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watchUntilExit(watchCtx, jobID, entry.containerID, entry.notifyURL, entry.tag, entry.outputLocation)
	}()
}

// redeliverJob commits an already-exited job and delivers its notification
// again. Rebuilding from the container keeps delivery at-least-once across
// process restarts.
func (p *Provider) redeliverJob(jobID string, entry *jobEntry, exitCode int, finishedAt time.Time) {
	watchCtx, cancel := context.WithCancel(p.ctx)
	entry.cancelWatch = cancel
	p.repo.commit(jobID, entry)

	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		summary := p.readResultSummary(watchCtx, entry.containerID)
		n := buildNotification(jobID, entry.tag, entry.outputLocation, exitCode, nil, summary, finishedAt)
		p.repo.setResult(jobID, n)

		if entry.notifyURL == "" {
			return
		}
		if err := p.deliverNotification(watchCtx, entry.notifyURL, n); err != nil {
			p.logger.Warn("completion notification undelivered", "jobId", jobID, "url", entry.notifyURL, "error", err)
		}
	}()
}

// watchUntilExit waits for the container to exit, records the completion
// snapshot, and delivers the notification.
func (p *Provider) watchUntilExit(ctx context.Context, jobID, containerID, notifyURL, tag, outputLocation string) {
	logger := p.logger.With("jobId", jobID)

	exitCode, exitErr := p.waitForExit(ctx, containerID)
	if ctx.Err() != nil {
		return
	}

	summary := p.readResultSummary(ctx, containerID)
	n := buildNotification(jobID, tag, outputLocation, exitCode, exitErr, summary, time.Now().UTC())
	p.repo.setResult(jobID, n)

	logger.Info("analyzer exited", "exitCode", exitCode, "status", n.Status)

	if notifyURL == "" {
		return
	}
	if err := p.deliverNotification(ctx, notifyURL, n); err != nil {
		logger.Warn("completion notification undelivered", "url", notifyURL, "error", err)
	}
}

func (p *Provider) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := p.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// resultSummary is the JSON object an analyzer may print as its final
// stdout line to report where results were written.
type resultSummary struct {
	ResultLocation string `json:"resultLocation"`
	Pages          int    `json:"pages"`
	Message        string `json:"message"`
}

func (s resultSummary) isZero() bool {
	return s.ResultLocation == "" && s.Pages == 0 && s.Message == ""
}

func (p *Provider) readResultSummary(ctx context.Context, containerID string) resultSummary {
	logs, err := p.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		Tail:       "20",
	})
	if err != nil {
		return resultSummary{}
	}
	defer logs.Close()
	return parseResultSummary(logs)
}

// parseResultSummary scans a multiplexed log stream for the last stdout
// line that decodes to a summary. Docker frames each chunk with an 8-byte
// header; byte 0 carries the stream, bytes 4..7 the payload size.
func parseResultSummary(r io.Reader) resultSummary {
	var last resultSummary
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return last
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return last
		}
		if header[0] != 1 {
			continue
		}
		for _, line := range splitLines(string(payload)) {
			var s resultSummary
			if err := json.Unmarshal([]byte(line), &s); err == nil && !s.isZero() {
				last = s
			}
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// buildNotification maps a container exit to the completion notification.
// Exit code 0 is success; anything else, or a wait error, is failure. The
// summary fills the result fields, falling back to the manifest's output
// location when the analyzer printed none.
func buildNotification(jobID, tag, outputLocation string, exitCode int, exitErr error, summary resultSummary, completedAt time.Time) analysis.Notification {
	n := analysis.Notification{
		JobID:          jobID,
		Status:         analysis.StatusSucceeded,
		StatusMessage:  summary.Message,
		ResultLocation: summary.ResultLocation,
		Pages:          summary.Pages,
		Tag:            tag,
		CompletedAt:    completedAt,
	}
	if n.ResultLocation == "" {
		n.ResultLocation = outputLocation
	}

	switch {
	case exitErr != nil:
		n.Status = analysis.StatusFailed
		n.StatusMessage = exitErr.Error()
	case exitCode != 0:
		n.Status = analysis.StatusFailed
		if n.StatusMessage == "" {
			n.StatusMessage = fmt.Sprintf("analyzer exited with code %d", exitCode)
		}
	}
	return n
}

// deliverNotification posts the notification to the webhook, retrying with
// exponential backoff. A 4xx response stops the attempts early since the
// webhook has rejected the payload rather than failed to receive it.
func (p *Provider) deliverNotification(ctx context.Context, url string, n analysis.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	var sched backoff.Schedule
	var lastErr error
	for attempt := 1; attempt <= p.opts.NotifyAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sched.Delay(attempt - 1)):
			}
		}

		status, err := p.postNotification(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if status >= 400 && status < 500 {
			break
		}
		p.logger.Debug("notification attempt failed", "attempt", attempt, "error", err)
	}
	return lastErr
}

func (p *Provider) postNotification(ctx context.Context, url string, body []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.NotifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.opts.NotifyAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.NotifyAuthToken)
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return resp.StatusCode, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// jobConfig is the notify configuration recovered from a container's
// environment during reconciliation.
type jobConfig struct {
	notifyURL      string
	tag            string
	outputLocation string
}

func jobConfigFromEnv(env []string) jobConfig {
	var cfg jobConfig
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case envNotifyURL:
			cfg.notifyURL = value
		case envTag:
			cfg.tag = value
		case envOutputLocation:
			cfg.outputLocation = value
		}
	}
	return cfg
}

func (p *Provider) createContainer(ctx context.Context, jobID string, req analysis.StartRequest) (string, error) {
	manifestJSON, err := json.Marshal(req.Manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	env := []string{
		fmt.Sprintf("%s=%s", envJobID, jobID),
		fmt.Sprintf("%s=%s", envManifest, manifestJSON),
	}
	if req.NotifyURL != "" {
		env = append(env, fmt.Sprintf("%s=%s", envNotifyURL, req.NotifyURL))
	}
	if req.Tag != "" {
		env = append(env, fmt.Sprintf("%s=%s", envTag, req.Tag))
	}
	if req.Manifest.OutputLocation != "" {
		env = append(env, fmt.Sprintf("%s=%s", envOutputLocation, req.Manifest.OutputLocation))
	}
	for k, v := range p.opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image: p.opts.Image,
		Env:   env,
		Labels: map[string]string{
			labelJobID:     jobID,
			labelManagedBy: managedByValue,
		},
	}

	hostConfig := &container.HostConfig{
		ExtraHosts: p.opts.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(p.opts.CPUs * 1e9),
			Memory:   p.opts.MemoryMB * 1024 * 1024,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "analysis-"+jobID)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *Provider) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := p.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provider) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	stopTimeout := 10
	_ = p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance periodically removes containers for jobs that completed
// more than the retention period ago.
func (p *Provider) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupExpiredJobs(ctx)
		}
	}
}

func (p *Provider) cleanupExpiredJobs(ctx context.Context) {
	now := time.Now()

	var expired []string
	for jobID, e := range p.repo.list() {
		if e.result == nil {
			continue
		}
		if now.Sub(e.result.CompletedAt) > p.opts.RetentionPeriod {
			expired = append(expired, jobID)
		}
	}
	if len(expired) == 0 {
		return
	}

	for _, jobID := range expired {
		if entry, exists := p.repo.release(jobID); exists && entry != nil {
			if entry.cancelWatch != nil {
				entry.cancelWatch()
			}
			p.removeContainer(ctx, entry.containerID)
			p.logger.Debug("retired completed analysis", "jobId", jobID)
		}
	}
	p.logger.Info("maintenance complete", "retired", len(expired))
}

var _ analysis.Client = (*Provider)(nil)
