package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	contentType     = "application/cloudevents+json"
	signatureHeader = "X-Signature-256"
)

// Sender delivers CloudEvents over HTTP POST. One Sender is shared by all
// workers; the embedded client pools connections per destination.
type Sender struct {
	client *http.Client
}

// NewSender builds a Sender whose requests time out after the given
// duration.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{client: &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}}
}

// SendOptions controls signing. A pre-computed Signature wins over
// SigningKey.
type SendOptions struct {
	SigningKey string
	Signature  string
}

// Send posts event to url. Any 2xx response counts as delivered; everything
// else comes back as an *HTTPError carrying a snippet of the response body.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for name, value := range map[string]string{
		"Ce-Specversion": event.SpecVersion,
		"Ce-Type":        event.Type,
		"Ce-Source":      event.Source,
		"Ce-Subject":     event.Subject,
		"Ce-Id":          event.ID,
		"Ce-Time":        event.Time.Format(time.RFC3339),
	} {
		req.Header.Set(name, value)
	}
	switch {
	case opts.Signature != "":
		req.Header.Set(signatureHeader, opts.Signature)
	case opts.SigningKey != "":
		req.Header.Set(signatureHeader, generateSignature(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &HTTPError{StatusCode: resp.StatusCode, Snippet: string(snippet)}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign computes the HMAC-SHA256 signature for an event's JSON encoding.
func Sign(event *CloudEvent, key string) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return generateSignature(body, key), nil
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under key. Receivers call this with the raw request body and the
// X-Signature-256 header.
func VerifySignature(payload []byte, key, signature string) bool {
	return hmac.Equal([]byte(generateSignature(payload, key)), []byte(signature))
}

func generateSignature(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a non-2xx delivery response.
type HTTPError struct {
	StatusCode int
	Snippet    string
}

func (e *HTTPError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Snippet)
}

// IsClientError reports whether err is a 4xx delivery response, which a
// retry cannot fix.
func IsClientError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}
