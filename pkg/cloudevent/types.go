// Package cloudevent implements the CloudEvents 1.0 envelope used for
// outbound webhook delivery, with HMAC-SHA256 payload signing.
package cloudevent

import (
	"errors"
	"time"
)

const (
	// SpecVersion is the only CloudEvents version this package emits.
	SpecVersion = "1.0"
	// ContentType describes the Data field encoding.
	ContentType = "application/json"
)

// CloudEvent is a CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New builds an event with the envelope attributes filled in.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: ContentType,
		Data:            data,
	}
}

// Validate checks the attributes the 1.0 spec marks required.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return errors.New("nil event")
	case e.SpecVersion != SpecVersion:
		return errors.New("unsupported specversion " + e.SpecVersion)
	case e.ID == "":
		return errors.New("event id is required")
	case e.Source == "":
		return errors.New("event source is required")
	case e.Type == "":
		return errors.New("event type is required")
	}
	return nil
}
