// Package observability provides the service's metrics surface: an
// OpenTelemetry meter exported through Prometheus, with one recorder type
// satisfying the metrics hooks of the workflow, dispatch, listener, and
// notify packages.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys. Values are bounded sets (modes, states, error codes) to
// keep cardinality low.
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrMode    = "mode"
	attrState   = "state"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrCode    = "code"
	attrEvent   = "event"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality: 200-299 -> 2xx and so on.
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func codeAttr(code string) attribute.KeyValue {
	if code == "" {
		code = "unknown"
	}
	return attribute.String(attrCode, code)
}

func eventAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEvent, eventType)
}

// normalizePath collapses execution IDs so each route yields one series.
// /v1/executions/8f14e45f -> /v1/executions/{executionId}
func normalizePath(path string) string {
	const prefix = "/v1/executions/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return "/v1/executions/{executionId}"
	}
	return path
}
