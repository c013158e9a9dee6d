// Package observability exports conversion metrics in Prometheus format.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrDirection = "direction"
	attrDryRun    = "dry_run"
	attrReason    = "reason"
	attrMethod    = "method"
	attrStatus    = "status"
)

func directionAttr(direction string) attribute.KeyValue {
	return attribute.String(attrDirection, direction)
}

func dryRunAttr(dryRun bool) attribute.KeyValue {
	return attribute.Bool(attrDryRun, dryRun)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}
