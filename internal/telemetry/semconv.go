package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by orchestrator, worker and event bus metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrCommand     = attribute.Key("command")
	AttrResult      = attribute.Key("result")
	AttrErrorCode   = attribute.Key("error.code")
	AttrEventType   = attribute.Key("event.type")
	// AttrExecutor is the executor kind tag (builtin, custom, ...).
	AttrExecutor = attribute.Key("executor")
	AttrExitKind = attribute.Key("exit.kind")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// RequestAttributes returns attributes for worker request metrics.
func RequestAttributes(command, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrCommand.String(command),
		AttrResult.String(result),
	}
}

// CreateAttributes returns attributes for instrument creation outcomes.
func CreateAttributes(executor, result, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExecutor.String(executor),
		AttrResult.String(result),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}

// ExitAttributes classifies a worker exit as clean or crashed.
func ExitAttributes(code int) []attribute.KeyValue {
	kind := "clean"
	if code != 0 {
		kind = "crash"
	}
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExitKind.String(kind),
	}
}

// EventAttributes returns attributes for event bus metrics.
func EventAttributes(eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType),
	}
}
