package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for keyrent telemetry.
const (
	AttrEventType       = attribute.Key("event.type")
	AttrOperation       = attribute.Key("operation")
	AttrResult          = attribute.Key("result")
	AttrEnvironment     = attribute.Key("environment")
	AttrReason          = attribute.Key("reason")
	AttrConnectionState = attribute.Key("connection.state")
	AttrPaymentMethod   = attribute.Key("payment.method")
	AttrPaymentStatus   = attribute.Key("payment.status")
	AttrStorageBackend  = attribute.Key("storage.backend")
)

// Connection state values.
const (
	ConnectionStateConnected    = "connected"
	ConnectionStateDisconnected = "disconnected"
	ConnectionStateReconnecting = "reconnecting"
	ConnectionStateExhausted    = "exhausted"
)

// EventAttributes returns the attribute set for dispatch metrics.
func EventAttributes(eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType),
	}
}

// ConnectionAttributes returns the attribute set for connection lifecycle metrics.
func ConnectionAttributes(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnectionState.String(state),
	}
}

// PaymentAttributes returns the attribute set for poll and payment metrics.
func PaymentAttributes(method, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(Environment())}
	if method != "" {
		attrs = append(attrs, AttrPaymentMethod.String(method))
	}
	if status != "" {
		attrs = append(attrs, AttrPaymentStatus.String(status))
	}
	return attrs
}

// OperationResultAttributes returns the attribute set for an operation outcome.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
