package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey     ctxKey = "trace_id"
	EnvelopeIDKey  ctxKey = "envelope_id"
	EndpointKey    ctxKey = "endpoint"
	NodeIDKey      ctxKey = "node_id"
	ServiceNameKey ctxKey = "service_name"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithEnvelopeID(ctx context.Context, envelopeID string) context.Context {
	return context.WithValue(ctx, EnvelopeIDKey, envelopeID)
}

func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, EndpointKey, endpoint)
}

func WithNodeID(ctx context.Context, nodeID int) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

func GetEnvelopeID(ctx context.Context) string {
	if envelopeID, ok := ctx.Value(EnvelopeIDKey).(string); ok {
		return envelopeID
	}
	return ""
}

func GetEndpoint(ctx context.Context) string {
	if endpoint, ok := ctx.Value(EndpointKey).(string); ok {
		return endpoint
	}
	return ""
}

// GetNodeID returns -1 when no node id was attached.
func GetNodeID(ctx context.Context) int {
	if nodeID, ok := ctx.Value(NodeIDKey).(int); ok {
		return nodeID
	}
	return -1
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, string(TraceIDKey), traceID)
	}

	if envelopeID := GetEnvelopeID(ctx); envelopeID != "" {
		fields = append(fields, string(EnvelopeIDKey), envelopeID)
	}

	if endpoint := GetEndpoint(ctx); endpoint != "" {
		fields = append(fields, string(EndpointKey), endpoint)
	}

	if nodeID := GetNodeID(ctx); nodeID >= 0 {
		fields = append(fields, string(NodeIDKey), nodeID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, string(ServiceNameKey), serviceName)
	}

	return fields
}
