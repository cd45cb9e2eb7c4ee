package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"postal/internal/config"
	"postal/internal/logger"
	"postal/pkg/tracing"
)

type Base struct {
	Config *config.Config
	Logger logger.Logger
	Tracer *tracing.TracerProvider
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitTracing tags exported spans with the node id, the listener address
// and the local endpoint names.
func (b *Base) InitTracing() error {
	node := tracing.Node{
		ServiceName: b.Config.Node.ServiceName,
		ID:          b.Config.Node.ID,
	}
	if lc := b.Config.Listener; lc.Enabled {
		node.Listener = net.JoinHostPort(lc.Host, strconv.Itoa(lc.Port))
	}
	for _, ep := range b.Config.Endpoints {
		node.Endpoints = append(node.Endpoints, ep.Name)
	}

	tp, err := tracing.Init(b.Config.Tracing, node)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.Tracer = tp
	return nil
}

// Shutdown runs additionalShutdown first and flushes traces last, so spans
// recorded while draining are exported.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Infow("Shutting down application")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if b.Tracer != nil {
		if err := b.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Infow("Application exited successfully")
	return nil
}
