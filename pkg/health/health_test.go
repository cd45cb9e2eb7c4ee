package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubChecker struct {
	name string
	err  error
}

func (c stubChecker) Name() string                  { return c.name }
func (c stubChecker) Check(context.Context) error { return c.err }

type stubListener string

func (l stubListener) Address() string { return string(l) }

func TestCheckerRegistry(t *testing.T) {
	registry := NewCheckerRegistry()
	registry.Register(stubChecker{name: "store"})
	registry.Register(NewListenerChecker(stubListener("tcp://127.0.0.1:2201")))

	h := registry.Check(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Len(t, h.Checks, 2)

	registry.Register(stubChecker{name: "redis", err: errors.New("connection refused")})
	h = registry.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, StatusUnhealthy, h.Checks["redis"].Status)
	assert.Equal(t, "connection refused", h.Checks["redis"].Message)
	assert.Equal(t, StatusHealthy, h.Checks["store"].Status)
}

func TestListenerChecker(t *testing.T) {
	assert.ErrorIs(t, NewListenerChecker(stubListener("")).Check(context.Background()), errListenerDown)
	assert.NoError(t, NewListenerChecker(stubListener("tcp://node:2201")).Check(context.Background()))
}
