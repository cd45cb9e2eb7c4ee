//go:build integration

package integration

import (
	"errors"
	"time"

	"postal/internal/envelope"
	"postal/internal/logger"
)

const (
	containerStartupTimeout = 60
	ordersQueue             = "orders"
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestEnvelope(owner int) *envelope.Envelope {
	env := envelope.New("orders.placed", nil)
	env.Data = []byte(`{"order_id":"o-1"}`)
	env.ContentType = "application/json"
	env.Destination = ordersQueue
	env.MarkReceived("tcp://peer:2201", owner, time.Now().UTC())
	return env
}

func createTestReport(t interface{ Fatalf(string, ...interface{}) }, endpoint string) *envelope.ErrorReport {
	env := createTestEnvelope(1)
	env.Attempts = 3
	report, err := envelope.NewErrorReport(env, errors.New("handler exploded"), endpoint)
	if err != nil {
		t.Fatalf("failed to build error report: %v", err)
	}
	return report
}
