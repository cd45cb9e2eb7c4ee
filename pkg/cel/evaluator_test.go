package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

var ruleExamples = map[string]string{
	"first_attempts":    `attempts < 3`,
	"timeouts":          `error.contains("timeout") && attempts < 5`,
	"by_message_type":   `message_type == "orders.placed" && attempts <= 2`,
	"by_endpoint":       `endpoint.startsWith("payments")`,
	"fatal_errors":      `fatal`,
	"error_type":        `error_type in ["TIMEOUT", "SERVICE_UNAVAILABLE"]`,
	"header_present":    `has(headers.tenant) && headers.tenant == "premium"`,
	"combined":          `(error.contains("deadlock") || error.contains("connection reset")) && attempts < 10`,
	"never_retry_types": `message_type.endsWith(".audit")`,
}

func TestRuleExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range ruleExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateExpression(expr))
		})
	}
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "bool rule", expr: `attempts > 1`},
		{name: "non bool", expr: `attempts + 1`, wantError: true},
		{name: "unknown variable", expr: `payload.status == "x"`, wantError: true},
		{name: "syntax error", expr: `attempts >`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	failure := Failure{
		Attempts:    2,
		Error:       "dial tcp: i/o timeout",
		ErrorType:   "TIMEOUT",
		MessageType: "orders.placed",
		Endpoint:    "local://orders",
		Headers:     map[string]string{"tenant": "premium"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`attempts < 3`, true},
		{`attempts >= 3`, false},
		{`error.contains("timeout") && attempts < 5`, true},
		{`message_type == "orders.placed" && attempts <= 2`, true},
		{`endpoint.startsWith("local://payments")`, false},
		{`has(headers.tenant) && headers.tenant == "premium"`, true},
		{`fatal`, false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			program, err := eval.Compile(tt.expr)
			require.NoError(t, err)

			got, err := eval.Evaluate(context.Background(), program, failure)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_NilHeaders(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	program, err := eval.Compile(`has(headers.tenant)`)
	require.NoError(t, err)

	got, err := eval.Evaluate(context.Background(), program, Failure{})
	require.NoError(t, err)
	assert.False(t, got)
}
