package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Failure describes a failed handler invocation as seen by rule expressions.
type Failure struct {
	Attempts    int
	Error       string
	ErrorType   string
	Fatal       bool
	MessageType string
	Endpoint    string
	Headers     map[string]string
}

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("attempts", cel.IntType),
		cel.Variable("error", cel.StringType),
		cel.Variable("error_type", cel.StringType),
		cel.Variable("fatal", cel.BoolType),
		cel.Variable("message_type", cel.StringType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Compile checks that expression is a boolean rule and prepares it.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return program, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, err := e.Compile(expression)
	return err
}

func (e *Evaluator) Evaluate(ctx context.Context, program cel.Program, f Failure) (bool, error) {
	headers := f.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	vars := map[string]interface{}{
		"attempts":     int64(f.Attempts),
		"error":        f.Error,
		"error_type":   f.ErrorType,
		"fatal":        f.Fatal,
		"message_type": f.MessageType,
		"endpoint":     f.Endpoint,
		"headers":      headers,
	}

	result, _, err := program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
