package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	celgo "github.com/google/cel-go/cel"

	"postal/internal/config"
	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/pkg/cel"
	apperrors "postal/pkg/errors"
)

type Action string

const (
	Retry      Action = constants.ActionRetry
	Schedule   Action = constants.ActionSchedule
	DeadLetter Action = constants.ActionDeadLetter
)

type Decision struct {
	Action Action
	Delay  time.Duration
	Rule   string
}

type rule struct {
	name    string
	program celgo.Program
	action  Action
	delay   time.Duration
}

// Policy decides what happens to an envelope whose handler failed. Rules are
// tried in order and the first match wins. Without a match, fatal errors and
// envelopes out of attempts are dead-lettered and the rest retried.
type Policy struct {
	eval        *cel.Evaluator
	rules       []rule
	maxAttempts int
	log         logger.Logger
}

func New(cfg config.PolicyConfig, log logger.Logger) (*Policy, error) {
	if log == nil {
		log = logger.NopLogger()
	}

	eval, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxAttempts
	}

	p := &Policy{eval: eval, maxAttempts: maxAttempts, log: log}

	for i, rc := range cfg.Rules {
		program, err := eval.Compile(rc.When)
		if err != nil {
			return nil, fmt.Errorf("policy rule %d (%s): %w", i, rc.Name, err)
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		p.rules = append(p.rules, rule{
			name:    name,
			program: program,
			action:  Action(rc.Action),
			delay:   rc.Delay,
		})
	}

	return p, nil
}

// Default dead-letters after DefaultMaxAttempts failures and has no rules.
func Default() *Policy {
	p, err := New(config.PolicyConfig{}, nil)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Decide picks the outcome for a failed invocation. The envelope's attempt
// count is the number of earlier failures, so this failure is attempt+1.
func (p *Policy) Decide(ctx context.Context, env *envelope.Envelope, endpoint string, cause error) Decision {
	failure := cel.Failure{
		Attempts:    env.Attempts + 1,
		Error:       errorText(cause),
		ErrorType:   errorCode(cause),
		Fatal:       apperrors.IsFatal(cause),
		MessageType: env.MessageType,
		Endpoint:    endpoint,
		Headers:     env.Headers,
	}

	for _, r := range p.rules {
		matched, err := p.eval.Evaluate(ctx, r.program, failure)
		if err != nil {
			p.log.WarnwCtx(ctx, "Failure rule evaluation failed", "rule", r.name, "error", err)
			continue
		}
		if matched {
			return Decision{Action: r.action, Delay: r.delay, Rule: r.name}
		}
	}

	if failure.Fatal || failure.Attempts >= p.maxAttempts {
		return Decision{Action: DeadLetter}
	}
	return Decision{Action: Retry}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorCode(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
