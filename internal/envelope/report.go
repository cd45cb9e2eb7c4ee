package envelope

import (
	"errors"
	"fmt"
	"time"

	apperrors "postal/pkg/errors"
)

// ErrorReport is what lands in dead letter storage.
type ErrorReport struct {
	ID               string    `json:"id" bson:"_id"`
	EnvelopeID       string    `json:"envelope_id" bson:"envelope_id"`
	Envelope         []byte    `json:"envelope" bson:"envelope"`
	MessageType      string    `json:"message_type" bson:"message_type"`
	ExceptionType    string    `json:"exception_type" bson:"exception_type"`
	ExceptionMessage string    `json:"exception_message" bson:"exception_message"`
	StackTrace       string    `json:"stack_trace,omitempty" bson:"stack_trace,omitempty"`
	Endpoint         string    `json:"endpoint" bson:"endpoint"`
	Attempts         int       `json:"attempts" bson:"attempts"`
	Time             time.Time `json:"time" bson:"time"`
}

func NewErrorReport(env *Envelope, cause error, endpoint string) (*ErrorReport, error) {
	data, err := MarshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope %s for error report: %w", env.ID, err)
	}

	report := &ErrorReport{
		ID:          env.ID.String(),
		EnvelopeID:  env.ID.String(),
		Envelope:    data,
		MessageType: env.MessageType,
		Endpoint:    endpoint,
		Attempts:    env.Attempts,
		Time:        time.Now().UTC(),
	}
	if cause != nil {
		report.ExceptionType = exceptionType(cause)
		report.ExceptionMessage = cause.Error()
		report.StackTrace = apperrors.StackTrace(cause)
	}
	return report, nil
}

// RestoreEnvelope decodes the envelope captured in the report.
func (r *ErrorReport) RestoreEnvelope() (*Envelope, error) {
	env, err := UnmarshalEnvelope(r.Envelope)
	if err != nil {
		return nil, fmt.Errorf("restore envelope %s: %w", r.EnvelopeID, err)
	}
	return env, nil
}

func exceptionType(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
