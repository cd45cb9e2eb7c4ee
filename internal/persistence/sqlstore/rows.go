package sqlstore

import (
	"fmt"
	"time"

	"postal/internal/envelope"
)

const incomingColumns = `id, status, owner_id, destination, message_type, attempts, scheduled_time, deliver_by, received_at, body`

type incomingRow struct {
	ID            string     `db:"id"`
	Status        string     `db:"status"`
	OwnerID       int        `db:"owner_id"`
	Destination   string     `db:"destination"`
	MessageType   string     `db:"message_type"`
	Attempts      int        `db:"attempts"`
	ScheduledTime *time.Time `db:"scheduled_time"`
	DeliverBy     *time.Time `db:"deliver_by"`
	ReceivedAt    time.Time  `db:"received_at"`
	Body          []byte     `db:"body"`
}

func toIncomingRow(env *envelope.Envelope) (*incomingRow, error) {
	body, err := envelope.MarshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	return &incomingRow{
		ID:            env.ID.String(),
		Status:        string(env.Status),
		OwnerID:       env.OwnerID,
		Destination:   env.Destination,
		MessageType:   env.MessageType,
		Attempts:      env.Attempts,
		ScheduledTime: utc(env.ScheduledTime),
		DeliverBy:     utc(env.DeliverBy),
		ReceivedAt:    env.ReceivedAt.UTC(),
		Body:          body,
	}, nil
}

// envelope rebuilds the envelope from its stored body. Columns win over the
// body because only the columns are updated after insert.
func (r *incomingRow) envelope() (*envelope.Envelope, error) {
	env, err := envelope.UnmarshalEnvelope(r.Body)
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope %s: %w", r.ID, err)
	}
	env.Status = envelope.Status(r.Status)
	env.OwnerID = r.OwnerID
	env.Attempts = r.Attempts
	env.ScheduledTime = utc(r.ScheduledTime)
	return env, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const deadLetterColumns = `id, envelope_id, envelope, message_type, exception_type, exception_message, stack_trace, endpoint, attempts, failed_at`

type deadLetterRow struct {
	ID               string    `db:"id"`
	EnvelopeID       string    `db:"envelope_id"`
	Envelope         []byte    `db:"envelope"`
	MessageType      string    `db:"message_type"`
	ExceptionType    string    `db:"exception_type"`
	ExceptionMessage string    `db:"exception_message"`
	StackTrace       string    `db:"stack_trace"`
	Endpoint         string    `db:"endpoint"`
	Attempts         int       `db:"attempts"`
	FailedAt         time.Time `db:"failed_at"`
}

func toDeadLetterRow(r *envelope.ErrorReport) *deadLetterRow {
	return &deadLetterRow{
		ID:               r.ID,
		EnvelopeID:       r.EnvelopeID,
		Envelope:         r.Envelope,
		MessageType:      r.MessageType,
		ExceptionType:    r.ExceptionType,
		ExceptionMessage: r.ExceptionMessage,
		StackTrace:       r.StackTrace,
		Endpoint:         r.Endpoint,
		Attempts:         r.Attempts,
		FailedAt:         r.Time.UTC(),
	}
}

func (r *deadLetterRow) report() *envelope.ErrorReport {
	return &envelope.ErrorReport{
		ID:               r.ID,
		EnvelopeID:       r.EnvelopeID,
		Envelope:         r.Envelope,
		MessageType:      r.MessageType,
		ExceptionType:    r.ExceptionType,
		ExceptionMessage: r.ExceptionMessage,
		StackTrace:       r.StackTrace,
		Endpoint:         r.Endpoint,
		Attempts:         r.Attempts,
		Time:             r.FailedAt,
	}
}
