package envelope

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIncoming  Status = "Incoming"
	StatusScheduled Status = "Scheduled"
	StatusHandled   Status = "Handled"
)

// AnyNode marks an envelope that any node may claim.
const AnyNode = 0

const PingMessageType = "postal.ping"

// Envelope is a message in flight together with its delivery state.
type Envelope struct {
	ID            uuid.UUID `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	SagaID        string    `json:"saga_id,omitempty"`

	// Message is the deserialized body. It never crosses the wire; Data does.
	Message     interface{} `json:"-"`
	Data        []byte      `json:"data,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	MessageType string      `json:"message_type"`

	Destination string `json:"destination"`
	ReplyURI    string `json:"reply_uri,omitempty"`
	OwnerID     int    `json:"owner_id"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	SentAt        time.Time  `json:"sent_at"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	DeliverBy     *time.Time `json:"deliver_by,omitempty"`

	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"received_at,omitempty"`
	Source     string            `json:"source,omitempty"`
}

func New(messageType string, message interface{}) *Envelope {
	return &Envelope{
		ID:          uuid.New(),
		Message:     message,
		MessageType: messageType,
		Status:      StatusIncoming,
		Headers:     make(map[string]string),
	}
}

// NewPing builds the connectivity probe sent ahead of real traffic.
func NewPing(destination string) *Envelope {
	env := New(PingMessageType, nil)
	env.Destination = destination
	env.SentAt = time.Now().UTC()
	return env
}

func (e *Envelope) IsPing() bool {
	return e.MessageType == PingMessageType
}

func (e *Envelope) IsExpired(now time.Time) bool {
	return e.DeliverBy != nil && e.DeliverBy.Before(now)
}

func (e *Envelope) IsScheduledForLater(now time.Time) bool {
	return e.ScheduledTime != nil && e.ScheduledTime.After(now)
}

// MarkReceived stamps inbound metadata and settles the delivery status.
// Envelopes due in the future become Scheduled and claimable by any node.
func (e *Envelope) MarkReceived(source string, nodeID int, now time.Time) {
	e.ReceivedAt = now
	e.Source = source

	if e.IsScheduledForLater(now) {
		e.Status = StatusScheduled
		e.OwnerID = AnyNode
		return
	}
	e.Status = StatusIncoming
	e.OwnerID = nodeID
}

// ScheduleUntil moves the envelope to Scheduled for the given time.
func (e *Envelope) ScheduleUntil(at time.Time) {
	at = at.UTC()
	e.ScheduledTime = &at
	e.Status = StatusScheduled
	e.OwnerID = AnyNode
}

// MarkDue flips a Scheduled envelope back to Incoming once its time came.
func (e *Envelope) MarkDue(nodeID int) {
	e.Status = StatusIncoming
	e.OwnerID = nodeID
}

func (e *Envelope) IncrementAttempts() {
	e.Attempts++
}

func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Clone copies the envelope. The serialized body is shared since it never
// changes once produced.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.ScheduledTime != nil {
		t := *e.ScheduledTime
		c.ScheduledTime = &t
	}
	if e.DeliverBy != nil {
		t := *e.DeliverBy
		c.DeliverBy = &t
	}
	return &c
}
