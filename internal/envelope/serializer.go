package envelope

import (
	"errors"
	"fmt"
	"reflect"

	jsoniter "github.com/json-iterator/go"
	cmap "github.com/orcaman/concurrent-map"
)

const ContentTypeJSON = "application/json"

var ErrUnknownMessageType = errors.New("unknown message type")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Serializer converts message bodies to and from bytes. Message types must be
// registered before incoming envelopes of that type can be deserialized.
type Serializer struct {
	types cmap.ConcurrentMap
}

func NewSerializer() *Serializer {
	return &Serializer{types: cmap.New()}
}

func (s *Serializer) ContentType() string {
	return ContentTypeJSON
}

// Register binds messageType to the Go type of sample.
func (s *Serializer) Register(messageType string, sample interface{}) {
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.types.Set(messageType, t)
}

func (s *Serializer) Registered(messageType string) bool {
	return s.types.Has(messageType)
}

func (s *Serializer) Marshal(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

// Unmarshal returns a pointer to a new value of the registered type.
func (s *Serializer) Unmarshal(messageType string, data []byte) (interface{}, error) {
	v, ok := s.types.Get(messageType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}

	ptr := reflect.New(v.(reflect.Type))
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", messageType, err)
	}
	return ptr.Interface(), nil
}

// Clear forgets every registration.
func (s *Serializer) Clear() {
	for _, key := range s.types.Keys() {
		s.types.Remove(key)
	}
}

// EnsureData serializes the message on first use. Existing bytes are kept.
func (e *Envelope) EnsureData(s *Serializer) error {
	if e.Data != nil {
		return nil
	}
	if e.Message == nil {
		if e.IsPing() {
			return nil
		}
		return fmt.Errorf("envelope %s has neither message nor data", e.ID)
	}

	data, err := s.Marshal(e.Message)
	if err != nil {
		return fmt.Errorf("serialize envelope %s: %w", e.ID, err)
	}
	e.Data = data
	e.ContentType = s.ContentType()
	return nil
}

// EnsureMessage deserializes Data into Message if needed.
func (e *Envelope) EnsureMessage(s *Serializer) error {
	if e.Message != nil || e.Data == nil {
		return nil
	}
	msg, err := s.Unmarshal(e.MessageType, e.Data)
	if err != nil {
		return err
	}
	e.Message = msg
	return nil
}
