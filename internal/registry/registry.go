// Package registry maps envelope types to the topic they travel on and the
// decoder that validates their payload.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"courier-go/internal/config"
	"courier-go/internal/domain"
)

// DecodeFunc parses and validates a serialized payload.
// Errors wrap domain.ErrInvalidPayload.
type DecodeFunc func(data []byte) (any, error)

// Entry describes one envelope type.
type Entry struct {
	Type   domain.EnvelopeType
	Topic  string
	Decode DecodeFunc
}

// Registry is built once at startup and is read-only afterwards.
type Registry struct {
	entries  map[domain.EnvelopeType]Entry
	defaults map[string]domain.EnvelopeType
}

// New builds the registry for the configured topics.
func New(topics config.TopicsConfig) *Registry {
	r := &Registry{
		entries:  make(map[domain.EnvelopeType]Entry),
		defaults: make(map[string]domain.EnvelopeType),
	}

	r.Register(Entry{Type: domain.TypeNotification, Topic: topics.Notifications, Decode: decodeJSON[domain.NotificationRequest]})
	r.Register(Entry{Type: domain.TypeInApp, Topic: topics.Notifications, Decode: decodeJSON[domain.InAppNotificationRequest]})
	r.Register(Entry{Type: domain.TypeEmail, Topic: topics.Emails, Decode: decodeJSON[domain.EmailRequest]})
	r.Register(Entry{Type: domain.TypeOTPEmail, Topic: topics.Emails, Decode: decodeJSON[domain.OtpEmailRequest]})
	r.Register(Entry{Type: domain.TypeSMS, Topic: topics.SMS, Decode: decodeJSON[domain.SmsRequest]})

	// Messages without a type header predate the header and use the topic's primary type.
	r.SetDefault(topics.Notifications, domain.TypeNotification)
	r.SetDefault(topics.Emails, domain.TypeOTPEmail)
	r.SetDefault(topics.SMS, domain.TypeSMS)

	return r
}

// Register adds or replaces the entry for e.Type.
func (r *Registry) Register(e Entry) {
	r.entries[e.Type] = e
}

// SetDefault sets the type assumed for messages on topic that carry no type header.
func (r *Registry) SetDefault(topic string, typ domain.EnvelopeType) {
	r.defaults[topic] = typ
}

// Lookup returns the entry for typ.
func (r *Registry) Lookup(typ domain.EnvelopeType) (Entry, error) {
	e, ok := r.entries[typ]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	return e, nil
}

// Decode parses data as a payload of type typ.
func (r *Registry) Decode(typ domain.EnvelopeType, data []byte) (any, error) {
	e, err := r.Lookup(typ)
	if err != nil {
		return nil, err
	}
	return e.Decode(data)
}

// DefaultType returns the type assumed for undecorated messages on topic.
func (r *Registry) DefaultType(topic string) (domain.EnvelopeType, bool) {
	typ, ok := r.defaults[topic]
	return typ, ok
}

// Topics returns every distinct topic in sorted order.
func (r *Registry) Topics() []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, e := range r.entries {
		if _, ok := seen[e.Topic]; ok {
			continue
		}
		seen[e.Topic] = struct{}{}
		topics = append(topics, e.Topic)
	}
	sort.Strings(topics)
	return topics
}

type validator interface {
	Validate() error
}

// decodeJSON unmarshals into a new T and validates it.
func decodeJSON[T any, P interface {
	*T
	validator
}](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	p := P(&v)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return p, nil
}
