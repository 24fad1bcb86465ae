package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Decode errors the worker uses to separate poison messages from transient
// failures: both classes fail the same way on every delivery.
var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrBadPayload  = errors.New("malformed event payload")
)

// ValidationError reports a missing or malformed required field. It is a
// synchronous rejection, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

// namespacePrefix is the producer-side alias prefix some SDKs prepend to the
// event type. "cloudscale.events.Page-View" normalizes to "page_view".
const namespacePrefix = "cloudscale.events."

// NormalizeKind maps client-supplied type aliases onto the canonical tag.
func NormalizeKind(raw string) Kind {
	s := strings.TrimSpace(raw)
	if cut, ok := strings.CutPrefix(strings.ToLower(s), namespacePrefix); ok {
		s = cut
	}
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return Kind(s)
}

// decoders is the closed registry of event kinds. Adding a kind means adding
// one entry here plus its Payload type; nothing else switches on the tag.
var decoders = map[Kind]func([]byte) (Payload, error){
	KindPageView:        decodeInto[*PageView],
	KindUserAction:      decodeInto[*UserAction],
	KindPurchase:        decodeInto[*Purchase],
	KindCheckCartStatus: decodeInto[*CheckCartStatus],
}

func decodeInto[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return p, nil
}

// KnownKind reports whether the (already normalized) kind is registered.
func KnownKind(k Kind) bool {
	_, ok := decoders[k]
	return ok
}

// Decode parses a flat event object of the given kind and validates it.
// The raw bytes carry both the envelope and the payload fields.
func Decode(kind Kind, raw []byte) (*Event, error) {
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	p, err := decode(raw)
	if err != nil {
		return nil, err
	}
	e.Type = kind
	e.Payload = p

	applyDefaults(&e)
	if err := validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeAny resolves the kind from the payload's own eventType (or type)
// field, accepting the namespaced alias form.
func DecodeAny(raw []byte) (*Event, error) {
	var probe struct {
		EventType string `json:"eventType"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	tag := probe.EventType
	if tag == "" {
		tag = probe.Type
	}
	if tag == "" {
		return nil, &ValidationError{Field: "eventType", Reason: "is required"}
	}
	return Decode(NormalizeKind(tag), raw)
}

func applyDefaults(e *Event) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = SchemaVersion
	}
	if e.ConfidenceScore == 0 {
		e.ConfidenceScore = 1.0
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
}

func validate(e *Event) error {
	if e.TenantID == "" {
		return &ValidationError{Field: "tenantId", Reason: "is required"}
	}
	if err := e.Payload.Validate(); err != nil {
		return err
	}
	// check_cart_status is system-generated and carries no user payload rules.
	if e.Type != KindCheckCartStatus && e.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	return nil
}

// Validate enforces the page-view schema.
func (p *PageView) Validate() error {
	if p.URL == "" {
		return &ValidationError{Field: "url", Reason: "is required"}
	}
	return nil
}

// Validate enforces the user-action schema.
func (p *UserAction) Validate() error {
	if p.ActionName == "" {
		return &ValidationError{Field: "actionName", Reason: "is required"}
	}
	return nil
}

// Validate enforces the purchase schema on top of the user-action rules.
func (p *Purchase) Validate() error {
	if err := p.UserAction.Validate(); err != nil {
		return err
	}
	if p.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}

// Validate is a no-op; the follow-up check carries only optional context.
func (p *CheckCartStatus) Validate() error { return nil }
