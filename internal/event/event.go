package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of event types the pipeline understands.
type Kind string

const (
	KindPageView        Kind = "page_view"
	KindUserAction      Kind = "user_action"
	KindPurchase        Kind = "purchase"
	KindCheckCartStatus Kind = "check_cart_status"
)

// SchemaVersion is stamped on events produced by this version of the pipeline.
const SchemaVersion = "1.0"

// ProducerVersion identifies the intake build in event metadata.
const ProducerVersion = "2.1.0"

// Metadata keys. The metadata map is the open extension surface of an event;
// these are the keys the pipeline itself reads and writes.
const (
	MetaClientIP        = "ClientIp"
	MetaIPChain         = "IpChain"
	MetaDeviceID        = "DeviceId"
	MetaLocation        = "Location"
	MetaBrowser         = "Browser"
	MetaOS              = "OS"
	MetaContextHash     = "ContextHash"
	MetaIngestedAt      = "IngestedAt"
	MetaProducerVersion = "ProducerVersion"
	MetaOccurrenceTime  = "OccurrenceTime"
	MetaRiskScore       = "RiskScore"
	MetaRiskReason      = "RiskReason"
	MetaIsSuspicious    = "IsSuspicious"
	MetaForceSuspicious = "ForceSuspicious"
)

// LocationInternal is the sentinel geo value for traffic from inside our own
// network. The travel signal treats it as "no information", not a move.
const LocationInternal = "Internal"

// Event is the envelope every message in the pipeline shares. Once enrichment
// has run, everything except Metadata and ConfidenceScore is immutable:
// DeduplicationID and PayloadHash in particular are set exactly once and are
// the idempotency contract between intake and storage.
type Event struct {
	EventID         string            `json:"eventId"`
	CorrelationID   string            `json:"correlationId"`
	CausationID     string            `json:"causationId,omitempty"`
	DeduplicationID string            `json:"deduplicationId,omitempty"`
	PayloadHash     string            `json:"payloadHash,omitempty"`
	TenantID        string            `json:"tenantId"`
	UserID          string            `json:"userId,omitempty"`
	Type            Kind              `json:"eventType"`
	CreatedAt       time.Time         `json:"createdAt"`
	SchemaVersion   string            `json:"schemaVersion"`
	ConfidenceScore float64           `json:"confidenceScore"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	Payload Payload `json:"-"`
}

// Payload is the kind-specific part of an event. The set of implementations
// is closed; decoding goes through the registry so an unknown kind can never
// produce a half-built event.
type Payload interface {
	Kind() Kind
	Validate() error
}

// PageView is a browser page impression.
type PageView struct {
	URL       string `json:"url"`
	Referrer  string `json:"referrer,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

func (PageView) Kind() Kind { return KindPageView }

// UserAction is a deliberate user interaction (clicks, cart operations).
type UserAction struct {
	ActionName string         `json:"actionName"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (UserAction) Kind() Kind { return KindUserAction }

// Purchase extends UserAction with order value.
type Purchase struct {
	UserAction
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

func (Purchase) Kind() Kind { return KindPurchase }

// CheckCartStatus is a system-scheduled follow-up, never client-submitted in
// normal operation. Since is the moment of the triggering add_to_cart.
type CheckCartStatus struct {
	Since time.Time `json:"since,omitempty"`
}

func (CheckCartStatus) Kind() Kind { return KindCheckCartStatus }

// New builds an event envelope with generated identity and current event time.
func New(kind Kind, tenantID string, p Payload) *Event {
	return &Event{
		EventID:         uuid.NewString(),
		TenantID:        tenantID,
		Type:            kind,
		CreatedAt:       time.Now().UTC(),
		SchemaVersion:   SchemaVersion,
		ConfidenceScore: 1.0,
		Metadata:        map[string]string{},
		Payload:         p,
	}
}

// Meta returns a metadata value, tolerating a nil map.
func (e *Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMeta writes a metadata value, allocating the map on first use.
func (e *Event) SetMeta(key, value string) {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[key] = value
}

// ScoreWeight is the contribution of one event of this kind to the user's
// aggregate risk-interest score.
func (k Kind) ScoreWeight() int {
	switch k {
	case KindPageView:
		return 1
	case KindUserAction:
		return 10
	case KindPurchase:
		return 50
	default:
		return 0
	}
}

// MarshalJSON flattens the kind-specific payload into the envelope so the
// wire format stays a single flat object. Value receiver so the flattening
// also applies when an Event is embedded by value, as in stored documents.
func (e Event) MarshalJSON() ([]byte, error) {
	type envelope Event
	base, err := json.Marshal(envelope(e))
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return base, nil
	}
	extra, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return mergeObjects(base, extra)
}

// mergeObjects splices the fields of b into a. Both must be JSON objects.
func mergeObjects(a, b []byte) ([]byte, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}
