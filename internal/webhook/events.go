package webhook

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/portside/anchor/internal/shared"
)

// Event is one inbound webhook delivery as handed to the tracker. ID is the
// provider's delivery ID and is the idempotency key; Payload is the raw JSON
// body, validated against the schema for Type before anything is recorded.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// The closed set of event types this service processes. Anything else is
// rejected at the boundary.
const (
	TypePaymentSucceeded     = "payment.succeeded"
	TypePaymentFailed        = "payment.failed"
	TypeSubscriptionUpdated  = "subscription.updated"
	TypeSubscriptionCanceled = "subscription.canceled"
	TypeInvoiceFinalized     = "invoice.finalized"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var eventSchemaFiles = map[string]string{
	TypePaymentSucceeded:     "schemas/payment.succeeded.json",
	TypePaymentFailed:        "schemas/payment.failed.json",
	TypeSubscriptionUpdated:  "schemas/subscription.updated.json",
	TypeSubscriptionCanceled: "schemas/subscription.canceled.json",
	TypeInvoiceFinalized:     "schemas/invoice.finalized.json",
}

// KnownTypes lists the accepted event types, sorted.
func KnownTypes() []string {
	types := make([]string, 0, len(eventSchemaFiles))
	for t := range eventSchemaFiles {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validator checks webhook payloads against the JSON Schema for their event
// type. One compiled schema per type, built once at startup.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(eventSchemaFiles))
	for eventType, file := range eventSchemaFiles {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", eventType, err)
		}
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator needs for exactness.
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", eventType, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", eventType, err)
		}
		schema, err := c.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", eventType, err)
		}
		compiled[eventType] = schema
	}
	return &Validator{schemas: compiled}, nil
}

// Validate rejects unknown event types, malformed JSON, and payloads that do
// not match the type's schema. Everything comes back as a
// shared.ValidationError so callers can drop the delivery without recording
// anything.
func (v *Validator) Validate(evt Event) error {
	schema, ok := v.schemas[evt.Type]
	if !ok {
		return &shared.ValidationError{Msg: fmt.Sprintf("unknown event type %q", evt.Type)}
	}
	if len(evt.Payload) == 0 {
		return &shared.ValidationError{Msg: fmt.Sprintf("event %s has no payload", evt.ID)}
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(evt.Payload))
	if err != nil {
		return &shared.ValidationError{Msg: fmt.Sprintf("event %s payload is not valid JSON: %v", evt.ID, err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return &shared.ValidationError{
			Msg:        fmt.Sprintf("event %s payload does not match schema for %s", evt.ID, evt.Type),
			Violations: []string{err.Error()},
		}
	}
	return nil
}
