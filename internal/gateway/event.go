package gateway

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// EventKind is the closed set of callback types.
type EventKind string

// Callback types.
const (
	EventKindProgress  EventKind = "progress"
	EventKindCompleted EventKind = "completed"
	EventKindFailed    EventKind = "failed"
)

// IsValid reports whether k is a known callback type.
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindProgress, EventKindCompleted, EventKindFailed:
		return true
	}

	return false
}

// String returns the string representation of the kind.
func (k EventKind) String() string {
	return string(k)
}

// ErrInvalidPayload is returned for callbacks that fail parsing or schema validation.
var ErrInvalidPayload = errors.New("invalid callback payload")

//go:embed callback.schema.json
var callbackSchemaJSON string

var callbackSchema = mustCompileSchema(callbackSchemaJSON)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile callback schema: %v", err))
	}

	return schema
}

// Timestamp is the provider's event time, kept verbatim so event id derivation is stable.
// Providers send either an RFC 3339 string or a unix number.
type Timestamp string

// UnmarshalJSON accepts a JSON string or number.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		*t = Timestamp(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp must be a string or number: %w", err)
	}

	*t = Timestamp(n.String())

	return nil
}

// CallbackError is the provider's failure description.
type CallbackError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// CallbackEvent is one provider notification.
type CallbackEvent struct {
	EventID        string         `json:"event_id,omitempty"`
	Type           EventKind      `json:"type"`
	ExternalTaskID string         `json:"external_task_id"`
	Status         string         `json:"status,omitempty"`
	Progress       *int           `json:"progress,omitempty"`
	ArtifactURLs   []string       `json:"artifact_urls,omitempty"`
	Error          *CallbackError `json:"error,omitempty"`
	Message        string         `json:"message,omitempty"`
	Timestamp      Timestamp      `json:"timestamp,omitempty"`
}

// ParseCallback validates raw against the callback schema and decodes it.
func ParseCallback(raw []byte) (*CallbackEvent, error) {
	result, err := callbackSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(msgs, "; "))
	}

	var ev CallbackEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}

	return &ev, nil
}

// Validate checks the fields the gateway relies on. It runs for parsed callbacks and for
// transitions synthesized by reconciliation alike.
func (ev *CallbackEvent) Validate() error {
	if !ev.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, ev.Type)
	}

	if strings.TrimSpace(ev.ExternalTaskID) == "" {
		return fmt.Errorf("%w: external_task_id is required", ErrInvalidPayload)
	}

	if ev.EventID == "" && ev.Timestamp == "" {
		return fmt.Errorf("%w: event_id or timestamp is required", ErrInvalidPayload)
	}

	if ev.Progress != nil && (*ev.Progress < 0 || *ev.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidPayload, *ev.Progress)
	}

	if ev.Type == EventKindCompleted && len(ev.ArtifactURLs) == 0 {
		return fmt.Errorf("%w: completed event without artifact_urls", ErrInvalidPayload)
	}

	return nil
}

// DeriveEventID returns the event's own id, or sha256(external_task_id|type|timestamp) in hex.
func DeriveEventID(ev *CallbackEvent) string {
	if ev.EventID != "" {
		return ev.EventID
	}

	sum := sha256.Sum256([]byte(ev.ExternalTaskID + "|" + string(ev.Type) + "|" + string(ev.Timestamp)))

	return hex.EncodeToString(sum[:])
}
