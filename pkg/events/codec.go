package events

import (
	"encoding/json"
	"fmt"
	"strings"

	dErrors "signupflow/pkg/domain-errors"
)

// Encode renders an event in its canonical JSON form.
func Encode(e Event) ([]byte, error) {
	if err := checkEnvelope(e.Meta(), e.Name()); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses data as E. Any failure is a malformed-message error: the
// payload can never succeed on redelivery.
func Decode[E Event](data []byte) (E, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return e, dErrors.Wrap(err, dErrors.CodeMalformedMessage, "undecodable event payload")
	}
	if err := checkEnvelope(e.Meta(), e.Name()); err != nil {
		return e, err
	}
	if err := e.validate(); err != nil {
		return e, err
	}
	return e, nil
}

// SupportsVersion accepts any 1.x version; a new major is a breaking change.
func SupportsVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	return major == "1"
}

func checkEnvelope(env Envelope, name string) error {
	switch {
	case env.ID.IsNil():
		return dErrors.New(dErrors.CodeMalformedMessage, "event id is required")
	case env.MessageType != MessageTypeEvent:
		return dErrors.New(dErrors.CodeMalformedMessage, fmt.Sprintf("unexpected messageType %q", env.MessageType))
	case env.EventName != name:
		return dErrors.New(dErrors.CodeMalformedMessage, fmt.Sprintf("expected eventName %q, got %q", name, env.EventName))
	case !SupportsVersion(env.EventVersion):
		return dErrors.New(dErrors.CodeMalformedMessage, fmt.Sprintf("unsupported eventVersion %q", env.EventVersion))
	}
	return nil
}

type field struct {
	name    string
	present bool
}

func requireFields(fields ...field) error {
	for _, f := range fields {
		if !f.present {
			return dErrors.New(dErrors.CodeMalformedMessage, f.name+" is required")
		}
	}
	return nil
}
