package consumer

import (
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"signupflow/internal/platform/kafka"
)

// Message is one delivered record, with the topology headers lifted out.
type Message struct {
	Topic         string
	Partition     int32
	Offset        int64
	Key           []byte
	Value         []byte
	Headers       map[string]string
	RoutingKey    string
	DeliveryCount int
	Timestamp     time.Time
}

func newMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:         r.Topic,
		Partition:     r.Partition,
		Offset:        r.Offset,
		Key:           r.Key,
		Value:         r.Value,
		Headers:       headers,
		RoutingKey:    headers[kafka.HeaderRoutingKey],
		DeliveryCount: kafka.DeliveryCount(r),
		Timestamp:     r.Timestamp,
	}
}

// permanentError marks a handler failure that redelivery cannot fix.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer acknowledges and drops the message
// instead of requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ErrNoRoute is returned by Router for routing keys nothing is bound to.
var ErrNoRoute = errors.New("no handler bound to routing key")
