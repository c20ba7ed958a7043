// Package kafka adapts franz-go to the service topology: one topic per
// exchange, the routing key carried as a record header, and a delivery-count
// header for bounded redelivery.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"signupflow/internal/platform/config"
)

// Record headers.
const (
	HeaderRoutingKey    = "routing-key"
	HeaderEventName     = "event-name"
	HeaderEventVersion  = "event-version"
	HeaderEventID       = "event-id"
	HeaderDeliveryCount = "delivery-count"
	HeaderLastError     = "last-error"
	HeaderOriginalTopic = "original-topic"
)

// NewClient builds a franz-go client seeded from config. Callers add
// producer or consumer-group options.
func NewClient(cfg config.Kafka, opts ...kgo.Opt) (*kgo.Client, error) {
	base := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return cl, nil
}

// EnsureTopics creates the topics that do not exist yet. Existing topics are
// left untouched.
func EnsureTopics(ctx context.Context, cl *kgo.Client, cfg config.Kafka, topics ...string) error {
	adm := kadm.NewClient(cl)
	resp, err := adm.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for topic, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, r.Err)
		}
	}
	return nil
}

// Header returns the value of the first header named key.
func Header(r *kgo.Record, key string) (string, bool) {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// SetHeader replaces (or appends) the header named key.
func SetHeader(r *kgo.Record, key, value string) {
	for i, h := range r.Headers {
		if h.Key == key {
			r.Headers[i].Value = []byte(value)
			return
		}
	}
	r.Headers = append(r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

// DeliveryCount is 1 for a record that has never been requeued.
func DeliveryCount(r *kgo.Record) int {
	v, ok := Header(r, HeaderDeliveryCount)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
