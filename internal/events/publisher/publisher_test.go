package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupflow/internal/platform/kafka"
	"signupflow/internal/platform/kafka/producer"
	"signupflow/internal/platform/logger"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/events"
)

type recordingSender struct {
	sent []producer.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg producer.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	sender := &recordingSender{}
	m := NewMetrics(prometheus.NewRegistry())
	p := New(sender, WithLogger(logger.Discard()), WithMetrics(m))

	userID := id.NewUserID()
	evt := events.NewUserCreated(time.Now(), userID, "alice@example.com", "alice", time.Now())
	require.NoError(t, p.Publish(context.Background(), evt))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, events.ExchangeUserEvents, msg.Topic)
	assert.Equal(t, userID.String(), msg.Key)
	assert.Equal(t, events.RoutingKeyUserCreated, msg.Headers[kafka.HeaderRoutingKey])
	assert.Equal(t, events.NameUserCreated, msg.Headers[kafka.HeaderEventName])
	assert.Equal(t, events.VersionV1, msg.Headers[kafka.HeaderEventVersion])
	assert.Equal(t, evt.ID.String(), msg.Headers[kafka.HeaderEventID])

	decoded, err := events.Decode[events.UserCreated](msg.Value)
	require.NoError(t, err)
	assert.Equal(t, userID, decoded.UserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues(events.NameUserCreated, "ok")))
}

func TestPublisher_BrokerFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("not enough replicas")}
	p := New(sender, WithLogger(logger.Discard()))

	err := p.Publish(context.Background(),
		events.NewEmailSent(time.Now(), id.NewUserID(), "alice@example.com", events.EmailTypeVerification, nil))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStoreUnavailable))
}

func TestPublisher_InvalidEventIsNotSent(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, WithLogger(logger.Discard()))

	err := p.Publish(context.Background(),
		events.NewUserCreated(time.Now(), id.UserID{}, "alice@example.com", "alice", time.Now()))
	require.Error(t, err)
	assert.Empty(t, sender.sent)
}
