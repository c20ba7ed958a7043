package producer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeClient struct {
	records []*kgo.Record
	err     error
}

func (f *fakeClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func TestSend(t *testing.T) {
	t.Run("writes key value and sorted headers", func(t *testing.T) {
		fc := &fakeClient{}
		p := New(fc)

		err := p.Send(context.Background(), Message{
			Topic:   "user_events",
			Key:     "user-1",
			Value:   []byte(`{}`),
			Headers: map[string]string{"routing-key": "user.created", "event-name": "UserCreated"},
		})
		require.NoError(t, err)
		require.Len(t, fc.records, 1)

		rec := fc.records[0]
		assert.Equal(t, "user_events", rec.Topic)
		assert.Equal(t, []byte("user-1"), rec.Key)
		require.Len(t, rec.Headers, 2)
		assert.Equal(t, "event-name", rec.Headers[0].Key)
		assert.Equal(t, "routing-key", rec.Headers[1].Key)
	})

	t.Run("surfaces broker error", func(t *testing.T) {
		p := New(&fakeClient{err: errors.New("not leader")})
		err := p.Send(context.Background(), Message{Topic: "user_events"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not leader")
	})
}
