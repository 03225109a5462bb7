package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CallsHandlerAndCommits(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []byte("k"), gotK)
	require.Equal(t, []byte("v"), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(k, v []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "t", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

func TestConsumer_ConsumeOrderStatus_SkipsMalformed(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{
			{Value: []byte("not-json")},
			{Value: []byte(`{"order_id":0,"new_status":"processing"}`)},
			{Key: []byte("42"), Value: []byte(`{"order_id":42,"old_status":"pending","new_status":"processing"}`)},
		},
		err: errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var got []messages.OrderStatusChanged
	err := c.ConsumeOrderStatus(context.Background(), func(ctx context.Context, msg messages.OrderStatusChanged) error {
		got = append(got, msg)
		return nil
	})
	require.Error(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(42), got[0].OrderID)
	require.Equal(t, "processing", got[0].NewStatus)
	require.Len(t, fr.committed, 3)
}
