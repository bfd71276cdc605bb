package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/internal/model"
)

func TestEncodeEventKeysByElection(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &model.LedgerEvent{
		ID:         "evt-1",
		Type:       model.EventBallotCast,
		ElectionID: "e1",
		VoterID:    "s1",
		Head:       "abc",
		Seq:        3,
		Ballots:    2,
		At:         at,
	}

	msg, err := encodeEvent(event)
	require.NoError(t, err)
	require.Equal(t, []byte("e1"), msg.Key)
	require.Equal(t, at, msg.Time)
	require.Equal(t, []kafka.Header{{Key: "type", Value: []byte("BALLOT_CAST")}}, msg.Headers)

	decoded, err := decodeEvent(msg)
	require.NoError(t, err)
	require.Equal(t, event.ElectionID, decoded.ElectionID)
	require.Equal(t, event.Seq, decoded.Seq)
	require.Equal(t, event.Ballots, decoded.Ballots)
	require.True(t, at.Equal(decoded.At))
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := decodeEvent(kafka.Message{Value: []byte("not json")})
	require.Error(t, err)
}

func TestPublisherFunc(t *testing.T) {
	var got *model.LedgerEvent
	p := PublisherFunc(func(ctx context.Context, e *model.LedgerEvent) error {
		got = e
		return nil
	})

	e := &model.LedgerEvent{ElectionID: "e1"}
	require.NoError(t, p.Publish(context.Background(), e))
	require.Same(t, e, got)
	require.NoError(t, NopPublisher{}.Publish(context.Background(), e))
}
