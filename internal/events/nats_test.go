package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/linkguard/internal/events"
	"github.com/koopa0/system-design/linkguard/internal/testutils"
)

func TestNoop(t *testing.T) {
	var p events.Publisher = events.Noop{}
	assert.NoError(t, p.PublishExpired(context.Background(), events.Expired{}))
}

// TestNATSPublisher_PublishExpired 發佈的事件可以被訂閱者收到並解碼
func TestNATSPublisher_PublishExpired(t *testing.T) {
	url := testutils.StartNATS(t)

	pub, err := events.Connect(url, "links.expired", testutils.Logger())
	require.NoError(t, err)
	defer pub.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe(pub.Subject(), msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	at := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	want := events.Expired{
		RunID:   "run-1",
		Trigger: events.TriggerSchedule,
		At:      at,
		Links: []events.ExpiredLink{
			{ID: 1, ShortCode: "abc123", ExpiresAt: at.Add(-time.Hour)},
			{ID: 2, ShortCode: "xyz789", Alias: "launch"},
		},
	}

	// 沒有 deadline 的 ctx 也要能 flush
	require.NoError(t, pub.PublishExpired(context.Background(), want))

	// 空批次不發佈
	require.NoError(t, pub.PublishExpired(context.Background(), events.Expired{RunID: "empty"}))

	select {
	case msg := <-msgs:
		var got events.Expired
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, want.Trigger, got.Trigger)
		assert.True(t, want.At.Equal(got.At))
		require.Len(t, got.Links, 2)
		assert.Equal(t, "launch", got.Links[1].Alias)
		assert.True(t, got.Links[1].ExpiresAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("expired event not received")
	}

	select {
	case msg := <-msgs:
		t.Fatalf("unexpected message: %s", msg.Data)
	case <-time.After(200 * time.Millisecond):
	}
}
