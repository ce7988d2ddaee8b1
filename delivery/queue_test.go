package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	fail  bool
	calls []string
}

func (f *fakeSender) Send(_ context.Context, recipientID, endpoint string, _ []byte) error {
	f.calls = append(f.calls, recipientID+" "+endpoint)
	if f.fail {
		return errors.New("peer unreachable")
	}
	return nil
}

func TestProcessDeliversDue(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Pending{DeliveryID: "d1", RecipientID: "peer-a", Endpoint: "chat/message", Kind: KindMessage})

	sender := &fakeSender{}
	delivered, failed := q.Process(context.Background(), sender)
	require.Len(t, delivered, 1)
	assert.Empty(t, failed)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []string{"peer-a chat/message"}, sender.calls)
}

func TestProcessReschedulesOnFailure(t *testing.T) {
	q := NewQueue()
	base := time.Unix(1_000_000, 0)
	q.now = func() time.Time { return base }

	q.Enqueue(Pending{DeliveryID: "d1", RecipientID: "peer-a", Kind: KindMessage})

	sender := &fakeSender{fail: true}
	delivered, failed := q.Process(context.Background(), sender)
	assert.Empty(t, delivered)
	assert.Empty(t, failed)
	require.Equal(t, 1, q.Len())

	pending := q.PendingFor("peer-a")
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, base.Unix()+5, pending[0].NextAttempt)

	// Not due again until the backoff elapses.
	delivered, _ = q.Process(context.Background(), sender)
	assert.Empty(t, delivered)
	assert.Len(t, sender.calls, 1)

	q.now = func() time.Time { return base.Add(6 * time.Second) }
	sender.fail = false
	delivered, _ = q.Process(context.Background(), sender)
	assert.Len(t, delivered, 1)
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		retry int
		want  int64
	}{
		{0, 0}, {1, 5}, {2, 15}, {3, 45}, {4, 120}, {5, 300}, {50, 300},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.retry))
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	q := NewQueue()
	base := time.Unix(1_000_000, 0)
	q.now = func() time.Time { return base }

	q.Enqueue(Pending{
		DeliveryID:  "d1",
		RecipientID: "peer-a",
		Kind:        KindGroupInvite,
		RetryCount:  maxRetriesControl - 1,
	})

	sender := &fakeSender{fail: true}
	delivered, failed := q.Process(context.Background(), sender)
	assert.Empty(t, delivered)
	require.Len(t, failed, 1)
	assert.Equal(t, "d1", failed[0].DeliveryID)
	assert.Equal(t, 0, q.Len())

	// The failure is reported exactly once.
	_, failed = q.Process(context.Background(), sender)
	assert.Empty(t, failed)
}

func TestRetryBudgetByKind(t *testing.T) {
	msg := Pending{Kind: KindMessage}
	assert.Equal(t, maxRetriesMessage, msg.maxRetries())

	group := Pending{Kind: KindGroupMessage}
	assert.Equal(t, maxRetriesMessage, group.maxRetries())

	invite := Pending{Kind: KindGroupInvite}
	assert.Equal(t, maxRetriesControl, invite.maxRetries())

	rekey := Pending{Kind: KindGroupRekey}
	assert.Equal(t, maxRetriesControl, rekey.maxRetries())
}

func TestProcessHonorsContext(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Pending{DeliveryID: "d1", RecipientID: "peer-a", Kind: KindMessage})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := &fakeSender{}
	delivered, failed := q.Process(ctx, sender)
	assert.Empty(t, delivered)
	assert.Empty(t, failed)
	assert.Empty(t, sender.calls)
	assert.Equal(t, 1, q.Len())
}
