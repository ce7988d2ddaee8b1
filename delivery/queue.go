// Package delivery implements the retrying outbound queue. Peers on a
// local network come and go; every payload waits in the queue until its
// recipient is reachable or its retry budget runs out.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Payload kinds, which determine the retry budget.
const (
	KindMessage      = "message"
	KindGroupMessage = "groupMessage"
	KindGroupInvite  = "groupInvite"
	KindGroupRekey   = "groupRekey"
	KindAck          = "ack"
)

const (
	maxRetriesMessage = 100
	maxRetriesControl = 50
)

// backoffSchedule gives the delay in seconds before the next attempt,
// indexed by retry count; past the end every retry waits the same flat
// interval.
var backoffSchedule = []int64{0, 5, 15, 45, 120}

const backoffFlatSeconds = 300

// Sender pushes one payload to one peer. Implementations decide the
// transport; the queue only cares whether the attempt succeeded.
type Sender interface {
	Send(ctx context.Context, recipientID, endpoint string, payload []byte) error
}

// Pending is one queued payload with its retry state.
type Pending struct {
	DeliveryID     string `json:"deliveryId"`
	RecipientID    string `json:"recipientId"`
	Endpoint       string `json:"endpoint"`
	Payload        []byte `json:"payload"`
	Kind           string `json:"kind"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RetryCount     int    `json:"retryCount"`
	NextAttempt    int64  `json:"nextAttempt"`
}

func (p *Pending) maxRetries() int {
	if p.Kind == KindMessage || p.Kind == KindGroupMessage {
		return maxRetriesMessage
	}
	return maxRetriesControl
}

// Queue holds pending deliveries in memory. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []Pending
	now     func() time.Time
}

// NewQueue creates an empty delivery queue.
func NewQueue() *Queue {
	return &Queue{now: time.Now}
}

// Enqueue adds a payload for immediate delivery on the next Process.
func (q *Queue) Enqueue(p Pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.NextAttempt == 0 {
		p.NextAttempt = q.now().Unix()
	}
	q.pending = append(q.pending, p)
}

// Len returns the number of queued deliveries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingFor returns copies of the queued deliveries for one recipient.
func (q *Queue) PendingFor(recipientID string) []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Pending
	for _, p := range q.pending {
		if p.RecipientID == recipientID {
			out = append(out, p)
		}
	}
	return out
}

// Process attempts every due delivery once and returns what was
// delivered and what exhausted its retries. A failed attempt pushes the
// delivery's next attempt out on the backoff schedule; exhausted
// deliveries are dropped from the queue and reported exactly once.
func (q *Queue) Process(ctx context.Context, sender Sender) (delivered, failed []Pending) {
	q.mu.Lock()
	due := make([]Pending, 0)
	nowUnix := q.now().Unix()
	for _, p := range q.pending {
		if p.NextAttempt <= nowUnix {
			due = append(due, p)
		}
	}
	q.mu.Unlock()

	for _, p := range due {
		if ctx.Err() != nil {
			return delivered, failed
		}

		err := sender.Send(ctx, p.RecipientID, p.Endpoint, p.Payload)
		if err == nil {
			q.remove(p.DeliveryID)
			delivered = append(delivered, p)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Process",
			"delivery_id": p.DeliveryID,
			"recipient":   p.RecipientID,
			"retry_count": p.RetryCount,
			"error":       err,
		}).Debug("Delivery attempt failed")

		if p.RetryCount+1 >= p.maxRetries() {
			q.remove(p.DeliveryID)
			failed = append(failed, p)
			logrus.WithFields(logrus.Fields{
				"function":    "Process",
				"delivery_id": p.DeliveryID,
				"recipient":   p.RecipientID,
			}).Warn("Delivery abandoned after retry budget exhausted")
			continue
		}
		q.reschedule(p.DeliveryID)
	}
	return delivered, failed
}

func (q *Queue) remove(deliveryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].DeliveryID == deliveryID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) reschedule(deliveryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].DeliveryID == deliveryID {
			q.pending[i].RetryCount++
			q.pending[i].NextAttempt = q.now().Unix() + backoffDelay(q.pending[i].RetryCount)
			return
		}
	}
}

func backoffDelay(retryCount int) int64 {
	if retryCount < len(backoffSchedule) {
		return backoffSchedule[retryCount]
	}
	return backoffFlatSeconds
}
