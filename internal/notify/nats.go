package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is the JSON payload published on NATS.
type Message struct {
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
	Service string    `json:"service"`
}

// publisher is the subset of *nats.Conn used here.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATS publishes notifications as JSON messages on a subject.
type NATS struct {
	conn    publisher
	subject string
	now     func() time.Time
}

// NewNATS connects to url.
func NewNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("calmirror"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: subject, now: time.Now}, nil
}

func (n *NATS) Notify(ctx context.Context, message string) error {
	data, err := json.Marshal(Message{Time: n.now().UTC(), Text: message, Service: "calmirror"})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATS) Close() {
	n.conn.Close()
}
