package otp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Skotchmaster/deed_portal/internal/mykafka"
)

// Dispatcher delivers a message to an identity out of band.
type Dispatcher interface {
	Send(ctx context.Context, identity, message string) error
}

// WriterDispatcher prints messages for local development.
type WriterDispatcher struct {
	mu sync.Mutex
	W  io.Writer
}

func NewWriterDispatcher(w io.Writer) *WriterDispatcher {
	if w == nil {
		w = os.Stderr
	}
	return &WriterDispatcher{W: w}
}

func (d *WriterDispatcher) Send(_ context.Context, identity, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.W, "[otp] to=%s %s\n", identity, message)
	return err
}

// Notification is the payload published to the notification topic.
type Notification struct {
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// KafkaDispatcher hands messages to the notification service through kafka.
type KafkaDispatcher struct {
	Publisher mykafka.Publisher
	Topic     string
}

func NewKafkaDispatcher(p mykafka.Publisher, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{Publisher: p, Topic: topic}
}

func (d *KafkaDispatcher) Send(ctx context.Context, identity, message string) error {
	n := Notification{
		Channel:   channelFor(identity),
		Recipient: identity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	return d.Publisher.PublishEvent(ctx, d.Topic, identity, n)
}

func channelFor(identity string) string {
	for _, r := range identity {
		if r == '@' {
			return "email"
		}
	}
	return "sms"
}
