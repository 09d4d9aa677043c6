package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/publisher"
)

var _ publisher.NotificationSink = (*NotificationPublisher)(nil)

const (
	ExchangeName = "markers.notifications"
	QueueName    = "marker_notifications"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
}

// NotificationPublisher turns show/cancel commands into messages on a fanout
// exchange. The consumer owns the visible notification set. A channel closed
// by the broker is replaced on the next publish.
type NotificationPublisher struct {
	open func() (channel, error)
	now  func() time.Time

	chMu sync.Mutex
	ch   channel

	mu      sync.Mutex
	markers map[domain.NotificationHandle]int64
}

func NewNotificationPublisher(conn *amqp.Connection) (*NotificationPublisher, error) {
	open := func() (channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("rabbitmq channel: %w", err)
		}
		if err := DeclareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}

	p := newNotificationPublisher(open)
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

func newNotificationPublisher(open func() (channel, error)) *NotificationPublisher {
	return &NotificationPublisher{
		open:    open,
		now:     time.Now,
		markers: make(map[domain.NotificationHandle]int64),
	}
}

func (p *NotificationPublisher) channel() (channel, error) {
	p.chMu.Lock()
	defer p.chMu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		slog.Warn("rabbitmq channel closed, reopening")
	}
	ch, err := p.open()
	if err != nil {
		p.ch = nil
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// DeclareTopology declares the exchange and the durable queue bound to it.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(QueueName, "", ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Message is the wire format shared with consumers.
type Message struct {
	Handle    domain.NotificationHandle    `json:"handle"`
	MarkerID  int64                        `json:"marker_id"`
	Event     domain.NotificationEventType `json:"event"`
	Title     string                       `json:"title,omitempty"`
	Body      string                       `json:"body,omitempty"`
	Timestamp int64                        `json:"timestamp"`
}

func (p *NotificationPublisher) Show(ctx context.Context, n *domain.Notification) (domain.NotificationHandle, error) {
	handle := domain.NotificationHandle(uuid.NewString())
	msg := Message{
		Handle:    handle,
		MarkerID:  n.MarkerID,
		Event:     domain.NotificationShow,
		Title:     n.Title,
		Body:      n.Body,
		Timestamp: p.now().Unix(),
	}
	if err := p.publish(ctx, &msg); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.markers[handle] = n.MarkerID
	p.mu.Unlock()
	return handle, nil
}

// Cancel publishes a cancel for a handle issued by Show. Unknown or already
// cancelled handles are ignored.
func (p *NotificationPublisher) Cancel(ctx context.Context, handle domain.NotificationHandle) error {
	p.mu.Lock()
	markerID, ok := p.markers[handle]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	msg := Message{
		Handle:    handle,
		MarkerID:  markerID,
		Event:     domain.NotificationCancel,
		Timestamp: p.now().Unix(),
	}
	if err := p.publish(ctx, &msg); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.markers, handle)
	p.mu.Unlock()
	return nil
}

func (p *NotificationPublisher) publish(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("publish %s notification: %w: %w", msg.Event, domain.ErrTransient, err)
	}

	err = ch.PublishWithContext(ctx, ExchangeName, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(msg.Handle),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s notification: %w: %w", msg.Event, domain.ErrTransient, err)
	}
	return nil
}
