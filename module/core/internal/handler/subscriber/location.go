package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nandanugg/marker-tracker/module/core/domain"
)

const (
	DefaultTopic = "/tracker/device/+/location"

	sampleBuffer  = 16
	subackFailure = 0x80
)

var errSourceClosed = errors.New("location source closed")

type locationMessage struct {
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// LocationSource turns device location messages on an MQTT topic into a
// filtered stream of samples. At most one subscription is live at a time.
type LocationSource struct {
	client mqtt.Client
	topic  string

	mu  sync.Mutex
	sub *subscription
}

func NewLocationSource(client mqtt.Client, topic string) *LocationSource {
	if topic == "" {
		topic = DefaultTopic
	}
	return &LocationSource{client: client, topic: topic}
}

// RequestPermission connects to the broker if needed. A broker refusing the
// client's credentials or authorisation is reported as PermissionDenied.
func (s *LocationSource) RequestPermission(ctx context.Context) (domain.PermissionStatus, error) {
	if s.client.IsConnected() {
		return domain.PermissionGranted, nil
	}
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
			slog.Warn("mqtt broker refused location access", "error", err)
			return domain.PermissionDenied, nil
		}
		return domain.PermissionUndetermined, fmt.Errorf("mqtt connect: %w: %w", domain.ErrTransient, err)
	}
	return domain.PermissionGranted, nil
}

// Subscribe starts delivering samples that pass cfg. Any previous
// subscription is cancelled first.
func (s *LocationSource) Subscribe(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error) {
	s.replace(nil)

	status, err := s.RequestPermission(ctx)
	if err != nil {
		return nil, err
	}
	if status != domain.PermissionGranted {
		return nil, domain.ErrPermissionDenied
	}

	sub := newSubscription(cfg, s.unsubscribe)
	token := s.client.Subscribe(s.topic, 1, sub.handleMessage)
	err = waitToken(ctx, token)
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subackFailure {
				slog.Warn("mqtt broker rejected location subscription", "topic", topic)
				sub.Cancel()
				return nil, domain.ErrPermissionDenied
			}
		}
	}
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("subscribe %s: %w: %w", s.topic, domain.ErrTransient, err)
	}

	s.replace(sub)
	slog.Info("location subscription started",
		"topic", s.topic,
		"accuracy", cfg.Accuracy,
		"min_interval", cfg.MinInterval,
		"min_distance_m", cfg.MinDistanceMeters,
	)
	return sub, nil
}

// Close ends the live subscription and disconnects from the broker.
func (s *LocationSource) Close() {
	s.mu.Lock()
	prev := s.sub
	s.sub = nil
	s.mu.Unlock()

	if prev != nil {
		prev.end(errSourceClosed)
	}
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *LocationSource) replace(next *subscription) {
	s.mu.Lock()
	prev := s.sub
	s.sub = next
	s.mu.Unlock()

	if prev != nil && prev != next {
		prev.Cancel()
	}
}

func (s *LocationSource) unsubscribe(sub *subscription) {
	s.mu.Lock()
	if s.sub == sub {
		s.sub = nil
	}
	s.mu.Unlock()

	if !s.client.IsConnectionOpen() {
		return
	}
	token := s.client.Unsubscribe(s.topic)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		slog.Warn("mqtt unsubscribe failed", "topic", s.topic, "error", token.Error())
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type subscription struct {
	samples chan domain.Location
	done    chan struct{}
	once    sync.Once
	stop    func(*subscription)

	mu     sync.Mutex
	err    error
	filter *sampleFilter
}

func newSubscription(cfg domain.SubscribeConfig, stop func(*subscription)) *subscription {
	return &subscription{
		samples: make(chan domain.Location, sampleBuffer),
		done:    make(chan struct{}),
		stop:    stop,
		filter:  &sampleFilter{cfg: cfg},
	}
}

func (s *subscription) Samples() <-chan domain.Location { return s.samples }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Cancel() {
	s.end(nil)
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.stop != nil {
			s.stop(s)
		}
	})
}

func (s *subscription) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var raw locationMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		slog.Warn("invalid location message", "topic", msg.Topic(), "error", err)
		return
	}
	if err := validateLocationMessage(&raw); err != nil {
		slog.Warn("location message rejected", "topic", msg.Topic(), "error", err)
		return
	}

	loc := domain.Location{
		Lat:       raw.Latitude,
		Lon:       raw.Longitude,
		Accuracy:  raw.Accuracy,
		Timestamp: time.Unix(raw.Timestamp, 0),
	}

	s.mu.Lock()
	ok := s.filter.accept(loc)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deliver(loc)
}

// deliver never blocks the MQTT router. When the consumer falls behind the
// oldest buffered sample is dropped so the newest position always gets through.
func (s *subscription) deliver(loc domain.Location) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.samples <- loc:
			return
		default:
		}
		select {
		case <-s.samples:
			slog.Warn("location consumer behind, dropped oldest sample")
		default:
		}
	}
}

func validateLocationMessage(msg *locationMessage) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("device_id: required")
	}
	if msg.Latitude < -90 || msg.Latitude > 90 {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if msg.Longitude < -180 || msg.Longitude > 180 {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	if msg.Accuracy < 0 {
		return fmt.Errorf("accuracy: must not be negative")
	}
	if msg.Timestamp <= 0 {
		return fmt.Errorf("timestamp: must be positive")
	}
	return nil
}
