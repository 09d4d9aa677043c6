package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nandanugg/marker-tracker/module/core/domain"
)

type mockMarkerLister struct {
	mu      sync.Mutex
	markers []domain.Marker
	err     error
}

func (m *mockMarkerLister) List(ctx context.Context) ([]domain.Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.Marker, len(m.markers))
	copy(out, m.markers)
	return out, nil
}

func (m *mockMarkerLister) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.markers[:0]
	for _, mk := range m.markers {
		if mk.ID != id {
			kept = append(kept, mk)
		}
	}
	m.markers = kept
}

type sinkEvent struct {
	event    domain.NotificationEventType
	markerID int64
	handle   domain.NotificationHandle
	body     string
}

type mockSink struct {
	mu       sync.Mutex
	events   []sinkEvent
	seq      int
	showFn   func(n *domain.Notification) error
	cancelFn func(h domain.NotificationHandle) error
	handles  map[domain.NotificationHandle]int64
}

func newMockSink() *mockSink {
	return &mockSink{handles: make(map[domain.NotificationHandle]int64)}
}

func (s *mockSink) Show(ctx context.Context, n *domain.Notification) (domain.NotificationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.showFn != nil {
		if err := s.showFn(n); err != nil {
			return "", err
		}
	}
	s.seq++
	h := domain.NotificationHandle(fmt.Sprintf("h-%d", s.seq))
	s.handles[h] = n.MarkerID
	s.events = append(s.events, sinkEvent{event: domain.NotificationShow, markerID: n.MarkerID, handle: h, body: n.Body})
	return h, nil
}

func (s *mockSink) Cancel(ctx context.Context, h domain.NotificationHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFn != nil {
		if err := s.cancelFn(h); err != nil {
			return err
		}
	}
	s.events = append(s.events, sinkEvent{event: domain.NotificationCancel, markerID: s.handles[h], handle: h})
	delete(s.handles, h)
	return nil
}

func (s *mockSink) kinds(markerID int64) []domain.NotificationEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.NotificationEventType
	for _, e := range s.events {
		if e.markerID == markerID {
			out = append(out, e.event)
		}
	}
	return out
}

func (s *mockSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func at(lat, lon float64) domain.Location {
	return domain.Location{Lat: lat, Lon: lon, Timestamp: time.Unix(1715003456, 0)}
}

func evaluateAll(t *testing.T, e *ProximityEngine, samples ...domain.Location) {
	t.Helper()
	for _, s := range samples {
		if err := e.Evaluate(context.Background(), s); err != nil {
			t.Fatalf("Evaluate error: %v", err)
		}
	}
}

func assertKinds(t *testing.T, got []domain.NotificationEventType, want ...domain.NotificationEventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestEvaluate_EnterLeaveEnter(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "river"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)
	if sink.events[0].body != "You are near marker: river" {
		t.Errorf("unexpected body %q", sink.events[0].body)
	}

	evaluateAll(t, e, at(58.0020, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel)
	if sink.events[1].handle != sink.events[0].handle {
		t.Errorf("cancel must target the shown handle: %+v", sink.events)
	}

	evaluateAll(t, e, at(58.0, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel, domain.NotificationShow)
}

func TestEvaluate_LingeringInsideShowsOnce(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3), at(58.0001, 56.3), at(58.0002, 56.3001), at(58.0, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)

	evaluateAll(t, e, at(58.01, 56.3), at(58.02, 56.3), at(58.03, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel)
}

func TestEvaluate_ShowsAndCancelsAlternate(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	in, out := at(58.0, 56.3), at(58.0020, 56.3)
	evaluateAll(t, e, out, in, in, out, out, in, out, in, in, out)

	kinds := sink.kinds(1)
	assertKinds(t, kinds,
		domain.NotificationShow, domain.NotificationCancel,
		domain.NotificationShow, domain.NotificationCancel,
		domain.NotificationShow, domain.NotificationCancel,
	)
}

func TestEvaluate_BoundaryIsInside(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)
	e.threshold = DistanceMeters(58.0009, 56.3, 58.0, 56.3)

	evaluateAll(t, e, at(58.0009, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)
}

func TestEvaluate_FirstSampleOutsideIsSilent(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0020, 56.3))
	if sink.count() != 0 {
		t.Fatalf("expected no events, got %+v", sink.events)
	}
	states := e.States()
	if len(states) != 1 || states[0].Active {
		t.Fatalf("expected one inactive state, got %+v", states)
	}
	if states[0].LastDistance < 200 || states[0].LastDistance > 250 {
		t.Errorf("unexpected last distance %v", states[0].LastDistance)
	}
}

func TestEvaluate_IndependentMarkers(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{
		{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "a"},
		{ID: 2, Latitude: 58.00045, Longitude: 56.3, Title: "b"},
	}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.000225, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)
	assertKinds(t, sink.kinds(2), domain.NotificationShow)

	markers.remove(2)
	e.Retract(context.Background(), 2)
	assertKinds(t, sink.kinds(2), domain.NotificationShow, domain.NotificationCancel)

	evaluateAll(t, e, at(58.000225, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)

	states := e.States()
	if len(states) != 1 || states[0].MarkerID != 1 || !states[0].Active {
		t.Fatalf("expected marker 1 still active, got %+v", states)
	}
}

func TestRetract_ActiveCancelsExactlyOnce(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3))
	markers.remove(1)
	e.Retract(context.Background(), 1)
	e.Retract(context.Background(), 1)
	evaluateAll(t, e, at(58.0, 56.3), at(58.0020, 56.3))

	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel)
	if len(e.States()) != 0 {
		t.Errorf("expected state to be forgotten, got %+v", e.States())
	}
}

func TestRetract_InactiveEmitsNothing(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0020, 56.3))
	markers.remove(1)
	e.Retract(context.Background(), 1)

	if sink.count() != 0 {
		t.Fatalf("expected no events, got %+v", sink.events)
	}
}

func TestEvaluate_MarkerGoneFromStoreIsCancelled(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3))
	markers.remove(1)
	evaluateAll(t, e, at(58.0, 56.3))

	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel)
	if len(e.States()) != 0 {
		t.Errorf("expected pruned state, got %+v", e.States())
	}
}

func TestEvaluate_NewMarkerPickedUp(t *testing.T) {
	markers := &mockMarkerLister{}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3))
	if sink.count() != 0 {
		t.Fatalf("expected no events with no markers, got %+v", sink.events)
	}

	markers.mu.Lock()
	markers.markers = append(markers.markers, domain.Marker{ID: 4, Latitude: 58.0, Longitude: 56.3, Title: "new"})
	markers.mu.Unlock()

	evaluateAll(t, e, at(58.0, 56.3))
	assertKinds(t, sink.kinds(4), domain.NotificationShow)
}

func TestEvaluate_ShowFailureKeepsTransition(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	failing := true
	sink.showFn = func(n *domain.Notification) error {
		if failing {
			return domain.ErrTransient
		}
		return nil
	}
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3))
	states := e.States()
	if len(states) != 1 || !states[0].Active {
		t.Fatalf("expected active state despite sink failure, got %+v", states)
	}

	failing = false
	evaluateAll(t, e, at(58.0, 56.3))
	if sink.count() != 0 {
		t.Fatalf("no re-show while still inside, got %+v", sink.events)
	}

	evaluateAll(t, e, at(58.0020, 56.3))
	if sink.count() != 0 {
		t.Fatalf("nothing to cancel after failed show, got %+v", sink.events)
	}

	evaluateAll(t, e, at(58.0, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)
}

func TestEvaluate_CancelFailureRetriedOnNextExit(t *testing.T) {
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	failing := false
	sink.cancelFn = func(h domain.NotificationHandle) error {
		if failing {
			return domain.ErrTransient
		}
		return nil
	}
	e := NewProximityEngine(markers, sink)

	evaluateAll(t, e, at(58.0, 56.3))
	failing = true
	evaluateAll(t, e, at(58.0020, 56.3))
	if states := e.States(); states[0].Active {
		t.Fatalf("expected inactive state despite sink failure, got %+v", states)
	}

	failing = false
	evaluateAll(t, e, at(58.0, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow)

	evaluateAll(t, e, at(58.0020, 56.3))
	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel)
}

func TestEvaluate_ListError(t *testing.T) {
	markers := &mockMarkerLister{err: domain.ErrStorageUnavailable}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	err := e.Evaluate(context.Background(), at(58.0, 56.3))
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if sink.count() != 0 || len(e.States()) != 0 {
		t.Fatal("failed listing must not touch state")
	}
}

func TestEvaluate_ConcurrentRetract(t *testing.T) {
	markers := &mockMarkerLister{}
	for i := int64(1); i <= 20; i++ {
		markers.markers = append(markers.markers, domain.Marker{ID: i, Latitude: 58.0, Longitude: 56.3, Title: "m"})
	}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = e.Evaluate(context.Background(), at(58.0, 56.3))
		}
	}()
	go func() {
		defer wg.Done()
		for id := int64(1); id <= 20; id++ {
			markers.remove(id)
			e.Retract(context.Background(), id)
		}
	}()
	wg.Wait()

	for id := int64(1); id <= 20; id++ {
		kinds := sink.kinds(id)
		if len(kinds) > 0 && kinds[len(kinds)-1] != domain.NotificationCancel {
			t.Fatalf("marker %d left with a live notification: %v", id, kinds)
		}
	}
}

type mockSubscription struct {
	samples chan domain.Location
	done    chan struct{}
	once    sync.Once
	err     error
}

func newMockSubscription() *mockSubscription {
	return &mockSubscription{samples: make(chan domain.Location), done: make(chan struct{})}
}

func (s *mockSubscription) Samples() <-chan domain.Location { return s.samples }
func (s *mockSubscription) Done() <-chan struct{}           { return s.done }
func (s *mockSubscription) Err() error                      { return s.err }
func (s *mockSubscription) Cancel()                         { s.once.Do(func() { close(s.done) }) }

type mockLocationSource struct {
	requestPermissionFn func(ctx context.Context) (domain.PermissionStatus, error)
	subscribeFn         func(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error)
	subscribeCalls      int
}

func (m *mockLocationSource) RequestPermission(ctx context.Context) (domain.PermissionStatus, error) {
	if m.requestPermissionFn != nil {
		return m.requestPermissionFn(ctx)
	}
	return domain.PermissionGranted, nil
}

func (m *mockLocationSource) Subscribe(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error) {
	m.subscribeCalls++
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, cfg)
	}
	return newMockSubscription(), nil
}

func TestRun_PermissionDenied(t *testing.T) {
	src := &mockLocationSource{
		requestPermissionFn: func(ctx context.Context) (domain.PermissionStatus, error) {
			return domain.PermissionDenied, nil
		},
	}
	e := NewProximityEngine(&mockMarkerLister{}, newMockSink())

	err := e.Run(context.Background(), src, domain.SubscribeConfig{})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if src.subscribeCalls != 0 {
		t.Errorf("must not subscribe without permission")
	}
}

func TestRun_SubscribeError(t *testing.T) {
	src := &mockLocationSource{
		subscribeFn: func(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error) {
			return nil, domain.ErrPermissionDenied
		},
	}
	e := NewProximityEngine(&mockMarkerLister{}, newMockSink())

	err := e.Run(context.Background(), src, domain.SubscribeConfig{})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestRun_EvaluatesUntilCancelled(t *testing.T) {
	sub := newMockSubscription()
	var gotCfg domain.SubscribeConfig
	src := &mockLocationSource{
		subscribeFn: func(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error) {
			gotCfg = cfg
			return sub, nil
		},
	}
	markers := &mockMarkerLister{markers: []domain.Marker{{ID: 1, Latitude: 58.0, Longitude: 56.3, Title: "m"}}}
	sink := newMockSink()
	e := NewProximityEngine(markers, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cfg := domain.SubscribeConfig{Accuracy: domain.AccuracyHigh, MinInterval: time.Second, MinDistanceMeters: 5}
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, src, cfg) }()

	sub.samples <- at(58.0, 56.3)
	sub.samples <- at(58.0020, 56.3)
	sub.samples <- at(58.0, 56.3)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assertKinds(t, sink.kinds(1), domain.NotificationShow, domain.NotificationCancel, domain.NotificationShow)
	if gotCfg != cfg {
		t.Errorf("expected config %+v, got %+v", cfg, gotCfg)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("subscription should be cancelled when Run returns")
	}
}

func TestRun_SubscriptionEnded(t *testing.T) {
	sub := newMockSubscription()
	sub.err = domain.ErrTransient
	src := &mockLocationSource{
		subscribeFn: func(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error) {
			return sub, nil
		},
	}
	e := NewProximityEngine(&mockMarkerLister{}, newMockSink())

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background(), src, domain.SubscribeConfig{}) }()
	sub.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrTransient) {
			t.Fatalf("expected subscription error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after subscription ended")
	}
}
