package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/publisher"
)

const (
	notificationTitle      = "You are near a marker"
	notificationBodyFormat = "You are near marker: %s"
)

type markerLister interface {
	List(ctx context.Context) ([]domain.Marker, error)
}

type locationSource interface {
	RequestPermission(ctx context.Context) (domain.PermissionStatus, error)
	Subscribe(ctx context.Context, cfg domain.SubscribeConfig) (domain.Subscription, error)
}

// ProximityEngine keeps one active/inactive flag per marker and turns
// boundary crossings into show/cancel notifications.
//
// The mutex is held for a whole evaluation, including the marker listing and
// the sink calls, and for Retract. A marker deleted and retracted can
// therefore never be shown again by an evaluation that listed it earlier.
type ProximityEngine struct {
	markers   markerLister
	sink      publisher.NotificationSink
	threshold float64
	now       func() time.Time

	mu     sync.Mutex
	states map[int64]*domain.ProximityState
}

func NewProximityEngine(markers markerLister, sink publisher.NotificationSink) *ProximityEngine {
	return &ProximityEngine{
		markers:   markers,
		sink:      sink,
		threshold: domain.ProximityThresholdMeters,
		now:       time.Now,
		states:    make(map[int64]*domain.ProximityState),
	}
}

// Evaluate applies one location sample to every marker currently stored.
// Markers no longer stored lose their state and, if active, their notification.
func (e *ProximityEngine) Evaluate(ctx context.Context, sample domain.Location) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	markers, err := e.markers.List(ctx)
	if err != nil {
		return fmt.Errorf("list markers: %w", err)
	}

	seen := make(map[int64]struct{}, len(markers))
	for i := range markers {
		m := &markers[i]
		seen[m.ID] = struct{}{}

		st, ok := e.states[m.ID]
		if !ok {
			st = &domain.ProximityState{MarkerID: m.ID}
			e.states[m.ID] = st
		}

		d := DistanceMeters(sample.Lat, sample.Lon, m.Latitude, m.Longitude)
		st.LastDistance = d

		switch {
		case d <= e.threshold && !st.Active:
			st.Active = true
			e.show(ctx, st, m)
		case d > e.threshold && st.Active:
			st.Active = false
			e.cancel(ctx, st)
		}
	}

	for id, st := range e.states {
		if _, ok := seen[id]; ok {
			continue
		}
		if st.Active {
			e.cancel(ctx, st)
		}
		delete(e.states, id)
	}
	return nil
}

// Retract cancels any live notification for the marker and forgets its state.
// It is called from the marker delete path and returns once the cancel has
// been handed to the sink.
func (e *ProximityEngine) Retract(ctx context.Context, markerID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[markerID]
	if !ok {
		return
	}
	st.Active = false
	e.cancel(ctx, st)
	delete(e.states, markerID)
}

// States returns a copy of the per-marker state ordered by marker id.
func (e *ProximityEngine) States() []domain.ProximityState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.ProximityState, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkerID < out[j].MarkerID })
	return out
}

// Run evaluates samples from source until ctx is cancelled or the
// subscription ends. A denied permission is returned as is; the caller decides
// when to try again.
func (e *ProximityEngine) Run(ctx context.Context, source locationSource, cfg domain.SubscribeConfig) error {
	status, err := source.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("request location permission: %w", err)
	}
	if status != domain.PermissionGranted {
		return domain.ErrPermissionDenied
	}

	sub, err := source.Subscribe(ctx, cfg)
	if err != nil {
		return fmt.Errorf("subscribe to location: %w", err)
	}
	defer sub.Cancel()

	slog.Info("proximity engine running", "threshold_m", e.threshold)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return sub.Err()
		case sample := <-sub.Samples():
			if err := e.Evaluate(ctx, sample); err != nil {
				slog.Error("proximity evaluation failed", "error", err)
			}
		}
	}
}

// show is a no-op while a notification handle is live for the marker. A
// failed show keeps the marker active; the failure is only logged.
func (e *ProximityEngine) show(ctx context.Context, st *domain.ProximityState, m *domain.Marker) {
	if st.Handle != "" {
		return
	}
	st.LastNotifiedAt = e.now()

	handle, err := e.sink.Show(ctx, &domain.Notification{
		MarkerID: m.ID,
		Title:    notificationTitle,
		Body:     fmt.Sprintf(notificationBodyFormat, m.Title),
	})
	if err != nil {
		slog.Error("show notification failed", "marker_id", m.ID, "error", err)
		return
	}
	st.Handle = handle
	slog.Info("marker entered", "marker_id", m.ID, "distance_m", st.LastDistance)
}

// cancel keeps the handle when the sink fails so a later exit can retry it.
func (e *ProximityEngine) cancel(ctx context.Context, st *domain.ProximityState) {
	if st.Handle == "" {
		return
	}
	if err := e.sink.Cancel(ctx, st.Handle); err != nil {
		slog.Error("cancel notification failed", "marker_id", st.MarkerID, "error", err)
		return
	}
	st.Handle = ""
	slog.Info("marker left", "marker_id", st.MarkerID, "distance_m", st.LastDistance)
}
