package config

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type fakeAMQP struct{ closed bool }

func (f fakeAMQP) IsClosed() bool { return f.closed }

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) IsConnected() bool { return f.connected }

func runHealth(h *HealthChecker) (int, map[string]any) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	r.ServeHTTP(w, req)

	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestHealth_AllUp(t *testing.T) {
	h := NewHealthChecker("sqlite", fakePinger{}, fakeAMQP{}, fakeMQTT{connected: true})

	code, body := runHealth(h)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("expected healthy, got %d %v", code, body)
	}
	deps := body["dependencies"].(map[string]any)
	if _, ok := deps["sqlite"]; !ok {
		t.Errorf("expected sqlite entry, got %v", deps)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	h := NewHealthChecker("postgres", fakePinger{err: errors.New("refused")}, fakeAMQP{}, fakeMQTT{connected: true})

	code, body := runHealth(h)
	if code != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("expected unhealthy, got %d %v", code, body)
	}
}

func TestHealth_RedisDownIsNotFatal(t *testing.T) {
	h := NewHealthChecker("sqlite", fakePinger{}, fakeAMQP{}, fakeMQTT{connected: true}).
		WithRedis(func(context.Context) error { return errors.New("down") })

	code, body := runHealth(h)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	redis := body["dependencies"].(map[string]any)["redis"].(map[string]any)
	if redis["status"] != "down" {
		t.Errorf("expected redis down, got %v", redis)
	}
}

func TestHealth_BrokersDown(t *testing.T) {
	h := NewHealthChecker("sqlite", fakePinger{}, fakeAMQP{closed: true}, fakeMQTT{})

	code, _ := runHealth(h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}
