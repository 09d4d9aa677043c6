package config

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type amqpConnection interface {
	IsClosed() bool
}

type mqttConnection interface {
	IsConnected() bool
}

type HealthChecker struct {
	dbName   string
	db       pinger
	amqpConn amqpConnection
	mqtt     mqttConnection
	redis    func(ctx context.Context) error
}

func NewHealthChecker(dbName string, db pinger, amqpConn amqpConnection, mqttClient mqttConnection) *HealthChecker {
	return &HealthChecker{dbName: dbName, db: db, amqpConn: amqpConn, mqtt: mqttClient}
}

// WithRedis adds the address cache to the report. The cache is optional, so
// a failing ping marks it down without failing the check.
func (h *HealthChecker) WithRedis(ping func(ctx context.Context) error) *HealthChecker {
	h.redis = ping
	return h
}

func (h *HealthChecker) Register(r *gin.Engine) {
	r.GET("/healthz", h.Handle)
}

func (h *HealthChecker) Handle(c *gin.Context) {
	status := http.StatusOK
	deps := gin.H{}

	if err := h.db.PingContext(c.Request.Context()); err != nil {
		deps[h.dbName] = gin.H{"status": "down", "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		deps[h.dbName] = gin.H{"status": "up"}
	}

	if h.amqpConn.IsClosed() {
		deps["rabbitmq"] = gin.H{"status": "down", "error": "connection closed"}
		status = http.StatusServiceUnavailable
	} else {
		deps["rabbitmq"] = gin.H{"status": "up"}
	}

	if !h.mqtt.IsConnected() {
		deps["mqtt"] = gin.H{"status": "down", "error": "not connected"}
		status = http.StatusServiceUnavailable
	} else {
		deps["mqtt"] = gin.H{"status": "up"}
	}

	if h.redis != nil {
		if err := h.redis(c.Request.Context()); err != nil {
			deps["redis"] = gin.H{"status": "down", "error": err.Error()}
		} else {
			deps["redis"] = gin.H{"status": "up"}
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":       overall,
		"dependencies": deps,
	})
}
