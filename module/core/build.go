package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	miniogo "github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	handler "github.com/nandanugg/marker-tracker/module/core/internal/handler/http"
	"github.com/nandanugg/marker-tracker/module/core/internal/handler/subscriber"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/blob"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/blob/minio"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/database"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/database/postgres"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/database/sqlite"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/geocoder"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/geocoder/nominatim"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/geocoder/rediscache"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/publisher/rabbitmq"
	"github.com/nandanugg/marker-tracker/module/core/service"
)

// Options selects and tunes the module's backends. Redis and MinIO are
// optional; a nil client disables the address cache or image upload.
type Options struct {
	DatabaseType string
	DB           *sql.DB
	AMQP         *amqp.Connection
	MQTT         mqtt.Client
	Redis        *redis.Client
	Minio        *miniogo.Client

	MinioBucket   string
	LocationTopic string

	NominatimURL       string
	NominatimUserAgent string
	NominatimLanguage  string
	GeocodeTimeout     time.Duration
	GeocodeCacheTTL    time.Duration

	Subscribe domain.SubscribeConfig
}

type Module struct {
	MarkerSvc  *service.MarkerService
	Proximity  *service.ProximityEngine
	Supervisor *service.ProximitySupervisor
	handler    *handler.MarkerHandler
	source     *subscriber.LocationSource
}

func Build(ctx context.Context, opts Options) (*Module, error) {
	var repo database.MarkerRepository
	switch opts.DatabaseType {
	case "sqlite":
		repo = sqlite.NewMarkerRepo(opts.DB)
	case "postgres":
		repo = postgres.NewMarkerRepo(opts.DB)
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.DatabaseType)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("marker schema: %w", err)
	}

	sink, err := rabbitmq.NewNotificationPublisher(opts.AMQP)
	if err != nil {
		return nil, fmt.Errorf("notification publisher: %w", err)
	}

	var resolver geocoder.AddressResolver = nominatim.NewClient(
		opts.NominatimURL, opts.NominatimUserAgent, opts.NominatimLanguage, opts.GeocodeTimeout,
	)
	if opts.Redis != nil {
		resolver = rediscache.NewResolver(resolver, opts.Redis, opts.GeocodeCacheTTL)
	}

	var images blob.ImageStore
	if opts.Minio != nil {
		images = minio.NewImageStore(opts.Minio, opts.MinioBucket)
	}

	engine := service.NewProximityEngine(repo, sink)
	markerSvc := service.NewMarkerService(repo, resolver, images, engine, opts.GeocodeTimeout)
	source := subscriber.NewLocationSource(opts.MQTT, opts.LocationTopic)
	supervisor := service.NewProximitySupervisor(engine, source, opts.Subscribe)

	return &Module{
		MarkerSvc:  markerSvc,
		Proximity:  engine,
		Supervisor: supervisor,
		handler:    handler.NewMarkerHandler(markerSvc, supervisor),
		source:     source,
	}, nil
}

func (m *Module) RegisterRoutes(r *gin.RouterGroup) {
	m.handler.Register(r)
}

// StartProximity subscribes the engine to the location source for the life of
// ctx. A refused permission leaves alerts idle until POST /proximity/subscribe.
func (m *Module) StartProximity(ctx context.Context) {
	m.Supervisor.Start(ctx)
}

// StopProximity ends the live location subscription, disconnects and waits
// for the run loop to exit. ctx passed to StartProximity must be cancelled
// first.
func (m *Module) StopProximity(ctx context.Context) error {
	m.source.Close()
	return m.Supervisor.Wait(ctx)
}
