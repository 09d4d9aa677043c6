package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/nandanugg/marker-tracker/config"
	"github.com/nandanugg/marker-tracker/module/core"
	"github.com/nandanugg/marker-tracker/module/core/domain"
)

func main() {
	fx.New(
		fx.Provide(
			config.Load,
			config.NewLogger,
			provideDatabase,
			provideRabbitMQ,
			config.NewMQTTClient,
			provideRedis,
			config.NewMinio,
			provideCore,
			provideRouter,
		),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l}
		}),
		fx.Invoke(startServer, startProximity),
	).Run()
}

func provideDatabase(lc fx.Lifecycle, cfg *config.Config) (*sql.DB, error) {
	db, err := config.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close() },
	})
	return db, nil
}

func provideRabbitMQ(lc fx.Lifecycle, cfg *config.Config) (*amqp.Connection, error) {
	conn, err := config.NewRabbitMQ(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return conn.Close() },
	})
	return conn, nil
}

func provideRedis(lc fx.Lifecycle, cfg *config.Config) (*redis.Client, error) {
	rdb, err := config.NewRedis(cfg)
	if err != nil || rdb == nil {
		return rdb, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return rdb, nil
}

func provideCore(
	cfg *config.Config,
	db *sql.DB,
	amqpConn *amqp.Connection,
	mqttClient mqtt.Client,
	rdb *redis.Client,
	mc *minio.Client,
) (*core.Module, error) {
	return core.Build(context.Background(), core.Options{
		DatabaseType:       cfg.DatabaseType,
		DB:                 db,
		AMQP:               amqpConn,
		MQTT:               mqttClient,
		Redis:              rdb,
		Minio:              mc,
		MinioBucket:        cfg.MinioBucket,
		LocationTopic:      cfg.MQTTLocationTopic,
		NominatimURL:       cfg.NominatimURL,
		NominatimUserAgent: cfg.NominatimUserAgent,
		NominatimLanguage:  cfg.NominatimLanguage,
		GeocodeTimeout:     cfg.GeocodeTimeout,
		GeocodeCacheTTL:    cfg.GeocodeCacheTTL,
		Subscribe: domain.SubscribeConfig{
			Accuracy:          domain.ParseAccuracy(cfg.LocationAccuracy),
			MinInterval:       cfg.LocationMinInterval,
			MinDistanceMeters: cfg.LocationMinDistance,
		},
	})
}

func provideRouter(
	cfg *config.Config,
	db *sql.DB,
	amqpConn *amqp.Connection,
	mqttClient mqtt.Client,
	rdb *redis.Client,
	coreModule *core.Module,
) *gin.Engine {
	r := gin.Default()

	health := config.NewHealthChecker(cfg.DatabaseType, db, amqpConn, mqttClient)
	if rdb != nil {
		health.WithRedis(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	health.Register(r)

	coreModule.RegisterRoutes(&r.RouterGroup)
	return r
}

func startServer(lc fx.Lifecycle, cfg *config.Config, r *gin.Engine) {
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: r}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				slog.Info("listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("http server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startProximity(lc fx.Lifecycle, coreModule *core.Module) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			coreModule.StartProximity(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return coreModule.StopProximity(stopCtx)
		},
	})
}
