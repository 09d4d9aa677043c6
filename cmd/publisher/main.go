package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nandanugg/marker-tracker/config"
)

type locationMessage struct {
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// Meters per degree of latitude.
const metersPerDegreeLat = 111320.0

func main() {
	lat := flag.Float64("lat", 58.0, "latitude of the point to walk around")
	lon := flag.Float64("lon", 56.3, "longitude of the point to walk around")
	radius := flag.Float64("radius", 250, "farthest distance from the point in meters")
	step := flag.Float64("step", 20, "meters walked per fix")
	interval := flag.Duration("interval", 2*time.Second, "time between fixes")
	device := flag.String("device", "phone-1", "device id")
	flag.Parse()

	if *step <= 0 || *radius <= 0 || *interval <= 0 {
		fmt.Fprintln(os.Stderr, "error: step, radius and interval must be positive")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.MQTTClientID = cfg.MQTTClientID + "-publisher"

	client, err := config.NewMQTT(cfg)
	if err != nil {
		log.Fatalf("mqtt: %v", err)
	}
	defer client.Disconnect(250)

	topic := fmt.Sprintf("/tracker/device/%s/location", *device)
	log.Printf("connected to %s, walking %.0fm around (%.4f, %.4f) every %s", cfg.MQTTBroker, *radius, *lat, *lon, *interval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	// The device walks north from the far edge through the point and back.
	offset := -*radius
	direction := 1.0
	for {
		select {
		case <-sig:
			log.Println("shutting down")
			return
		case <-ticker.C:
		}

		msg := locationMessage{
			DeviceID:  *device,
			Latitude:  *lat + offset/metersPerDegreeLat,
			Longitude: *lon,
			Accuracy:  5,
			Timestamp: time.Now().Unix(),
		}
		payload, _ := json.Marshal(msg)

		token := client.Publish(topic, 1, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish: %v", err)
		} else {
			log.Printf("published %.0fm from point: %s", math.Abs(offset), payload)
		}

		offset += direction * *step
		if math.Abs(offset) >= *radius {
			direction = -direction
		}
	}
}
