package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nandanugg/marker-tracker/config"
)

const (
	exchangeName = "markers.notifications"
	queueName    = "marker_notifications"
)

type notification struct {
	Handle    string `json:"handle"`
	MarkerID  int64  `json:"marker_id"`
	Event     string `json:"event"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// liveSet mirrors the notifications a device would currently display.
type liveSet struct {
	mu    sync.Mutex
	shown map[string]notification
}

func (s *liveSet) apply(n notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n.Event {
	case "show":
		s.shown[n.Handle] = n
	case "cancel":
		delete(s.shown, n.Handle)
	}
}

func (s *liveSet) markers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.shown))
	for _, n := range s.shown {
		ids = append(ids, n.MarkerID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	conn, err := config.NewRabbitMQ(cfg)
	if err != nil {
		log.Fatalf("rabbitmq: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbitmq channel: %v", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		log.Fatalf("declare exchange: %v", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		log.Fatalf("declare queue: %v", err)
	}

	if err := ch.QueueBind(queueName, "", exchangeName, false, nil); err != nil {
		log.Fatalf("bind queue: %v", err)
	}

	msgs, err := ch.Consume(queueName, "", true, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("consuming from queue '%s', waiting for marker notifications...", queueName)

	live := &liveSet{shown: make(map[string]notification)}
	go func() {
		for msg := range msgs {
			var n notification
			if err := json.Unmarshal(msg.Body, &n); err != nil {
				continue
			}
			live.apply(n)
			ts := time.Unix(n.Timestamp, 0).Format(time.TimeOnly)
			if n.Event == "show" {
				fmt.Printf("%s [show] marker %d: %s / %s\n", ts, n.MarkerID, n.Title, n.Body)
			} else {
				fmt.Printf("%s [%s] marker %d\n", ts, n.Event, n.MarkerID)
			}
			fmt.Printf("    live: %v\n", live.markers())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down")
}
