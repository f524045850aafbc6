// Command loadtest drives a pubsubd instance with many subscriber
// connections and a steady publish stream, reporting delivery throughput
// and server health while it runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type config struct {
	wsURL       string
	apiURL      string
	apiKey      string
	topic       string
	connections int
	rampRate    int // connections per second
	publishRate int // messages per second
	duration    time.Duration
	lastN       int
}

type state struct {
	active    atomic.Int64
	created   atomic.Int64
	failed    atomic.Int64
	acks      atomic.Int64
	events    atomic.Int64
	errors    atomic.Int64
	published atomic.Int64
	start     time.Time
}

func main() {
	cfg := parseFlags()
	st := &state{start: time.Now()}

	log.Printf("load test: %d subscribers on %q, %d msg/s for %s against %s",
		cfg.connections, cfg.topic, cfg.publishRate, cfg.duration, cfg.wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("interrupted, shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	rampUp(ctx, cfg, st, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		publishLoop(ctx, cfg, st)
	}()

	reportTicker := time.NewTicker(5 * time.Second)
	defer reportTicker.Stop()
	deadline := time.After(cfg.duration)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-reportTicker.C:
			report(cfg, st)
		}
	}

	cancel()
	wg.Wait()
	report(cfg, st)
	log.Printf("done")
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.wsURL, "url", "ws://localhost:7070", "WebSocket server URL")
	flag.StringVar(&cfg.apiURL, "api", "http://localhost:8080", "control API base URL")
	flag.StringVar(&cfg.apiKey, "key", "dev-key", "API key")
	flag.StringVar(&cfg.topic, "topic", "loadtest", "topic to subscribe and publish on")
	flag.IntVar(&cfg.connections, "connections", 100, "number of subscriber connections")
	flag.IntVar(&cfg.rampRate, "ramp-rate", 50, "new connections per second during ramp-up")
	flag.IntVar(&cfg.publishRate, "publish-rate", 10, "messages published per second")
	flag.DurationVar(&cfg.duration, "duration", time.Minute, "sustain duration after ramp-up")
	flag.IntVar(&cfg.lastN, "last-n", 0, "history replay depth requested on subscribe")
	flag.Parse()
	return cfg
}

func dial(cfg *config) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"X-API-Key": []string{cfg.apiKey}}
	conn, _, err := dialer.Dial(cfg.wsURL, header)
	return conn, err
}

func rampUp(ctx context.Context, cfg *config, st *state, wg *sync.WaitGroup) {
	interval := time.Second / time.Duration(max(cfg.rampRate, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < cfg.connections; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st.created.Add(1)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runSubscriber(ctx, cfg, st, id); err != nil {
				st.failed.Add(1)
				log.Printf("subscriber %d: %v", id, err)
			}
		}(i)
	}
	log.Printf("ramp-up complete: %d connections requested", cfg.connections)
}

func runSubscriber(ctx context.Context, cfg *config, st *state, id int) error {
	conn, err := dial(cfg)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	st.active.Add(1)
	defer st.active.Add(-1)

	sub := map[string]any{
		"type":       "subscribe",
		"request_id": fmt.Sprintf("sub-%d", id),
		"topic":      cfg.topic,
		"client_id":  fmt.Sprintf("loadtest-%d", id),
		"last_n":     cfg.lastN,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch frame["type"] {
		case "ack":
			st.acks.Add(1)
		case "event":
			st.events.Add(1)
		case "error":
			st.errors.Add(1)
		}
	}
}

// publishLoop runs one publisher connection at the configured rate.
func publishLoop(ctx context.Context, cfg *config, st *state) {
	conn, err := dial(cfg)
	if err != nil {
		log.Printf("publisher dial failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain acks so the server's write path never backs up on us.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(max(cfg.publishRate, 1)))
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq++
		frame := map[string]any{
			"type":       "publish",
			"request_id": fmt.Sprintf("pub-%d", seq),
			"topic":      cfg.topic,
			"message": map[string]any{
				"id":      uuid.NewString(),
				"payload": map[string]any{"seq": seq, "sent_at": time.Now().UnixMilli()},
			},
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("publish failed: %v", err)
			return
		}
		st.published.Add(1)
	}
}

func report(cfg *config, st *state) {
	elapsed := time.Since(st.start).Seconds()
	events := st.events.Load()

	log.Printf(strings.Repeat("-", 60))
	log.Printf("elapsed %.0fs  active %d/%d  failed %d", elapsed, st.active.Load(), cfg.connections, st.failed.Load())
	log.Printf("published %d  events %d (%.0f/s)  acks %d  errors %d",
		st.published.Load(), events, float64(events)/max(elapsed, 1), st.acks.Load(), st.errors.Load())

	if health := fetchHealth(cfg); health != nil {
		log.Printf("server: topics=%v subscribers=%v shutdown=%v",
			health["topics"], health["subscribers"], health["shutdown_initiated"])
	}
}

func fetchHealth(cfg *config) map[string]any {
	req, err := http.NewRequest(http.MethodGet, cfg.apiURL+"/health", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("X-API-Key", cfg.apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var health map[string]any
	if json.NewDecoder(resp.Body).Decode(&health) != nil {
		return nil
	}
	return health
}
