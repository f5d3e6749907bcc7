// Probesim simulates a fleet of short-lived probe connections reporting
// samples to the reporter's ingest endpoints.
//
// Usage:
//
//	go run main.go -url http://localhost:8090 -connections 20 -samples 10
//	go run main.go -url http://localhost:8090 -ws -origins probe-a,probe-b
//
// Each simulated connection posts its samples over HTTP, or streams them
// over one WebSocket with -ws, then reports per-outcome totals.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type envelope struct {
	ConnectionID string          `json:"connection_id"`
	Origin       string          `json:"origin"`
	Samples      json.RawMessage `json:"samples"`
}

type reply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8090", "reporter base URL")
		origins     = flag.String("origins", "probe-a,probe-b", "comma-separated origins")
		connections = flag.Int("connections", 10, "simulated connections")
		samples     = flag.Int("samples", 5, "samples per connection")
		concurrency = flag.Int("concurrency", 4, "concurrent connections")
		useWS       = flag.Bool("ws", false, "stream samples over WebSocket")
		interval    = flag.Duration("interval", 50*time.Millisecond, "delay between samples")
	)
	flag.Parse()

	originList := strings.Split(*origins, ",")

	var accepted, queued, rejected, failed atomic.Int64

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				origin := originList[i%len(originList)]

				var err error
				if *useWS {
					err = runStream(*baseURL, origin, *samples, *interval, &accepted, &queued, &rejected)
				} else {
					err = runPosts(*baseURL, origin, *samples, *interval, &accepted, &queued, &rejected)
				}
				if err != nil {
					failed.Add(1)
					log.Printf("connection failed: origin=%s err=%v", origin, err)
				}
			}
		}()
	}

	start := time.Now()
	for i := 0; i < *connections; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	log.Printf("done in %s: accepted=%d queued=%d rejected=%d failed_connections=%d",
		time.Since(start).Round(time.Millisecond),
		accepted.Load(), queued.Load(), rejected.Load(), failed.Load())
}

func samplePayload() json.RawMessage {
	b, _ := json.Marshal([]map[string]any{{
		"rtt_ms":    rand.Intn(200),
		"loss_pct":  rand.Float64() * 5,
		"timestamp": time.Now().UnixMilli(),
	}})
	return b
}

func runPosts(baseURL, origin string, samples int, interval time.Duration, accepted, queued, rejected *atomic.Int64) error {
	connID := uuid.NewString()
	client := &http.Client{Timeout: 10 * time.Second}

	for s := 0; s < samples; s++ {
		env := envelope{ConnectionID: connID, Origin: origin, Samples: samplePayload()}
		body, _ := json.Marshal(env)

		resp, err := client.Post(baseURL+"/v1/samples", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}

		var rep reply
		_ = json.NewDecoder(resp.Body).Decode(&rep)
		resp.Body.Close()
		count(rep.Status, accepted, queued, rejected)

		time.Sleep(interval)
	}

	closeBody, _ := json.Marshal(map[string]string{"connection_id": connID})
	resp, err := client.Post(baseURL+"/v1/connections/close", "application/json", bytes.NewReader(closeBody))
	if err != nil {
		return err
	}
	resp.Body.Close()

	return nil
}

func runStream(baseURL, origin string, samples int, interval time.Duration, accepted, queued, rejected *atomic.Int64) error {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/v1/stream"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	connID := uuid.NewString()
	for s := 0; s < samples; s++ {
		env := envelope{ConnectionID: connID, Origin: origin, Samples: samplePayload()}
		if err := conn.WriteJSON(env); err != nil {
			return err
		}

		var rep reply
		if err := conn.ReadJSON(&rep); err != nil {
			return err
		}
		count(rep.Status, accepted, queued, rejected)

		time.Sleep(interval)
	}

	return conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func count(status string, accepted, queued, rejected *atomic.Int64) {
	switch status {
	case "accepted":
		accepted.Add(1)
	case "queued":
		queued.Add(1)
	default:
		rejected.Add(1)
	}
}
