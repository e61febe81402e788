// ABOUTME: Minimal fake automation endpoint for E2E testing — echoes user messages back.
// ABOUTME: Usage: fake-automation [-addr localhost:9191] [-gateway http://localhost:8080]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"
)

// inboundPayload matches what the gateway POSTs to the automation endpoint.
type inboundPayload struct {
	Message     string    `json:"message"`
	MessageType string    `json:"messageType"`
	AudioURL    *string   `json:"audioUrl,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// replyPayload matches the gateway's inbound webhook request body.
type replyPayload struct {
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:9191", "Address to listen on")
	gateway := flag.String("gateway", "http://localhost:8080", "Gateway base URL to reply to")
	delay := flag.Duration("delay", 500*time.Millisecond, "Artificial reply delay")
	flag.Parse()

	if err := run(*addr, *gateway, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, gateway string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var p inboundPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			log.Printf("bad payload: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		log.Printf("received %s message: %q", p.MessageType, p.Message)
		w.WriteHeader(http.StatusOK)

		// Reply out of band, the way a real automation flow would.
		go func() {
			time.Sleep(delay)
			if err := reply(ctx, client, gateway, "Echo: "+p.Message); err != nil {
				log.Printf("reply failed: %v", err)
			}
		}()
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake automation listening on %s, replying via %s", addr, gateway)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func reply(ctx context.Context, client *http.Client, gateway, message string) error {
	body, err := json.Marshal(replyPayload{Message: message, MessageType: "text"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		gateway+"/api/webhook/inbound", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway rejected reply: status %d", resp.StatusCode)
	}
	return nil
}
