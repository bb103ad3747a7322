package runtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/visionvoice/internal/bus"
	"github.com/loqalabs/visionvoice/internal/config"
	"github.com/loqalabs/visionvoice/internal/natsserver"
	"github.com/loqalabs/visionvoice/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, ConnectTimeout: 2000, SubjectPrefix: "vv-test"}
	ns, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	cfg.Servers = []string{ns.ClientURL()}
	client, err := bus.Connect(context.Background(), "relay-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestRelayForwardsPublishedEvents(t *testing.T) {
	client := startBus(t)
	relay := NewRelay(client, func() any { return map[string]string{"state": "IDLE"} }, newLogger())
	if err := relay.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(relay.Stop)

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEnvelope(t, conn)
	if first["type"] != protocol.KindState {
		t.Fatalf("expected initial state snapshot, got %v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for relay.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	pub := bus.NewPublisher(client, newLogger())
	pub.Publish(protocol.KindSpeaking, protocol.SpeakingEvent{Speaking: true})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	env := readEnvelope(t, conn)
	if env["type"] != protocol.KindSpeaking {
		t.Fatalf("unexpected envelope %v", env)
	}
	data, _ := env["data"].(map[string]any)
	if data["speaking"] != true {
		t.Fatalf("unexpected payload %v", env["data"])
	}
}

func TestRelayStopDisconnectsClients(t *testing.T) {
	client := startBus(t)
	relay := NewRelay(client, nil, newLogger())
	if err := relay.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for relay.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	relay.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}
}
