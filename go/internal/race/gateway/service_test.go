package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/studiobloom/bench2bench/go/internal/race/events"
	"github.com/studiobloom/bench2bench/go/internal/race/session"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) kinds() []events.LifecycleKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.LifecycleKind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type testServer struct {
	*httptest.Server
	svc       *Service
	publisher *capturePublisher
}

func newTestServer(t *testing.T, origins ...string) *testServer {
	t.Helper()

	config := DefaultConfig()
	config.Clock = clockwork.NewFakeClockAt(epoch)
	if len(origins) > 0 {
		config.ConnectionConfig.AllowedOrigins = origins
	}
	publisher := &capturePublisher{}
	config.Publisher = publisher

	n := 0
	svc := NewService(config, session.WithSeedSource(func() string {
		n++
		return fmt.Sprintf("seed-%d", n)
	}))
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, svc: svc, publisher: publisher}
}

type wireEvent struct {
	ID        string          `json:"id"`
	Type      events.Type     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn}
	var hello events.ConnectedPayload
	c.expect(events.TypeConnected, &hello)
	if hello.ID == "" {
		t.Fatal("connected message without id")
	}
	c.id = hello.ID
	return c
}

func (c *client) send(msgType events.Type, data string) {
	c.t.Helper()
	frame := fmt.Sprintf(`{"type":%q,"data":%s}`, msgType, data)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("write %s: %v", msgType, err)
	}
}

func (c *client) next() wireEvent {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

// expect reads the next message, checks its type and decodes its data into v.
func (c *client) expect(want events.Type, v interface{}) wireEvent {
	c.t.Helper()
	ev := c.next()
	if ev.Type != want {
		c.t.Fatalf("got %s message %s, want %s", ev.Type, ev.Data, want)
	}
	if ev.ID == "" {
		c.t.Errorf("%s message without id", ev.Type)
	}
	if v != nil {
		if err := json.Unmarshal(ev.Data, v); err != nil {
			c.t.Fatalf("decode %s data: %v", want, err)
		}
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (ts *testServer) waitMembers(t *testing.T, roomID string, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d members in %s", n, roomID), func() bool {
		v, ok := ts.svc.Coordinator().Room(roomID)
		return ok && len(v.Members) == n
	})
}

func (ts *testServer) waitResults(t *testing.T, roomID string, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d results in %s", n, roomID), func() bool {
		v, ok := ts.svc.Coordinator().Room(roomID)
		return ok && len(v.Results) == n
	})
}

func TestServiceRaceFlow(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	b := ts.dial(t)

	// garbage is dropped without closing the connection
	a.send("bogus", `{}`)
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	a.send(events.TypeJoinRoom, `"r1"`)
	ts.waitMembers(t, "r1", 1)
	b.send(events.TypeJoinRoom, `{"roomId":"r1"}`)

	var startA, startB events.StartRacePayload
	ev := a.expect(events.TypeStartRace, &startA)
	b.expect(events.TypeStartRace, &startB)
	if startA.Seed != "seed-1" || startB.Seed != "seed-1" {
		t.Errorf("seeds = %q, %q", startA.Seed, startB.Seed)
	}
	if len(startA.Participants) != 2 || startA.Participants[0] != a.id || startA.Participants[1] != b.id {
		t.Errorf("participants = %v, want [%s %s]", startA.Participants, a.id, b.id)
	}
	if !ev.Timestamp.Equal(epoch) {
		t.Errorf("timestamp = %s, want %s", ev.Timestamp, epoch)
	}

	a.send(events.TypeRaceComplete, `{"roomId":"r1","fps":120.5,"raceTime":30}`)
	ts.waitResults(t, "r1", 1)
	b.send(events.TypeRaceComplete, `{"roomId":"r1","fps":98,"raceTime":31.5}`)

	var results []events.RaceResult
	a.expect(events.TypeRaceResults, &results)
	b.expect(events.TypeRaceResults, nil)
	want := []events.RaceResult{
		{ID: a.id, FPS: 120.5, RaceTime: 30},
		{ID: b.id, FPS: 98, RaceTime: 31.5},
	}
	if len(results) != 2 || results[0] != want[0] || results[1] != want[1] {
		t.Errorf("results = %+v, want %+v", results, want)
	}

	a.send(events.TypeReadyForNextRace, `"r1"`)
	b.expect(events.TypeOpponentReady, nil)
	b.send(events.TypeReadyForNextRace, `"r1"`)
	a.expect(events.TypeStartRace, &startA)
	b.expect(events.TypeStartRace, nil)
	if startA.Seed != "seed-2" {
		t.Errorf("second race seed = %q", startA.Seed)
	}

	a.send(events.TypeMetricUpdate, `{"roomId":"r1","metrics":{"fps":61}}`)
	var metrics struct {
		From    string         `json:"from"`
		Metrics map[string]int `json:"metrics"`
	}
	b.expect(events.TypeOpponentMetrics, &metrics)
	if metrics.From != a.id || metrics.Metrics["fps"] != 61 {
		t.Errorf("opponentMetrics = %+v", metrics)
	}

	b.send(events.TypeSignal, fmt.Sprintf(`{"target":%q,"signal":{"sdp":"offer"}}`, a.id))
	var signal struct {
		From   string            `json:"from"`
		Signal map[string]string `json:"signal"`
	}
	a.expect(events.TypeSignal, &signal)
	if signal.From != b.id || signal.Signal["sdp"] != "offer" {
		t.Errorf("signal = %+v", signal)
	}

	a.conn.Close()
	b.expect(events.TypeOpponentLeft, nil)
	ts.waitMembers(t, "r1", 1)

	b.conn.Close()
	waitFor(t, "room cleanup", func() bool {
		_, ok := ts.svc.Coordinator().Room("r1")
		return !ok
	})
	waitFor(t, "connection cleanup", func() bool {
		return ts.svc.connectionManager.ConnectionCount() == 0
	})
	waitFor(t, "room_closed event", func() bool {
		return len(ts.publisher.kinds()) == 4
	})

	wantKinds := []events.LifecycleKind{
		events.LifecycleRaceStarted,
		events.LifecycleRaceResults,
		events.LifecycleRaceStarted,
		events.LifecycleRoomClosed,
	}
	kinds := ts.publisher.kinds()
	if fmt.Sprint(kinds) != fmt.Sprint(wantKinds) {
		t.Errorf("lifecycle events = %v, want %v", kinds, wantKinds)
	}
}

func TestServiceRoomFull(t *testing.T) {
	ts := newTestServer(t)
	a, b, c := ts.dial(t), ts.dial(t), ts.dial(t)

	a.send(events.TypeJoinRoom, `"r1"`)
	ts.waitMembers(t, "r1", 1)
	b.send(events.TypeJoinRoom, `"r1"`)
	ts.waitMembers(t, "r1", 2)
	a.expect(events.TypeStartRace, nil)
	b.expect(events.TypeStartRace, nil)

	c.send(events.TypeJoinRoom, `"r1"`)
	ev := c.expect(events.TypeRoomFull, nil)
	if len(ev.Data) != 0 && string(ev.Data) != "null" {
		t.Errorf("roomFull data = %s, want none", ev.Data)
	}

	v, _ := ts.svc.Coordinator().Room("r1")
	if len(v.Members) != 2 {
		t.Errorf("members = %v", v.Members)
	}

	// the rejected connection is still usable
	c.send(events.TypeJoinRoom, `"r2"`)
	ts.waitMembers(t, "r2", 1)
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestServiceHTTPEndpoints(t *testing.T) {
	ts := newTestServer(t)
	a, b := ts.dial(t), ts.dial(t)
	a.send(events.TypeJoinRoom, `"r1"`)
	ts.waitMembers(t, "r1", 1)
	b.send(events.TypeJoinRoom, `"r1"`)
	a.expect(events.TypeStartRace, nil)

	resp, body := get(t, ts.URL+"/", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"status":"GPU Race Server Running"`) {
		t.Errorf("GET / = %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK || body != "OK" {
		t.Errorf("GET /health = %d %q", resp.StatusCode, body)
	}

	for _, path := range []string{"/info", "/ws/stats"} {
		resp, body = get(t, ts.URL+path, nil)
		var stats struct {
			Connections  int   `json:"total_connections"`
			Rooms        int   `json:"rooms"`
			PairedRooms  int   `json:"paired_rooms"`
			RacesStarted int64 `json:"races_started"`
		}
		if err := json.Unmarshal([]byte(body), &stats); err != nil {
			t.Fatalf("GET %s: %v: %s", path, err, body)
		}
		if resp.StatusCode != http.StatusOK || stats.Connections != 2 || stats.Rooms != 1 || stats.PairedRooms != 1 || stats.RacesStarted != 1 {
			t.Errorf("GET %s = %d %+v", path, resp.StatusCode, stats)
		}
	}

	resp, body = get(t, ts.URL+"/api/rooms", nil)
	var rooms []RoomSummary
	if err := json.Unmarshal([]byte(body), &rooms); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || len(rooms) != 1 || rooms[0] != (RoomSummary{RoomID: "r1", Members: 2, Status: StatusRacing, Round: 1}) {
		t.Errorf("GET /api/rooms = %d %+v", resp.StatusCode, rooms)
	}

	resp, body = get(t, ts.URL+"/api/rooms/r1/state", nil)
	var state RoomStateResponse
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || state.Status != StatusRacing || len(state.Members) != 2 || state.StartedAt == nil {
		t.Errorf("GET /api/rooms/r1/state = %d %+v", resp.StatusCode, state)
	}

	resp, _ = get(t, ts.URL+"/api/rooms/missing/state", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing room status = %d, want 404", resp.StatusCode)
	}

	resp, _ = get(t, ts.URL+"/nowhere", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestServiceOrigins(t *testing.T) {
	ts := newTestServer(t, "http://allowed.example")

	resp, _ := get(t, ts.URL+"/health", http.Header{"Origin": {"http://allowed.example"}})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Errorf("allowed origin header = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow credentials = %q", got)
	}

	resp, _ = get(t, ts.URL+"/health", http.Header{"Origin": {"http://evil.example"}})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("websocket upgrade from disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("upgrade response = %v, want 403", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://allowed.example"}})
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	conn.Close()
}

func TestServiceShutdown(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	a.send(events.TypeJoinRoom, `"r1"`)
	ts.waitMembers(t, "r1", 1)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- ts.svc.Shutdown(ctx)
	}()

	a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("read error = %v, want going away close", err)
	}

	select {
	case err := <-shutdown:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if n := ts.svc.connectionManager.ConnectionCount(); n != 0 {
		t.Errorf("connections after shutdown = %d", n)
	}
	if _, ok := ts.svc.Coordinator().Room("r1"); ok {
		t.Error("room survived its only member disconnecting")
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial after shutdown succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("dial after shutdown response = %v, want 503", resp)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Internal Server Error") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRecoverMiddlewareRepanicsAbort(t *testing.T) {
	handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Error("ErrAbortHandler was swallowed")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://a.example"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://a.example", true},
		{"https://b.example", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !originChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("wildcard rejected a request")
	}
}
