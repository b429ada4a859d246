package supervisor

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalcore/rendezvous/internal/connhub"
	"github.com/signalcore/rendezvous/internal/liveness"
	"github.com/signalcore/rendezvous/internal/metrics"
	"github.com/signalcore/rendezvous/internal/protocol"
	"github.com/signalcore/rendezvous/internal/recovery"
	"github.com/signalcore/rendezvous/internal/registry"
)

func newTestDeps() Deps {
	return Deps{
		Registry:          registry.New(),
		Conns:             connhub.New(),
		Liveness:          liveness.NewTracker(),
		Metrics:           metrics.New(),
		PingInterval:      50 * time.Millisecond,
		HostConflictGrace: 50 * time.Millisecond,
		SinkBuffer:        8,
		WriteTimeout:      time.Second,
	}
}

func newTestServer(t *testing.T, deps Deps) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		Serve(deps, conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestSupervisorRegistersAndRemovesConnectionOnClientDisconnect(t *testing.T) {
	deps := newTestDeps()
	srv, url := newTestServer(t, deps)
	defer srv.Close()

	conn := dial(t, url)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"SessionJoin":["S",true]}`))
	time.Sleep(50 * time.Millisecond)

	if deps.Conns.Len() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", deps.Conns.Len())
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if deps.Conns.Len() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if deps.Conns.Len() != 0 {
		t.Fatal("expected connection to be removed after client disconnect")
	}
	if _, ok := deps.Registry.Lookup("S"); ok {
		t.Fatal("expected session to be deleted once its only member left")
	}
}

func TestSupervisorEmitsPingProbes(t *testing.T) {
	deps := newTestDeps()
	srv, url := newTestServer(t, deps)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a ping probe, got error: %v", err)
	}
	if !strings.Contains(string(data), `"Ping"`) {
		t.Fatalf("expected a Ping envelope, got %s", data)
	}
}

// A peer that sends one KeepAlive establishing liveness, then goes silent,
// must be evicted on the second subsequent tick: the first tick flips it to
// offline, the second finds it still offline and tears the connection down.
// A peer that never sends a KeepAlive at all never arms the timeout (see
// DESIGN.md's liveness Open Question decision) so this test establishes
// liveness first rather than asserting eviction from a bare connect. The
// peer learns its own UserId from the first probe, which arrives before any
// liveness entry exists, and names that id in its KeepAlive.
func TestSupervisorEvictsAfterTwoSilentTicksOnceLivenessIsEstablished(t *testing.T) {
	deps := newTestDeps()
	srv, url := newTestServer(t, deps)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 2; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("expected ping #%d, got error: %v", i+1, err)
		}
		if i == 0 {
			msg, err := protocol.Decode(data)
			probe, ok := msg.(protocol.PingMessage)
			if err != nil || !ok {
				t.Fatalf("expected ping #1 to be a Ping envelope, got %s", data)
			}
			keepAlive := fmt.Sprintf(`{"KeepAlive":[%d,{"is_host":true,"session_id":"S"}]}`, probe.UserID)
			conn.WriteMessage(websocket.TextMessage, []byte(keepAlive))
		}
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed after two silent ticks")
	}
}

func TestConnectionWithoutAnyKeepAliveIsNeverEvictedByLivenessAlone(t *testing.T) {
	deps := newTestDeps()
	srv, url := newTestServer(t, deps)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 3; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("expected ping #%d without eviction, got error: %v", i+1, err)
		}
	}
}

func TestIgnorableFrameDoesNotProduceError(t *testing.T) {
	deps := newTestDeps()
	srv, url := newTestServer(t, deps)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"SessionJoin":["probe",false]}`))
	time.Sleep(50 * time.Millisecond)

	if _, ok := deps.Registry.Lookup("probe"); !ok {
		t.Fatal("expected the later valid frame to still be processed")
	}
}

// A panic recovered by Guard must still signal completion to the supervisor's
// first-exit-wins done channel, or a panicking task's siblings (and this
// connection's registry entries) would never be torn down. This mirrors
// exactly the goroutine shape Serve spawns for its three tasks.
func TestGuardedTaskPanicStillSignalsDone(t *testing.T) {
	done := make(chan string, 1)

	go recovery.Guard(nil, "fake-task", func() {
		defer func() { done <- "fake" }()
		panic("simulated task failure")
	})

	select {
	case exited := <-done:
		if exited != "fake" {
			t.Fatalf("expected done signal %q, got %q", "fake", exited)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the panicking task to still signal done, but it never did")
	}
}

func TestNextUserIDIsMonotonic(t *testing.T) {
	a := NextUserID()
	b := NextUserID()
	if b <= a {
		t.Fatalf("expected strictly increasing ids, got %d then %d", a, b)
	}
}
