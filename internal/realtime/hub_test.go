package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func recvMessage(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for realtime message")
	}
	return Message{}
}

func TestRenderTemplates(t *testing.T) {
	msg, err := Render(JobCompleted, Params{UserEmail: "a@example.com", JobID: "j-1"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Text != "a@example.com, your job with ID j-1 has been completed." {
		t.Fatalf("JobCompleted text: %q", msg.Text)
	}
	msg, _ = Render(JobAborted, Params{UserEmail: "a@example.com", JobID: "j-1"})
	if !strings.HasSuffix(msg.Text, "was aborted due to insufficient tokens.") {
		t.Fatalf("JobAborted text: %q", msg.Text)
	}
	msg, _ = Render(Welcome, Params{UserEmail: "a@example.com"})
	if !strings.HasPrefix(msg.Text, "Hello, a@example.com! Welcome") {
		t.Fatalf("Welcome text: %q", msg.Text)
	}

	if _, err := Render(MessageType("Bogus"), Params{UserEmail: "a@example.com"}); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("unknown type: want ErrUnknownMessageType, got %v", err)
	}
	if _, err := Render(JobActive, Params{UserEmail: "a@example.com"}); !errors.Is(err, ErrMissingParam) {
		t.Fatalf("missing job id: want ErrMissingParam, got %v", err)
	}
}

func TestMessageEnvelope(t *testing.T) {
	msg, _ := Render(JobActive, Params{UserEmail: "a@example.com", JobID: "j-1"})
	raw, _ := json.Marshal(msg)
	if string(raw) != `{"message":"a@example.com, your job with ID j-1 has been taken in charge."}` {
		t.Fatalf("JobActive envelope: %s", raw)
	}

	list, _ := Render(JobList, Params{UserEmail: "a@example.com"})
	raw, _ = json.Marshal(list)
	if !strings.Contains(string(raw), `"jobs":[]`) {
		t.Fatalf("empty JobList must carry jobs array: %s", raw)
	}
	list, _ = Render(JobList, Params{UserEmail: "a@example.com", Jobs: []JobSummary{{JobID: "j-1", State: "Pending", DatasetID: 7}}})
	raw, _ = json.Marshal(list)
	if !strings.Contains(string(raw), `{"job_id":"j-1","state":"Pending","dataset_id":7}`) {
		t.Fatalf("JobList jobs: %s", raw)
	}
}

func TestHubReconnectAndOrdering(t *testing.T) {
	hub := NewHub(mustTestLogger(t), nil)

	connA := hub.NewConn("a@example.com")
	hub.Register(connA)
	hub.Register(connA)
	if n := hub.Connections("a@example.com"); n != 1 {
		t.Fatalf("duplicate Register: want 1 connection, got %d", n)
	}

	_ = hub.Push("a@example.com", JobActive, Params{UserEmail: "a@example.com", JobID: "j-1"})
	_ = hub.Push("a@example.com", JobCompleted, Params{UserEmail: "a@example.com", JobID: "j-1"})
	if got := recvMessage(t, connA.Outbound, time.Second); got.Type != JobActive {
		t.Fatalf("first message: want JobActive, got %s", got.Type)
	}
	if got := recvMessage(t, connA.Outbound, time.Second); got.Type != JobCompleted {
		t.Fatalf("second message: want JobCompleted, got %s", got.Type)
	}

	hub.Unregister(connA)
	if _, ok := <-connA.Outbound; ok {
		t.Fatalf("outbound should be closed after Unregister")
	}
	if n := hub.Connections("a@example.com"); n != 0 {
		t.Fatalf("user entry should be dropped, got %d connections", n)
	}
	// Pushing to a user without connections is a silent no-op.
	if err := hub.Push("a@example.com", JobFailed, Params{UserEmail: "a@example.com", JobID: "j-2"}); err != nil {
		t.Fatalf("Push offline: %v", err)
	}

	connB := hub.NewConn("a@example.com")
	hub.Register(connB)
	_ = hub.Push("a@example.com", JobFailed, Params{UserEmail: "a@example.com", JobID: "j-3"})
	if got := recvMessage(t, connB.Outbound, time.Second); got.Type != JobFailed {
		t.Fatalf("after reconnect: want JobFailed, got %s", got.Type)
	}
}

func TestHubPushNeverBlocks(t *testing.T) {
	hub := NewHub(mustTestLogger(t), nil)
	c := hub.NewConn("a@example.com")
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultOutboundBuffer*3; i++ {
			_ = hub.Push("a@example.com", JobActive, Params{UserEmail: "a@example.com", JobID: "j"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Push blocked on a full connection")
	}
	if len(c.Outbound) != defaultOutboundBuffer {
		t.Fatalf("outbound: want %d buffered, got %d", defaultOutboundBuffer, len(c.Outbound))
	}
}

func TestHubConcurrentRegisterPush(t *testing.T) {
	hub := NewHub(mustTestLogger(t), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := hub.NewConn("a@example.com")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Push("a@example.com", JobActive, Params{UserEmail: "a@example.com", JobID: "j"})
		}()
	}
	wg.Wait()
	if n := hub.Connections("a@example.com"); n != 0 {
		t.Fatalf("connections left: %d", n)
	}
}

func TestServeWritesMessagesOverWebSocket(t *testing.T) {
	hub := NewHub(mustTestLogger(t), nil)
	registered := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := hub.NewConn("a@example.com")
		hub.Register(c)
		_ = hub.Send(c, Welcome, Params{UserEmail: "a@example.com"})
		registered <- c
		hub.Serve(context.Background(), ws, c, DefaultWSOptions())
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	<-registered

	_ = hub.Push("a@example.com", JobActive, Params{UserEmail: "a@example.com", JobID: "j-9"})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second map[string]any
	if err := client.ReadJSON(&first); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if err := client.ReadJSON(&second); err != nil {
		t.Fatalf("read job active: %v", err)
	}
	if !strings.HasPrefix(first["message"].(string), "Hello, a@example.com!") {
		t.Fatalf("first frame: %v", first)
	}
	if second["message"] != "a@example.com, your job with ID j-9 has been taken in charge." {
		t.Fatalf("second frame: %v", second)
	}

	_ = client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections("a@example.com") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not unregistered after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
