package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// sockjsEchoServer speaks enough SockJS to echo every client message back,
// either over the websocket sub-transport or xhr polling.
type sockjsEchoServer struct {
	websocket bool

	mu       sync.Mutex
	sessions map[string]chan string
	paths    []string
}

func newSockJSEchoServer(websocketEnabled bool) (*sockjsEchoServer, *httptest.Server) {
	s := &sockjsEchoServer{websocket: websocketEnabled, sessions: make(map[string]chan string)}
	return s, httptest.NewServer(s)
}

func (s *sockjsEchoServer) session(id string) chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.sessions[id]
	if !ok {
		ch = make(chan string, 16)
		s.sessions[id] = ch
	}
	return ch
}

func (s *sockjsEchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()

	if r.URL.Path == "/stomp/info" {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"websocket":     s.websocket,
			"cookie_needed": false,
			"origins":       []string{"*:*"},
			"entropy":       42,
		})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/stomp/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	sessionID, kind := parts[1], parts[2]

	switch kind {
	case "websocket":
		if !s.websocket {
			http.NotFound(w, r)
			return
		}
		s.serveWebSocket(w, r)
	case "xhr":
		ch := s.session(sessionID)
		s.mu.Lock()
		opened := s.sessions[sessionID+"/open"] != nil
		if !opened {
			s.sessions[sessionID+"/open"] = make(chan string)
		}
		s.mu.Unlock()
		if !opened {
			io.WriteString(w, "o\n")
			return
		}
		select {
		case msg := <-ch:
			if msg == "bye" {
				io.WriteString(w, "c[3000,\"Go away!\"]\n")
				return
			}
			payload, _ := json.Marshal([]string{msg})
			fmt.Fprintf(w, "a%s\n", payload)
		case <-time.After(200 * time.Millisecond):
			io.WriteString(w, "h\n")
		case <-r.Context().Done():
		}
	case "xhr_send":
		var msgs []string
		if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
			http.Error(w, "bad payload", http.StatusInternalServerError)
			return
		}
		ch := s.session(sessionID)
		for _, m := range msgs {
			ch <- m
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (s *sockjsEchoServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("o"))
	conn.WriteMessage(websocket.TextMessage, []byte("h"))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msgs []string
		if err := json.Unmarshal(data, &msgs); err != nil {
			conn.WriteMessage(websocket.TextMessage, []byte(`c[2011,"Broken framing."]`))
			return
		}
		for _, m := range msgs {
			if m == "bye" {
				conn.WriteMessage(websocket.TextMessage, []byte(`c[3000,"Go away!"]`))
				return
			}
			// Split every message in two SockJS frames.
			half := len(m) / 2
			first, _ := json.Marshal([]string{m[:half]})
			second, _ := json.Marshal([]string{m[half:]})
			conn.WriteMessage(websocket.TextMessage, append([]byte("a"), first...))
			conn.WriteMessage(websocket.TextMessage, append([]byte("a"), second...))
		}
	}
}

func TestSockJSWebSocket(t *testing.T) {
	server, srv := newSockJSEchoServer(true)
	defer srv.Close()

	rec := newRecorder()
	conn, err := Dial(context.Background(), srv.URL+"/stomp", Config{}, rec)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn.Name() != "sockjs-websocket" {
		t.Errorf("Name() = %q, want sockjs-websocket", conn.Name())
	}

	frame := "SEND\ndestination:/topic/x\n\n{\"a\":\"b\"}\x00"
	if err := conn.Send([]byte(frame)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.collect(t, frame)

	conn.Send([]byte("bye"))
	if err := rec.waitClosed(t); err != nil {
		t.Errorf("Closed() error = %v, want nil", err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if server.paths[0] != "/stomp/info" {
		t.Errorf("first request = %s, want /stomp/info", server.paths[0])
	}
}

func TestSockJSXHRFallback(t *testing.T) {
	_, srv := newSockJSEchoServer(false)
	defer srv.Close()

	rec := newRecorder()
	conn, err := Dial(context.Background(), srv.URL+"/stomp/", Config{}, rec)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn.Name() != "sockjs-xhr" {
		t.Errorf("Name() = %q, want sockjs-xhr", conn.Name())
	}

	if err := conn.Send([]byte("MESSAGE\n\n42\x00")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.collect(t, "MESSAGE\n\n42\x00")

	conn.Send([]byte("bye"))
	if err := rec.waitClosed(t); err != nil {
		t.Errorf("Closed() error = %v, want nil", err)
	}
}

func TestSockJSXHRLocalClose(t *testing.T) {
	_, srv := newSockJSEchoServer(false)
	defer srv.Close()

	rec := newRecorder()
	conn, err := Dial(context.Background(), srv.URL+"/stomp", Config{SockJSTransports: []string{SockJSXHRPolling}}, rec)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	conn.Close()
	if err := rec.waitClosed(t); err != nil {
		t.Errorf("Closed() error = %v, want nil", err)
	}
}

func TestSockJSInfoFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL+"/stomp", Config{}, newRecorder())
	if err == nil || !strings.Contains(err.Error(), "info") {
		t.Errorf("Dial() error = %v, want info failure", err)
	}
}

func TestDecodeSockJSFrame(t *testing.T) {
	tests := []struct {
		in       string
		kind     byte
		messages []string
		code     int
		wantErr  bool
	}{
		{in: "o", kind: 'o'},
		{in: "h\n", kind: 'h'},
		{in: `a["one","two"]`, kind: 'a', messages: []string{"one", "two"}},
		{in: `m"single"`, kind: 'm', messages: []string{"single"}},
		{in: `c[3000,"Go away!"]`, kind: 'c', code: 3000},
		{in: `a[1]`, wantErr: true},
		{in: `c[3000]`, wantErr: true},
		{in: `x`, wantErr: true},
		{in: ``, wantErr: true},
	}

	for _, tt := range tests {
		f, err := decodeSockJSFrame([]byte(tt.in))
		if tt.wantErr {
			if err == nil {
				t.Errorf("decodeSockJSFrame(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("decodeSockJSFrame(%q) error = %v", tt.in, err)
			continue
		}
		if f.kind != tt.kind || f.code != tt.code || strings.Join(f.messages, "|") != strings.Join(tt.messages, "|") {
			t.Errorf("decodeSockJSFrame(%q) = %+v", tt.in, f)
		}
	}
}

func TestSockJSCloseCodes(t *testing.T) {
	rec := newRecorder()
	if err := (sockjsFrame{kind: 'c', code: 3000}).deliver(rec); err != errCleanClose {
		t.Errorf("3000 close = %v, want errCleanClose", err)
	}
	if err := (sockjsFrame{kind: 'c', code: 2010, reason: "Another connection still open"}).deliver(rec); err == nil || err == errCleanClose {
		t.Errorf("2010 close = %v, want fault", err)
	}
}
