package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/denwilliams/go-stomp-console/pkg/config"
	"github.com/denwilliams/go-stomp-console/pkg/console"
	"github.com/denwilliams/go-stomp-console/pkg/history"
	"github.com/denwilliams/go-stomp-console/pkg/inbox"
	"github.com/denwilliams/go-stomp-console/pkg/script"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
	"github.com/denwilliams/go-stomp-console/pkg/transport"
)

type publishCall struct {
	destination string
	body        string
	raw         bool
}

type fakeConsole struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connectURL  string
	subs        []console.SubscriptionInfo
	published   []publishCall
	messages    []inbox.Entry
	history     []history.Record
	historyOff  bool
	watchers    []chan inbox.Entry
	watchReady  chan struct{}
	scripts     *script.Engine
	nextSubID   int
	lastReplace bool
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{
		scripts:    script.NewEngine(time.Second, nil),
		watchReady: make(chan struct{}, 1),
	}
}

func (f *fakeConsole) Status() console.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := stomp.StateClosed
	if f.connected {
		state = stomp.StateConnected
	}
	return console.Status{
		State:         state.String(),
		BrokerURL:     f.connectURL,
		Subscriptions: append([]console.SubscriptionInfo(nil), f.subs...),
		MessageCount:  len(f.messages),
	}
}

func (f *fakeConsole) Connect(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if url != "" {
		f.connectURL = url
	}
	f.connected = true
	return nil
}

func (f *fakeConsole) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.subs = nil
	return nil
}

func (f *fakeConsole) Subscribe(destination string, replace bool, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if destination == "" {
		return "", stomp.ErrInvalidDestination
	}
	if !f.connected {
		return "", stomp.ErrNotConnected
	}
	if code != "" {
		if err := f.scripts.Set(destination, code); err != nil {
			return "", errors.Wrap(console.ErrInvalidScript, err.Error())
		}
	}
	if replace {
		f.subs = nil
	}
	f.lastReplace = replace
	f.nextSubID++
	id := "sub-" + strconv.Itoa(f.nextSubID)
	f.subs = append(f.subs, console.SubscriptionInfo{ID: id, Destination: destination, Script: code != ""})
	return id, nil
}

func (f *fakeConsole) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub.ID == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return nil
		}
	}
	return errors.Wrap(stomp.ErrUnknownSubscription, id)
}

func (f *fakeConsole) Subscriptions() []console.SubscriptionInfo {
	return f.Status().Subscriptions
}

func (f *fakeConsole) Publish(destination, body string, headers map[string]string, raw bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !raw && !json.Valid([]byte(body)) {
		return console.ErrInvalidJSON
	}
	if !f.connected {
		return stomp.ErrNotConnected
	}
	f.published = append(f.published, publishCall{destination, body, raw})
	return nil
}

func (f *fakeConsole) Messages(limit int) []inbox.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.messages) {
		limit = len(f.messages)
	}
	return append([]inbox.Entry(nil), f.messages[:limit]...)
}

func (f *fakeConsole) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}

func (f *fakeConsole) Destinations() []inbox.Destination {
	return []inbox.Destination{{Name: "/topic/a", Count: 2}}
}

func (f *fakeConsole) History(destination string, limit int) ([]history.Record, error) {
	if f.historyOff {
		return nil, console.ErrHistoryDisabled
	}
	return f.history, nil
}

func (f *fakeConsole) Watch(buffer int) (<-chan inbox.Entry, func()) {
	ch := make(chan inbox.Entry, buffer)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()
	f.watchReady <- struct{}{}
	return ch, func() {}
}

func (f *fakeConsole) Scripts() *script.Engine {
	return f.scripts
}

func newTestServer(t *testing.T, c Console) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Web.StaticDir = t.TempDir()
	return NewServer(cfg, c, "test", nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestAPI_ConnectAndStatus(t *testing.T) {
	c := newFakeConsole()
	s := newTestServer(t, c)

	rec, resp := doRequest(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("GET /api/status = %d %+v", rec.Code, resp)
	}
	if state := resp.Data.(map[string]interface{})["state"]; state != "CLOSED" {
		t.Errorf("Expected CLOSED, got %v", state)
	}

	rec, resp = doRequest(t, s, http.MethodPost, "/api/connect", `{"url":"ws://broker/ws"}`)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("POST /api/connect = %d %+v", rec.Code, resp)
	}
	data := resp.Data.(map[string]interface{})
	if data["state"] != "CONNECTED" || data["broker_url"] != "ws://broker/ws" {
		t.Errorf("Unexpected status after connect: %v", data)
	}

	rec, resp = doRequest(t, s, http.MethodPost, "/api/disconnect", "")
	if rec.Code != http.StatusOK || resp.Data.(map[string]interface{})["state"] != "CLOSED" {
		t.Errorf("POST /api/disconnect = %d %+v", rec.Code, resp)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not connected", stomp.ErrNotConnected, http.StatusConflict, "NOT_CONNECTED"},
		{"session active", stomp.ErrSessionActive, http.StatusConflict, "SESSION_ACTIVE"},
		{"serialization", console.ErrInvalidJSON, http.StatusBadRequest, "SERIALIZATION_ERROR"},
		{"connect failure", &transport.ConnectError{URL: "ws://x", Err: errors.New("refused")}, http.StatusBadGateway, "CONNECT_FAILED"},
		{"connect timeout", stomp.ErrConnectTimeout, http.StatusGatewayTimeout, "CONNECT_TIMEOUT"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeConsole()
			c.connectErr = tt.err
			s := newTestServer(t, c)

			rec, resp := doRequest(t, s, http.MethodPost, "/api/connect", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestAPI_Publish(t *testing.T) {
	c := newFakeConsole()
	s := newTestServer(t, c)

	rec, resp := doRequest(t, s, http.MethodPost, "/api/publish", `{"destination":"/topic/a","body":"{\"x\":1}"}`)
	if rec.Code != http.StatusConflict || resp.Error.Code != "NOT_CONNECTED" {
		t.Errorf("publish while closed = %d %+v", rec.Code, resp.Error)
	}

	c.Connect("")

	rec, resp = doRequest(t, s, http.MethodPost, "/api/publish", `{"destination":"/topic/a","body":"not json"}`)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != "SERIALIZATION_ERROR" {
		t.Errorf("publish invalid JSON = %d %+v", rec.Code, resp.Error)
	}

	rec, _ = doRequest(t, s, http.MethodPost, "/api/publish", `{"destination":"/topic/a","body":"plain","raw":true}`)
	if rec.Code != http.StatusOK {
		t.Errorf("raw publish = %d", rec.Code)
	}

	rec, _ = doRequest(t, s, http.MethodPost, "/api/publish", `{"body":"{}"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("publish to default destination = %d", rec.Code)
	}

	if len(c.published) != 2 {
		t.Fatalf("Expected 2 publishes, got %+v", c.published)
	}
	if c.published[1].destination != "/v1/subscribe/" {
		t.Errorf("Expected default publish destination, got %q", c.published[1].destination)
	}

	rec, resp = doRequest(t, s, http.MethodPost, "/api/publish", `{"destination":`)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != "INVALID_JSON" {
		t.Errorf("malformed request = %d %+v", rec.Code, resp.Error)
	}

	rec, _ = doRequest(t, s, http.MethodGet, "/api/publish", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/publish = %d, want 405", rec.Code)
	}
}

func TestAPI_Subscriptions(t *testing.T) {
	c := newFakeConsole()
	s := newTestServer(t, c)
	c.Connect("")

	rec, resp := doRequest(t, s, http.MethodPost, "/api/subscriptions", `{"destination":"/topic/a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe = %d %+v", rec.Code, resp)
	}
	id := resp.Data.(map[string]interface{})["id"].(string)

	rec, resp = doRequest(t, s, http.MethodPost, "/api/subscriptions", `{"replace":true}`)
	if rec.Code != http.StatusOK || !c.lastReplace {
		t.Fatalf("subscribe with replace = %d %+v", rec.Code, resp)
	}
	if dest := resp.Data.(map[string]interface{})["destination"]; dest != "/v1/topic/miniticker/BTCUSDT" {
		t.Errorf("Expected default subscribe destination, got %v", dest)
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/api/subscriptions", "")
	if subs := resp.Data.([]interface{}); rec.Code != http.StatusOK || len(subs) != 1 {
		t.Errorf("GET /api/subscriptions = %d %v", rec.Code, resp.Data)
	}

	rec, resp = doRequest(t, s, http.MethodDelete, "/api/subscriptions/"+id, "")
	if rec.Code != http.StatusNotFound || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("DELETE replaced subscription = %d %+v", rec.Code, resp.Error)
	}

	rec, resp = doRequest(t, s, http.MethodPost, "/api/subscriptions", `{"destination":"/topic/b","script":"nope {"}`)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != "INVALID_SCRIPT" {
		t.Errorf("subscribe with bad script = %d %+v", rec.Code, resp.Error)
	}
}

func TestAPI_MessagesAndHistory(t *testing.T) {
	c := newFakeConsole()
	c.messages = []inbox.Entry{
		{ID: 3, Destination: "/topic/a", Body: "3"},
		{ID: 2, Destination: "/topic/a", Body: "2"},
		{ID: 1, Destination: "/topic/a", Body: "1"},
	}
	c.history = []history.Record{{ID: 1, Destination: "/topic/a", Body: "1"}}
	s := newTestServer(t, c)

	rec, resp := doRequest(t, s, http.MethodGet, "/api/messages?limit=2", "")
	data := resp.Data.(map[string]interface{})
	if rec.Code != http.StatusOK || len(data["messages"].([]interface{})) != 2 || data["total"].(float64) != 3 {
		t.Errorf("GET /api/messages = %d %v", rec.Code, data)
	}

	rec, _ = doRequest(t, s, http.MethodDelete, "/api/messages", "")
	if rec.Code != http.StatusOK || len(c.messages) != 0 {
		t.Errorf("DELETE /api/messages = %d, %d left", rec.Code, len(c.messages))
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/api/destinations", "")
	if rec.Code != http.StatusOK || len(resp.Data.([]interface{})) != 1 {
		t.Errorf("GET /api/destinations = %d %v", rec.Code, resp.Data)
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/api/history?destination=/topic/a", "")
	if rec.Code != http.StatusOK || len(resp.Data.(map[string]interface{})["messages"].([]interface{})) != 1 {
		t.Errorf("GET /api/history = %d %v", rec.Code, resp.Data)
	}

	c.historyOff = true
	rec, resp = doRequest(t, s, http.MethodGet, "/api/history", "")
	if rec.Code != http.StatusNotFound || resp.Error.Code != "HISTORY_DISABLED" {
		t.Errorf("GET /api/history while disabled = %d %+v", rec.Code, resp.Error)
	}
}

func TestAPI_Scripts(t *testing.T) {
	c := newFakeConsole()
	s := newTestServer(t, c)

	rec, resp := doRequest(t, s, http.MethodPut, "/api/scripts", `{"destination":"/topic/a","code":"function process(m) { return m.body; }"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/scripts = %d %+v", rec.Code, resp)
	}

	rec, resp = doRequest(t, s, http.MethodPut, "/api/scripts", `{"destination":"/topic/a","code":"var x = 1;"}`)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != "INVALID_SCRIPT" {
		t.Errorf("PUT script without process = %d %+v", rec.Code, resp.Error)
	}

	rec, resp = doRequest(t, s, http.MethodGet, "/api/scripts", "")
	if rec.Code != http.StatusOK || len(resp.Data.([]interface{})) != 1 {
		t.Errorf("GET /api/scripts = %d %v", rec.Code, resp.Data)
	}

	rec, _ = doRequest(t, s, http.MethodDelete, "/api/scripts?destination=/topic/a", "")
	if rec.Code != http.StatusOK {
		t.Errorf("DELETE /api/scripts = %d", rec.Code)
	}
	rec, resp = doRequest(t, s, http.MethodDelete, "/api/scripts?destination=/topic/a", "")
	if rec.Code != http.StatusNotFound || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("DELETE missing script = %d %+v", rec.Code, resp.Error)
	}
}

func TestStaticFilesFallback(t *testing.T) {
	s := newTestServer(t, newFakeConsole())
	dir := s.config.Web.StaticDir
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>console</html>"), 0644)
	os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0644)

	for path, want := range map[string]string{
		"/":            "<html>console</html>",
		"/app.js":      "console.log(1)",
		"/inbox/route": "<html>console</html>",
	} {
		rec, _ := doRequest(t, s, http.MethodGet, path, "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
			t.Errorf("GET %s = %d %q, want %q", path, rec.Code, rec.Body.String(), want)
		}
	}

	rec, resp := doRequest(t, s, http.MethodGet, "/api/unknown", "")
	if rec.Code != http.StatusNotFound || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("GET /api/unknown = %d %+v", rec.Code, resp.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newFakeConsole())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
}

func TestStream(t *testing.T) {
	c := newFakeConsole()
	s := newTestServer(t, c)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/stream", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case <-c.watchReady:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started watching")
	}

	c.mu.Lock()
	c.watchers[0] <- inbox.Entry{ID: 7, Destination: "/topic/a", Body: `{"p":1}`}
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got inbox.Entry
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.ID != 7 || got.Body != `{"p":1}` {
		t.Errorf("Unexpected streamed entry: %+v", got)
	}
}
