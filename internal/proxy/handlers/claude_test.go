package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/kiro-nexus/internal/auth/token"
	"github.com/pysugar/kiro-nexus/internal/db"
	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/gateway"
	"github.com/pysugar/kiro-nexus/internal/lock"
	"github.com/pysugar/kiro-nexus/internal/oidc"
	"github.com/pysugar/kiro-nexus/internal/proxy/mappers"
	"github.com/pysugar/kiro-nexus/internal/quota"
	"github.com/pysugar/kiro-nexus/internal/secrets"
	"github.com/pysugar/kiro-nexus/internal/selector"
	"github.com/pysugar/kiro-nexus/internal/tokenizer"
	"github.com/pysugar/kiro-nexus/internal/upstream"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func wireFrame(headers map[string]string, payload []byte) []byte {
	var hbuf bytes.Buffer
	for name, value := range headers {
		hbuf.WriteByte(byte(len(name)))
		hbuf.WriteString(name)
		hbuf.WriteByte(7) // string
		binary.Write(&hbuf, binary.BigEndian, uint16(len(value)))
		hbuf.WriteString(value)
	}
	total := 12 + hbuf.Len() + len(payload) + 4

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(total))
	binary.Write(&buf, binary.BigEndian, uint32(hbuf.Len()))
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(hbuf.Bytes())
	buf.Write(payload)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes()
}

func contentFrames(texts ...string) []byte {
	var buf bytes.Buffer
	for _, text := range texts {
		payload, _ := json.Marshal(map[string]string{"content": text})
		buf.Write(wireFrame(map[string]string{
			":event-type":   "assistantResponseEvent",
			":message-type": "event",
		}, payload))
	}
	return buf.Bytes()
}

type wiring struct {
	gw       *gateway.Gateway
	vault    *vault.Vault
	resolver *mappers.Resolver
	counter  *tokenizer.Counter
}

func newWiring(t *testing.T, upstreamHandler http.HandlerFunc) *wiring {
	t.Helper()
	gdb, err := db.InitTestDB()
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	cipher, err := secrets.NewCipher([]byte(testMasterKey))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	v := vault.New(gdb, cipher, 100)

	upServer := httptest.NewServer(upstreamHandler)
	t.Cleanup(upServer.Close)
	oidcServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "fresh", "expiresIn": 3600})
	}))
	t.Cleanup(oidcServer.Close)

	tokens := token.NewManager(v, oidc.NewClient(oidcServer.URL, "https://example.com/start"), lock.NewMemoryLocker(), token.Options{})
	gw := gateway.New(selector.New(gdb, v), tokens, upstream.NewClient(upServer.URL), v, quota.NewTracker(gdb))

	future := time.Now().Add(time.Hour)
	acct := &models.Account{
		ID:                "acct-1",
		ClientID:          "cid",
		ClientSecret:      "cs",
		RefreshToken:      "rt",
		AccessToken:       "at",
		ExpiresAt:         &future,
		Enabled:           true,
		LastRefreshStatus: models.RefreshSuccess,
	}
	if err := v.Create(context.Background(), acct); err != nil {
		t.Fatalf("create account: %v", err)
	}

	return &wiring{
		gw:       gw,
		vault:    v,
		resolver: mappers.NewResolver(""),
		counter:  tokenizer.NewCounter(1.0),
	}
}

func claudeBody(stream bool) string {
	b, _ := json.Marshal(map[string]interface{}{
		"model":      "claude-sonnet-4",
		"max_tokens": 100,
		"stream":     stream,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "say hi"},
		},
	})
	return string(b)
}

func TestClaudeMessagesBuffered(t *testing.T) {
	w := newWiring(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		rw.Write(contentFrames("Hi", " there"))
	})
	h := ClaudeMessagesHandler(w.gw, w.resolver, w.counter)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(claudeBody(false)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp mappers.ClaudeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Role != "assistant" || resp.StopReason != "end_turn" {
		t.Errorf("envelope: %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Hi there" {
		t.Errorf("content: %+v", resp.Content)
	}
	if resp.Usage.OutputTokens <= 0 {
		t.Errorf("usage: %+v", resp.Usage)
	}

	acct, _ := w.vault.Get(context.Background(), "acct-1")
	if acct.SuccessCount != 1 {
		t.Errorf("success count: %d", acct.SuccessCount)
	}
}

func TestClaudeMessagesStreaming(t *testing.T) {
	w := newWiring(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		rw.Write(contentFrames("a", "b", "c"))
	})
	h := ClaudeMessagesHandler(w.gw, w.resolver, w.counter)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(claudeBody(true)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: %s", ct)
	}
	out := rec.Body.String()
	for _, marker := range []string{
		"event: message_start", "event: ping", "event: content_block_start",
		"event: content_block_delta", "event: content_block_stop",
		"event: message_delta", "event: message_stop",
	} {
		if !strings.Contains(out, marker) {
			t.Errorf("missing %q in stream", marker)
		}
	}
	if strings.Count(out, "event: content_block_delta") != 3 {
		t.Errorf("delta count: %d", strings.Count(out, "event: content_block_delta"))
	}
	if !strings.Contains(out, `"stop_reason":"end_turn"`) {
		t.Error("missing stop_reason")
	}
}

// droppingWriter fails Write after a fixed number of successful calls, the
// way a closed client socket does mid-stream.
type droppingWriter struct {
	*httptest.ResponseRecorder
	allow int
}

func (d *droppingWriter) Write(p []byte) (int, error) {
	if d.allow <= 0 {
		return 0, errors.New("write: broken pipe")
	}
	d.allow--
	return d.ResponseRecorder.Write(p)
}

func TestClaudeStreamDisconnectBeforeContent(t *testing.T) {
	w := newWiring(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		rw.Write(contentFrames("never reaches the client"))
	})
	h := ClaudeMessagesHandler(w.gw, w.resolver, w.counter)

	// Only message_start goes through; the ping write fails.
	dw := &droppingWriter{ResponseRecorder: httptest.NewRecorder(), allow: 1}
	h.ServeHTTP(dw, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(claudeBody(true))))

	acct, _ := w.vault.Get(context.Background(), "acct-1")
	if acct.SuccessCount != 0 || acct.ErrorCount != 0 {
		t.Errorf("counters after empty disconnect: %d/%d", acct.SuccessCount, acct.ErrorCount)
	}
}

func TestClaudeStreamDisconnectAfterContent(t *testing.T) {
	w := newWiring(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		rw.Write(contentFrames("first", "second"))
	})
	h := ClaudeMessagesHandler(w.gw, w.resolver, w.counter)

	// message_start, ping, content_block_start, and the first delta go
	// through; the second delta write fails.
	dw := &droppingWriter{ResponseRecorder: httptest.NewRecorder(), allow: 4}
	h.ServeHTTP(dw, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(claudeBody(true))))

	if !strings.Contains(dw.Body.String(), "content_block_delta") {
		t.Fatalf("no delta reached the client: %s", dw.Body.String())
	}
	acct, _ := w.vault.Get(context.Background(), "acct-1")
	if acct.SuccessCount != 1 || acct.ErrorCount != 0 {
		t.Errorf("counters after delivered disconnect: %d/%d", acct.SuccessCount, acct.ErrorCount)
	}
}

func TestClaudeMessagesEmptyMessages(t *testing.T) {
	w := newWiring(t, func(rw http.ResponseWriter, r *http.Request) {})
	h := ClaudeMessagesHandler(w.gw, w.resolver, w.counter)

	body := `{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_request_error") {
		t.Errorf("error envelope: %s", rec.Body.String())
	}
}

func TestClaudeMessagesNoAccounts(t *testing.T) {
	w := newWiring(t, func(rw http.ResponseWriter, r *http.Request) {})
	if err := w.vault.Delete(context.Background(), "acct-1"); err != nil {
		t.Fatal(err)
	}
	h := ClaudeMessagesHandler(w.gw, w.resolver, w.counter)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(claudeBody(false))))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestClaudeCountTokens(t *testing.T) {
	h := ClaudeCountTokensHandler(tokenizer.NewCounter(1.0))
	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"count these tokens please"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/messages/count_tokens", strings.NewReader(body)))

	if rec.Code != 200 {
		t.Fatalf("status: %d", rec.Code)
	}
	var resp struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.InputTokens <= 0 {
		t.Errorf("input_tokens: %d", resp.InputTokens)
	}
}
