package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pysugar/kiro-nexus/internal/gateway"
	"github.com/pysugar/kiro-nexus/internal/proxy/mappers"
	"github.com/pysugar/kiro-nexus/internal/proxy/streaming"
	"github.com/pysugar/kiro-nexus/internal/selector"
	"github.com/pysugar/kiro-nexus/internal/tokenizer"
	"github.com/pysugar/kiro-nexus/internal/upstream"
	"github.com/pysugar/kiro-nexus/internal/util"
)

// ClaudeMessagesHandler handles /v1/messages for both streaming and buffered
// responses.
func ClaudeMessagesHandler(gw *gateway.Gateway, resolver *mappers.Resolver, counter *tokenizer.Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestId := GetOrGenerateRequestID(r)

		var req mappers.ClaudeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeClaudeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		model := resolver.Resolve(req.Model)
		log.Printf("📨 [%s] Claude request: model=%s messages=%d stream=%v", requestId, model, len(req.Messages), req.Stream)
		if IsVerbose() {
			raw, _ := json.Marshal(req)
			log.Printf("📥 [VERBOSE] [%s] /v1/messages request: %s", requestId, util.TruncateBytes(raw))
		}

		body, err := mappers.ClaudeToKiro(&req, model, "")
		if err != nil {
			if errors.Is(err, mappers.ErrNoMessages) {
				writeClaudeError(w, "messages must not be empty", http.StatusBadRequest)
				return
			}
			writeClaudeError(w, "Request conversion failed: "+err.Error(), http.StatusBadRequest)
			return
		}

		sessionKey := selector.SessionKey(req.MessageTexts(), "")
		attempt, err := gw.Execute(r.Context(), sessionKey, body)
		if err != nil {
			status, msg := dispatchStatus(err)
			writeClaudeError(w, msg, status)
			return
		}

		inputTokens := counter.Scale(counter.Count(req.PlainText()))
		conv := streaming.NewClaudeConverter(model, inputTokens, counter)

		if req.Stream {
			streamClaude(w, r, gw, attempt, conv, requestId)
			return
		}
		bufferClaude(w, r, gw, attempt, conv, requestId)
	}
}

// streamClaude relays converted events as SSE.
func streamClaude(w http.ResponseWriter, r *http.Request, gw *gateway.Gateway, attempt *gateway.Attempt, conv *streaming.ClaudeConverter, requestId string) {
	sw, err := streaming.NewWriter(w)
	if err != nil {
		writeClaudeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if werr := sw.WriteAll(conv.Start()); werr != nil {
		gw.Disconnected(attempt.Account.ID, conv.HasContent())
		return
	}

	for ev := range attempt.Events {
		if ev.Err != nil {
			c := gw.StreamFailure(r.Context(), attempt.Account.ID, ev.Err)
			log.Printf("❌ [%s] Stream failed mid-flight: %s", requestId, c.Detail)
			sw.WriteAll([]streaming.SSEEvent{conv.Error("Upstream error: " + c.Detail)})
			return
		}
		if werr := sw.WriteAll(conv.OnEvent(ev)); werr != nil {
			// Client went away. Credit delivered content, but a disconnect is
			// never an account failure.
			gw.Disconnected(attempt.Account.ID, conv.HasContent())
			return
		}
	}

	if werr := sw.WriteAll(conv.Finish()); werr == nil {
		gw.Complete(r.Context(), attempt.Account.ID, true)
	} else {
		gw.Disconnected(attempt.Account.ID, conv.HasContent())
	}
}

// bufferClaude drains the stream and replies with one message body.
func bufferClaude(w http.ResponseWriter, r *http.Request, gw *gateway.Gateway, attempt *gateway.Attempt, conv *streaming.ClaudeConverter, requestId string) {
	if err := drainIntoConverter(attempt.Events, conv); err != nil {
		c := gw.StreamFailure(r.Context(), attempt.Account.ID, err)
		log.Printf("❌ [%s] Upstream failed: %s", requestId, c.Detail)
		writeClaudeError(w, "Upstream error: "+c.Detail, http.StatusBadGateway)
		return
	}
	conv.Finish()
	if !conv.HasContent() {
		gw.Complete(r.Context(), attempt.Account.ID, false)
		writeClaudeError(w, "Upstream produced no content", http.StatusBadGateway)
		return
	}
	gw.Complete(r.Context(), attempt.Account.ID, true)
	writeJSON(w, http.StatusOK, conv.Response())
}

type eventSink interface {
	OnEvent(ev upstream.Event) []streaming.SSEEvent
}

func drainIntoConverter(events <-chan upstream.Event, conv eventSink) error {
	for ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
		conv.OnEvent(ev)
	}
	return nil
}

// ClaudeCountTokensHandler handles /v1/messages/count_tokens without touching
// the upstream.
func ClaudeCountTokensHandler(counter *tokenizer.Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mappers.ClaudeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeClaudeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		n := counter.Scale(counter.Count(req.PlainText()))
		writeJSON(w, http.StatusOK, map[string]interface{}{"input_tokens": n})
	}
}
