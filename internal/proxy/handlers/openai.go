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
	"github.com/pysugar/kiro-nexus/internal/util"
)

// OpenAIChatHandler handles /v1/chat/completions.
func OpenAIChatHandler(gw *gateway.Gateway, resolver *mappers.Resolver, counter *tokenizer.Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestId := GetOrGenerateRequestID(r)

		var req mappers.OpenAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		model := resolver.Resolve(req.Model)
		log.Printf("📨 [%s] OpenAI request: model=%s messages=%d stream=%v", requestId, model, len(req.Messages), req.Stream)
		if IsVerbose() {
			raw, _ := json.Marshal(req)
			log.Printf("📥 [VERBOSE] [%s] /v1/chat/completions request: %s", requestId, util.TruncateBytes(raw))
		}

		body, err := mappers.OpenAIToKiro(&req, model, "")
		if err != nil {
			if errors.Is(err, mappers.ErrNoMessages) {
				writeOpenAIError(w, "messages must not be empty", http.StatusBadRequest)
				return
			}
			writeOpenAIError(w, "Request conversion failed: "+err.Error(), http.StatusBadRequest)
			return
		}

		sessionKey := selector.SessionKey(req.MessageTexts(), req.User)
		attempt, err := gw.Execute(r.Context(), sessionKey, body)
		if err != nil {
			status, msg := dispatchStatus(err)
			writeOpenAIError(w, msg, status)
			return
		}

		inputTokens := counter.Scale(counter.Count(req.PlainText()))
		conv := streaming.NewOpenAIConverter(model, inputTokens, counter)

		if req.Stream {
			streamOpenAI(w, r, gw, attempt, conv, requestId)
			return
		}

		if err := drainIntoConverter(attempt.Events, conv); err != nil {
			c := gw.StreamFailure(r.Context(), attempt.Account.ID, err)
			log.Printf("❌ [%s] Upstream failed: %s", requestId, c.Detail)
			writeOpenAIError(w, "Upstream error: "+c.Detail, http.StatusBadGateway)
			return
		}
		if !conv.HasContent() {
			gw.Complete(r.Context(), attempt.Account.ID, false)
			writeOpenAIError(w, "Upstream produced no content", http.StatusBadGateway)
			return
		}
		gw.Complete(r.Context(), attempt.Account.ID, true)
		writeJSON(w, http.StatusOK, conv.Response())
	}
}

func streamOpenAI(w http.ResponseWriter, r *http.Request, gw *gateway.Gateway, attempt *gateway.Attempt, conv *streaming.OpenAIConverter, requestId string) {
	sw, err := streaming.NewWriter(w)
	if err != nil {
		writeOpenAIError(w, err.Error(), http.StatusInternalServerError)
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
			sw.Done()
			return
		}
		if werr := sw.WriteAll(conv.OnEvent(ev)); werr != nil {
			// Disconnects credit delivered content and are otherwise ignored.
			gw.Disconnected(attempt.Account.ID, conv.HasContent())
			return
		}
	}

	if werr := sw.WriteAll(conv.Finish()); werr != nil {
		gw.Disconnected(attempt.Account.ID, conv.HasContent())
		return
	}
	sw.Done()
	gw.Complete(r.Context(), attempt.Account.ID, true)
}

// OpenAIModelsListHandler handles /v1/models with the resolvable model set.
func OpenAIModelsListHandler(resolver *mappers.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := resolver.Models()
		data := make([]map[string]interface{}, 0, len(models))
		for _, id := range models {
			data = append(data, map[string]interface{}{
				"id":       id,
				"object":   "model",
				"owned_by": "kiro-nexus",
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}
