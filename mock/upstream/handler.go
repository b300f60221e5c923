package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// mockModels is what every instance advertises on /v1/models. mock-retired
// is deliberately listed while chat requests for it 404, so a gateway in
// front of this fleet can exercise its model blacklist path.
var mockModels = []string{
	"mock-large",
	"mock-small",
	"mock-flaky",
	"mock-exhausted",
	"mock-retired",
	"mock-slow",
}

// fakeWords is the pool used to build completion text.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "an",
	"upstream", "provider", "simulating", "a", "real", "model", "reply",
	"for", "development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// newHandler builds the OpenAI-compatible surface of one mock instance.
func newHandler(name string, cfg config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if cfg.errorRate > 0 && rand.Float64() < cfg.errorRate {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		// Per-model failure injection.
		switch req.Model {
		case "mock-flaky":
			writeError(w, http.StatusInternalServerError, "mock flaky upstream", "server_error")
			return
		case "mock-exhausted":
			writeError(w, http.StatusTooManyRequests, "You exceeded your current quota", "insufficient_quota")
			return
		case "mock-retired":
			writeError(w, http.StatusNotFound,
				fmt.Sprintf("The model %q does not exist", req.Model), "model_not_found")
			return
		case "mock-slow":
			time.Sleep(5 * time.Second)
		}

		model := req.Model
		if model == "" {
			model = "mock-large"
		}
		id := fmt.Sprintf("chatcmpl-%s-%x", name, rand.Int64())
		content := fakeSentence(cfg.streamWords)

		if req.Stream {
			serveStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.streamWords,
				"total_tokens":      10 + cfg.streamWords,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, len(mockModels))
		for i, m := range mockModels {
			data[i] = map[string]any{
				"id":       m,
				"object":   "model",
				"created":  1710000000,
				"owned_by": name,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	// Catch-all — some SDKs hit sub-paths.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveStream writes an SSE stream of chat completion chunks.
func serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for _, word := range strings.Fields(content) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index":         0,
					"delta":         map[string]string{"content": word + " "},
					"finish_reason": nil,
				},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	final := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]string{},
				"finish_reason": "stop",
			},
		},
	}
	data, _ := json.Marshal(final)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func applyLatency(cfg config) {
	if cfg.latencyMS > 0 {
		time.Sleep(time.Duration(cfg.latencyMS) * time.Millisecond)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    "invalid_request_error",
		Code:    code,
	}})
}
