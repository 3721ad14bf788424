package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// MockAIServer mimics an OpenAI-compatible chat completions endpoint.
type MockAIServer struct {
	*httptest.Server
	Reply    string
	Status   int
	requests atomic.Int64
}

// NewMockAIServer creates a server answering /chat/completions with Reply.
// Set Status to a non-200 code to simulate upstream failure.
func NewMockAIServer(t *testing.T, reply string) *MockAIServer {
	t.Helper()
	m := &MockAIServer{Reply: reply, Status: http.StatusOK}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if m.Status != http.StatusOK {
			w.WriteHeader(m.Status)
			return
		}
		response := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": m.Reply}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns how many completion calls the server has received.
func (m *MockAIServer) Requests() int64 { return m.requests.Load() }
