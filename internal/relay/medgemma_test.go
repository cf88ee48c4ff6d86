package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s ChunkStream) string {
	t.Helper()
	defer s.Close()
	var out []byte
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return string(out)
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestMedGemmaTextStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, textStreamPath, r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"prompt": "¿fiebre?", "context": "user: hola"}, body)

		flusher := w.(http.Flusher)
		io.WriteString(w, "Toma ")
		flusher.Flush()
		io.WriteString(w, "agua.")
	}))
	defer server.Close()

	m := NewMedGemma(server.URL+"/", "secret", server.Client())
	stream, err := m.Stream(context.Background(), Request{Prompt: "¿fiebre?", Context: "user: hola"})
	require.NoError(t, err)
	assert.Equal(t, "Toma agua.", drain(t, stream))
}

func TestMedGemmaImageRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, imageStreamPath, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "data:image/png;base64,AA==", body["imageDataUri"])
		assert.Equal(t, "describe", body["prompt"])
		_, hasContext := body["context"]
		assert.False(t, hasContext)
		io.WriteString(w, "a rash")
	}))
	defer server.Close()

	m := NewMedGemma(server.URL, "secret", server.Client())
	stream, err := m.Stream(context.Background(), Request{Prompt: "describe", ImageDataURI: "data:image/png;base64,AA=="})
	require.NoError(t, err)
	assert.Equal(t, "a rash", drain(t, stream))
}

func TestMedGemmaMissingKeySkipsNetwork(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	m := NewMedGemma(server.URL, "", server.Client())
	_, err := m.Stream(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrAuthenticationMissing)
	_, err = m.Complete(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrAuthenticationMissing)
	assert.False(t, called)
}

func TestMedGemmaStatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"provider message", http.StatusUnauthorized, `{"error":"invalid api key"}`, "invalid api key"},
		{"plain body", http.StatusBadGateway, "bad gateway", "HTTP 502: Bad Gateway"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer server.Close()

			_, err := NewMedGemma(server.URL, "k", server.Client()).Stream(context.Background(), Request{Prompt: "hi"})
			require.ErrorIs(t, err, ErrUpstreamUnavailable)
			var upErr *UpstreamError
			require.ErrorAs(t, err, &upErr)
			assert.Equal(t, tc.status, upErr.Status)
			assert.Equal(t, tc.wantMsg, upErr.Error())
		})
	}
}

func TestMedGemmaConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewMedGemma(url, "k", nil).Stream(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestMedGemmaComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, textPath, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"response": "rest", "tokens_used": 12, "success": true})
	}))
	defer server.Close()

	out, err := NewMedGemma(server.URL, "k", server.Client()).Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, &Completion{Response: "rest", TokensUsed: 12, Success: true}, out)
}

func TestParseDataURI(t *testing.T) {
	blob, err := parseDataURI("data:image/jpeg;base64,/9j/")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", blob.MIMEType)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, blob.Data)

	_, err = parseDataURI("https://example.com/x.png")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = parseDataURI("data:image/png;base64,***")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
