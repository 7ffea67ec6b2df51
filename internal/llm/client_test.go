package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCompleteDecodesResponse(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateChunk{Response: "C8H11NO2", Done: true})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, zap.NewNop())
	out, err := c.Complete(context.Background(), Request{
		Model:  "llama3.1",
		Prompt: "formula of dopamine",
		Format: "json",
	})
	require.NoError(t, err)
	assert.Equal(t, "C8H11NO2", out)

	assert.Equal(t, "llama3.1", got.Model)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.Contains(t, got.Options, "temperature")
	assert.Contains(t, got.Options, "num_ctx")
}

func TestCompleteSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Complete(context.Background(), Request{Model: "nope", Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		for _, part := range []string{"Dopamine ", "is a ", "neurotransmitter."} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	chunks, errc := c.Stream(context.Background(), Request{Model: "llama3.1", Prompt: "x"})

	var text string
	for chunk := range chunks {
		text += chunk
	}
	require.NoError(t, <-errc)
	assert.Equal(t, "Dopamine is a neurotransmitter.", text)
}

func TestStreamReportsMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"ok","done":false}`)
		fmt.Fprintln(w, `not json`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	chunks, errc := c.Stream(context.Background(), Request{Model: "llama3.1", Prompt: "x"})

	for range chunks {
	}
	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode stream chunk")
}

func TestStreamHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		// More chunks than the channel buffer holds, so the sender
		// blocks until the consumer cancels.
		for i := 0; i < 100; i++ {
			fmt.Fprintln(w, `{"response":"x","done":false}`)
			fl.Flush()
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	chunks, errc := c.Stream(ctx, Request{Model: "llama3.1", Prompt: "x"})

	<-chunks
	cancel()
	// Either the sender sees the cancelled context directly, or the
	// in-flight body read fails with it.
	assert.Error(t, <-errc)
}
