package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskDecodesTypedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AskPath, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "where is GopherCon EU?", req.Message)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"navigation","message":"Opening it","path":"/events/gceu"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	res, err := c.Ask(context.Background(), Request{Message: "where is GopherCon EU?"})
	require.NoError(t, err)
	assert.Equal(t, Result{Type: TypeNavigation, Message: "Opening it", Path: "/events/gceu"}, res)
}

func TestAskDefaultsToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"plain"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "").Ask(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, TypeText, res.Type)
}

func TestAskRejectsUnknownType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"hologram","message":"?"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Ask(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, ErrUnknownResultType)
}

func TestAskErrorPayloads(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"nested", http.StatusForbidden, `{"error":{"code":"ACCESS_DENIED","message":"nope"}}`, "ACCESS_DENIED", "nope"},
		{"string", http.StatusBadRequest, `{"error":"bad input"}`, "", "bad input"},
		{"flat", http.StatusUnauthorized, `{"code":"AUTH_REQUIRED","message":"sign in"}`, "AUTH_REQUIRED", "sign in"},
		{"plain text", http.StatusBadGateway, "upstream down\n", "", "upstream down"},
		{"empty", http.StatusInternalServerError, "", "", "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "").Ask(context.Background(), Request{Message: "x"})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestStreamReassemblesDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, StreamPath, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"textChunk\":\"Gopher\"}\n\n")
		fmt.Fprint(w, "event: chunk\ndata: {\"textChunk\":\"Con \"}\n\n")
		fmt.Fprint(w, "data: 2026\r\n\r\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: ignored\n\n")
	}))
	defer srv.Close()

	var chunks []string
	full, err := New(srv.URL, "").Stream(context.Background(), Request{Message: "hi"}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "GopherCon 2026", full)
	assert.Equal(t, []string{"Gopher", "Con ", "2026"}, chunks)
}

func TestStreamWithoutDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: partial\n\n")
	}))
	defer srv.Close()

	full, err := New(srv.URL, "").Stream(context.Background(), Request{Message: "hi"}, nil)
	assert.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Equal(t, "partial", full)
}

func TestStreamErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"textChunk\":\"a\"}\n\n")
		fmt.Fprint(w, "data: {\"error\":\"model overloaded\",\"code\":\"BUSY\"}\n\n")
	}))
	defer srv.Close()

	full, err := New(srv.URL, "").Stream(context.Background(), Request{Message: "hi"}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "BUSY", apiErr.Code)
	assert.Equal(t, "a", full)
}
