package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenSourceWithoutRefresh(t *testing.T) {
	src := NewStaticTokenSource("abc", nil)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	// Without a refresh function the token is simply re-served
	tok, err = src.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestHTTPRefreshExchangesToken(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"token":"fresh-token"}`))
	}))
	defer srv.Close()

	src := NewStaticTokenSource("stale", HTTPRefresh(srv.URL, "stale"))

	tok, err := src.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.Equal(t, "application/json", gotContentType)

	// The refreshed token becomes the current one
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
}

func TestHTTPRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "identity layer down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewStaticTokenSource("stale", HTTPRefresh(srv.URL, "stale"))

	_, err := src.Refresh(context.Background())
	require.Error(t, err)

	// A failed refresh leaves the previous token in place
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stale", tok)
}
