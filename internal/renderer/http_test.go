package renderer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/pkg/errors"
)

func TestHTTPClientRenderStreamsWithProgress(t *testing.T) {
	content := []byte("artifact bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/render", r.URL.Path)
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	var last int
	c := NewHTTPClient(srv.URL)
	res, err := c.Render(context.Background(), json.RawMessage(`{"scene":"intro"}`), func(pct int) { last = pct })
	require.NoError(t, err)

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	assert.Equal(t, content, got)
	assert.Equal(t, "video/mp4", res.ContentType)
	assert.Equal(t, 100, last)
}

func TestHTTPClientRenderFailureIsCoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scene graph invalid", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Render(context.Background(), json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeRender))
	assert.Contains(t, err.Error(), "renderer http 500")
}

func TestHTTPClientUnreachableIsCoded(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1")
	_, err := c.Render(context.Background(), json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeRender))
}
