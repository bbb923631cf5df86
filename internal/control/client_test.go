package control

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwraith/netwraith/internal/tunnel"
)

func TestNewClient_Target(t *testing.T) {
	c := NewClient("http://127.0.0.1:9090/")
	assert.Equal(t, "http://127.0.0.1:9090", c.BaseURL)

	c = NewClient("/run/netwraith/control.sock")
	assert.Equal(t, unixBaseURL, c.BaseURL)
	assert.NotNil(t, c.Client.Transport)
}

func TestClient_Send(t *testing.T) {
	var gotBody []byte
	var gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	body, err := NewClient(ts.URL).Send(context.Background(), GetStats())
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.JSONEq(t, `{"command":"get-stats"}`, string(gotBody))
	assert.Contains(t, gotUA, "netwraith/")
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "broken", http.StatusInternalServerError)
		}},
		{"not found", func(w http.ResponseWriter, _ *http.Request) {
			http.NotFound(w, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := NewClient(ts.URL).Send(context.Background(), GetStats())
			require.Error(t, err)
			assert.True(t, tunnel.IsKind(err, tunnel.KindIPC))
		})
	}
}

func TestClient_GetStatsNoData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetStats(context.Background())
	assert.True(t, tunnel.IsKind(err, tunnel.KindIPC))
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.Send(context.Background(), GetStats())
	require.Error(t, err)
	assert.True(t, tunnel.IsKind(err, tunnel.KindIPC))
}

func TestClient_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(ts.URL).Send(ctx, GetStats())
	assert.Error(t, err)
}
