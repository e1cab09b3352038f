package observe

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterHealthz(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterBoards(t *testing.T) {
	srv := httptest.NewServer(NewRouter(func() []BoardInfo {
		return []BoardInfo{{Name: "localhost:3101:b1", Version: 3, Paths: 2, Shared: true}}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/boards")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []BoardInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "localhost:3101:b1", got[0].Name)
	assert.Equal(t, 3, got[0].Version)
}

func TestRouterMetrics(t *testing.T) {
	IncResync()
	IncBoardUpdate("path", "accepted")

	rec := httptest.NewRecorder()
	NewRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "wb_board_resyncs_total"))
	assert.True(t, strings.Contains(body, `wb_board_updates_total{op="path",result="accepted"}`))
}
