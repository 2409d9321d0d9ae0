package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/sfu-control/internal/logging"
	"github.com/n0remac/sfu-control/internal/registry"
)

func roomStatsOf(rec *httptest.ResponseRecorder) registry.RoomStats {
	var stats registry.RoomStats
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	return stats
}

func newTestRouter(t *testing.T, maxRooms int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var seq int32
	reg := registry.New(registry.Options{
		MaxRooms:           maxRooms,
		MaxViewersPerRoom:  10,
		IdleTimeoutSeconds: 300,
		CreateRouter: func() (string, error) {
			return fmt.Sprintf("router-%d", atomic.AddInt32(&seq, 1)), nil
		},
		CloseRouter: func(string) {},
		Log:         logging.Noop(),
	})
	t.Cleanup(reg.Close)

	return NewRouter(Options{
		Log:           logging.Noop(),
		Registry:      reg,
		Host:          "example.com",
		WebsocketPort: 3001,
	})
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateRoomHappyPath(t *testing.T) {
	r := newTestRouter(t, 10)

	rec := doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p1", HostUserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createRoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RoomID)
	assert.Contains(t, resp.WebsocketURL, "/room/"+resp.RoomID+"/host")
	assert.Equal(t, "created", resp.Status)
}

func TestCreateRoomRejectsMissingFields(t *testing.T) {
	r := newTestRouter(t, 10)

	rec := doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRoomCapacityExhausted(t *testing.T) {
	r := newTestRouter(t, 1)

	rec := doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p1", HostUserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p2", HostUserID: "u2"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRoomStatsCarriesPostAndHostIdentity(t *testing.T) {
	r := newTestRouter(t, 10)

	rec := doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p1", HostUserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createRoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(r, http.MethodGet, "/room/"+created.RoomID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := roomStatsOf(rec)
	assert.Equal(t, "p1", stats.PostID)
	assert.Equal(t, "u1", stats.HostUserID)
	assert.False(t, stats.IsActive, "no host has joined over the websocket yet")
}

func TestServerStatsIncludesPerRoomBreakdown(t *testing.T) {
	r := newTestRouter(t, 10)

	rec := doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p1", HostUserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p2", HostUserID: "u2"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(r, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats registry.ServerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.RoomCount)
	assert.Len(t, stats.Rooms, 2)
}

func TestStopRoomThenStatsIsNotFound(t *testing.T) {
	r := newTestRouter(t, 10)

	rec := doJSON(r, http.MethodPost, "/room/create", createRoomRequest{PostID: "p1", HostUserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createRoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(r, http.MethodPost, "/room/"+created.RoomID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/room/"+created.RoomID+"/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopUnknownRoomIsNotFound(t *testing.T) {
	r := newTestRouter(t, 10)
	rec := doJSON(r, http.MethodPost, "/room/does-not-exist/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	r := newTestRouter(t, 10)

	rec := doJSON(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSHeaderPresent(t *testing.T) {
	r := newTestRouter(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://admin.test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
