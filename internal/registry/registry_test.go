package registry

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/sfu-control/internal/apperr"
	"github.com/n0remac/sfu-control/internal/domain"
	"github.com/n0remac/sfu-control/internal/logging"
)

func newTestRegistry(t *testing.T, maxRooms, maxViewers int) (*Registry, *int32) {
	t.Helper()
	var routerSeq int32
	var closed int32
	reg := New(Options{
		MaxRooms:           maxRooms,
		MaxViewersPerRoom:  maxViewers,
		IdleTimeoutSeconds: 300,
		CreateRouter: func() (string, error) {
			n := atomic.AddInt32(&routerSeq, 1)
			return fmt.Sprintf("router-%d", n), nil
		},
		CloseRouter: func(string) { atomic.AddInt32(&closed, 1) },
		Log:         logging.Noop(),
	})
	t.Cleanup(reg.Close)
	return reg, &closed
}

func TestCreateRoomEnforcesCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t, 1, 10)

	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)
	require.NotEmpty(t, room.RouterID)
	assert.Equal(t, "p1", room.PostID)
	assert.Equal(t, "u1", room.HostUserID)

	_, err = reg.CreateRoom("p2", "u2")
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindCapacity, ae.Kind)
}

func TestRegisterPeerHostUniqueness(t *testing.T) {
	reg, _ := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	host, err := reg.RegisterPeer(room.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, host.Role)
	assert.Equal(t, "u1", host.UserID)
	assert.Equal(t, "alice", host.Username)

	_, err = reg.RegisterPeer(room.ID, "u2", "bob", domain.RoleHost)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindStateError, ae.Kind)
}

func TestRegisterPeerViewerCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t, 10, 1)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	_, err = reg.RegisterPeer(room.ID, "v1", "viewer1", domain.RoleViewer)
	require.NoError(t, err)

	_, err = reg.RegisterPeer(room.ID, "v2", "viewer2", domain.RoleViewer)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindCapacity, ae.Kind)
}

func TestUnregisterHostCascadesViewers(t *testing.T) {
	reg, closed := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	host, err := reg.RegisterPeer(room.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)
	viewer, err := reg.RegisterPeer(room.ID, "v1", "viewer1", domain.RoleViewer)
	require.NoError(t, err)

	reg.UnregisterPeer(host.ID)

	_, ok := reg.GetRoom(room.ID)
	assert.False(t, ok, "room should be gone once the host leaves")

	_, ok = reg.GetPeer(viewer.ID)
	assert.False(t, ok, "viewer should be cascaded out with the host")

	assert.Equal(t, int32(1), atomic.LoadInt32(closed))
}

func TestUnregisterPeerIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)
	viewer, err := reg.RegisterPeer(room.ID, "v1", "viewer1", domain.RoleViewer)
	require.NoError(t, err)

	reg.UnregisterPeer(viewer.ID)
	assert.NotPanics(t, func() { reg.UnregisterPeer(viewer.ID) })
}

func TestStopRoomIsIdempotent(t *testing.T) {
	reg, closed := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	reg.StopRoom(room.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(closed))

	reg.StopRoom(room.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(closed), "stopping twice should not double-close the router")
}

func TestRoomStatsReflectsViewerCount(t *testing.T) {
	reg, _ := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	_, err = reg.RegisterPeer(room.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)
	_, err = reg.RegisterPeer(room.ID, "v1", "viewer1", domain.RoleViewer)
	require.NoError(t, err)
	_, err = reg.RegisterPeer(room.ID, "v2", "viewer2", domain.RoleViewer)
	require.NoError(t, err)

	stats, err := reg.RoomStats(room.ID)
	require.NoError(t, err)
	assert.True(t, stats.IsActive)
	assert.Equal(t, 2, stats.ViewerCount)
	assert.Equal(t, "p1", stats.PostID)
	assert.Equal(t, "u1", stats.HostUserID)
}

func TestServerStatsAggregatesAcrossRooms(t *testing.T) {
	reg, _ := newTestRegistry(t, 10, 10)
	roomA, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)
	roomB, err := reg.CreateRoom("p2", "u2")
	require.NoError(t, err)

	_, err = reg.RegisterPeer(roomA.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)
	_, err = reg.RegisterPeer(roomB.ID, "u2", "bob", domain.RoleHost)
	require.NoError(t, err)
	_, err = reg.RegisterPeer(roomB.ID, "v1", "viewer1", domain.RoleViewer)
	require.NoError(t, err)

	stats := reg.ServerStats()
	assert.Equal(t, 2, stats.RoomCount)
	assert.Equal(t, 3, stats.TotalPeerCount)
	assert.Len(t, stats.Rooms, 2)
}

func TestReapIdleStopsRoomWithNoHost(t *testing.T) {
	reg, closed := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	stopped := reg.ReapIdle()
	assert.Contains(t, stopped, room.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(closed))
}

func TestReapIdleStopsEmptyStaleRoom(t *testing.T) {
	reg, closed := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	host, err := reg.RegisterPeer(room.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)
	reg.UnregisterPeer(host.ID)
	// UnregisterPeer on the host already tears the room down via cascade;
	// recreate the scenario for a host that leaves without ever being
	// tracked as "room had a host" by directly aging created_at instead,
	// covering a room that still has no host and is also old.
	room, err = reg.CreateRoom("p2", "u2")
	require.NoError(t, err)
	reg.st.rooms[room.ID].CreatedAt = reg.st.rooms[room.ID].CreatedAt.Add(-time.Hour)

	stopped := reg.ReapIdle()
	assert.Contains(t, stopped, room.ID)
	assert.GreaterOrEqual(t, atomic.LoadInt32(closed), int32(2))
}

func TestReapIdleNeverReapsActiveRoomRegardlessOfLastSeen(t *testing.T) {
	reg, closed := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	_, err = reg.RegisterPeer(room.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)
	_, err = reg.RegisterPeer(room.ID, "v1", "viewer1", domain.RoleViewer)
	require.NoError(t, err)

	// Age both timestamps well past the idle timeout: a room with a host
	// and a viewer must never be reaped purely because no new peer/producer
	// touched LastSeen recently.
	reg.st.rooms[room.ID].CreatedAt = reg.st.rooms[room.ID].CreatedAt.Add(-time.Hour)
	reg.st.rooms[room.ID].LastSeen = reg.st.rooms[room.ID].LastSeen.Add(-time.Hour)

	stopped := reg.ReapIdle()
	assert.Empty(t, stopped)
	assert.Equal(t, int32(0), atomic.LoadInt32(closed))

	_, ok := reg.GetRoom(room.ID)
	assert.True(t, ok, "room with an active host and viewer must survive reaping")
}

func TestReapIdleKeepsFreshEmptyRoom(t *testing.T) {
	reg, closed := newTestRegistry(t, 10, 10)
	room, err := reg.CreateRoom("p1", "u1")
	require.NoError(t, err)

	_, err = reg.RegisterPeer(room.ID, "u1", "alice", domain.RoleHost)
	require.NoError(t, err)

	stopped := reg.ReapIdle()
	assert.Empty(t, stopped)
	assert.Equal(t, int32(0), atomic.LoadInt32(closed))

	_, ok := reg.GetRoom(room.ID)
	assert.True(t, ok)
}
