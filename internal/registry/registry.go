// Package registry is the single source of truth for rooms and peers. All
// mutation flows through one goroutine's select loop: rather than guard a
// shared map with a mutex, state lives entirely inside one goroutine and
// every other caller talks to it over channels. That gets create/destroy
// ordering and capacity checks linearized for free.
package registry

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n0remac/sfu-control/internal/apperr"
	"github.com/n0remac/sfu-control/internal/domain"
)

// Peer is one signaling-layer connection attached to a room.
type Peer struct {
	ID       string
	RoomID   string
	UserID   string
	Username string
	Role     domain.Role
	JoinedAt time.Time

	SendTransportID string
	RecvTransportID string

	ProducerIDs map[string]domain.TrackKind // producerID -> kind
	ConsumerIDs map[string]string           // consumerID -> producerID
}

func newPeer(roomID, userID, username string, role domain.Role) *Peer {
	return &Peer{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      userID,
		Username:    username,
		Role:        role,
		JoinedAt:    time.Now(),
		ProducerIDs: make(map[string]domain.TrackKind),
		ConsumerIDs: make(map[string]string),
	}
}

// Room groups one host and its viewers around a single router.
type Room struct {
	ID          string
	RouterID    string
	PostID      string
	HostUserID  string
	HostID      string
	CreatedAt   time.Time
	LastSeen    time.Time

	BytesSent     uint64
	BytesReceived uint64

	Peers map[string]*Peer // peerID -> peer
}

func newRoom(routerID, postID, hostUserID string) *Room {
	now := time.Now()
	return &Room{
		ID:         uuid.NewString(),
		RouterID:   routerID,
		PostID:     postID,
		HostUserID: hostUserID,
		CreatedAt:  now,
		LastSeen:   now,
		Peers:      make(map[string]*Peer),
	}
}

// ViewerCount recomputes live rather than maintaining a separate counter,
// so it can never drift from the peer map it's derived from.
func (r *Room) ViewerCount() int {
	n := 0
	for _, p := range r.Peers {
		if p.Role == domain.RoleViewer {
			n++
		}
	}
	return n
}

// RoomStats is the read model returned by Registry.RoomStats / exposed via the
// control plane's per-room stats endpoint.
type RoomStats struct {
	RoomID        string    `json:"room_id"`
	PostID        string    `json:"post_id"`
	HostUserID    string    `json:"host_user_id"`
	IsActive      bool      `json:"is_active"`
	ViewerCount   int       `json:"viewer_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
}

// ServerStats is the read model for the aggregate /stats endpoint: totals
// plus a per-room breakdown.
type ServerStats struct {
	RoomCount      int         `json:"room_count"`
	TotalPeerCount int         `json:"total_peer_count"`
	SampledAt      time.Time   `json:"sampled_at"`
	Rooms          []RoomStats `json:"rooms"`
}

// RouterFactory is supplied by the media worker pool (create_router);
// kept as a function value so the registry never imports mediaworker and
// a test can fake it.
type RouterFactory func() (routerID string, err error)

// RouterCloser is supplied by the media worker pool (close router).
type RouterCloser func(routerID string)

// request/reply plumbing for the actor loop.
type command struct {
	run  func(*state)
	done chan struct{}
}

type state struct {
	rooms          map[string]*Room
	peerRoom       map[string]string // peerID -> roomID, for O(1) lookup
	maxRooms       int
	maxViewers     int
	idleTimeout    time.Duration
	createRouter   RouterFactory
	closeRouter    RouterCloser
	log            *zap.SugaredLogger
}

// Registry is the actor handle. All exported methods send a closure onto
// cmdCh and block for it to run inside the single owning goroutine.
type Registry struct {
	cmdCh chan command
	st    *state
}

// Options configures capacity limits and collaborators, bound from
// config.Config.
type Options struct {
	MaxRooms           int
	MaxViewersPerRoom  int
	IdleTimeoutSeconds int
	CreateRouter       RouterFactory
	CloseRouter        RouterCloser
	Log                *zap.SugaredLogger
}

// New starts the actor goroutine and returns a handle; Close stops it.
func New(opts Options) *Registry {
	r := &Registry{
		cmdCh: make(chan command),
		st: &state{
			rooms:        make(map[string]*Room),
			peerRoom:     make(map[string]string),
			maxRooms:     opts.MaxRooms,
			maxViewers:   opts.MaxViewersPerRoom,
			idleTimeout:  time.Duration(opts.IdleTimeoutSeconds) * time.Second,
			createRouter: opts.CreateRouter,
			closeRouter:  opts.CloseRouter,
			log:          opts.Log,
		},
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for cmd := range r.cmdCh {
		cmd.run(r.st)
		close(cmd.done)
	}
}

// Close stops the actor loop. Safe to call once.
func (r *Registry) Close() { close(r.cmdCh) }

func (r *Registry) exec(fn func(*state)) {
	done := make(chan struct{})
	r.cmdCh <- command{run: fn, done: done}
	<-done
}

// CreateRoom allocates a router via the injected factory and registers a
// new room tagged with the caller-supplied post/host identity, enforcing
// the max_rooms ceiling.
func (r *Registry) CreateRoom(postID, hostUserID string) (*Room, error) {
	var room *Room
	var retErr error

	r.exec(func(s *state) {
		if len(s.rooms) >= s.maxRooms {
			retErr = apperr.New(apperr.KindCapacity, "room capacity reached")
			return
		}

		routerID, err := s.createRouter()
		if err != nil {
			retErr = apperr.Wrap(apperr.KindMediaWorker, "creating router", err)
			return
		}

		room = newRoom(routerID, postID, hostUserID)
		s.rooms[room.ID] = room
	})

	if retErr != nil {
		return nil, retErr
	}
	return room, nil
}

// StopRoom tears every peer out of the room, closes its router, and
// removes it. Idempotent: stopping an already-gone room is a no-op, not an
// error.
func (r *Registry) StopRoom(roomID string) {
	r.exec(func(s *state) {
		room, ok := s.rooms[roomID]
		if !ok {
			return
		}
		for peerID := range room.Peers {
			delete(s.peerRoom, peerID)
		}
		delete(s.rooms, roomID)
		s.closeRouter(room.RouterID)
	})
}

// RegisterPeer attaches a new peer of the given role, user id and username
// to roomID. The host role is limited to exactly one live peer per room;
// viewers are capped at max_viewers_per_room.
func (r *Registry) RegisterPeer(roomID, userID, username string, role domain.Role) (*Peer, error) {
	var peer *Peer
	var retErr error

	r.exec(func(s *state) {
		room, ok := s.rooms[roomID]
		if !ok {
			retErr = apperr.New(apperr.KindNotFound, "room not found")
			return
		}

		if role == domain.RoleHost && room.HostID != "" {
			retErr = apperr.New(apperr.KindStateError, "room already has a host")
			return
		}
		if role == domain.RoleViewer && room.ViewerCount() >= s.maxViewers {
			retErr = apperr.New(apperr.KindCapacity, "viewer capacity reached")
			return
		}

		peer = newPeer(roomID, userID, username, role)
		room.Peers[peer.ID] = peer
		s.peerRoom[peer.ID] = roomID
		if role == domain.RoleHost {
			room.HostID = peer.ID
		}
		room.LastSeen = time.Now()
	})

	if retErr != nil {
		return nil, retErr
	}
	return peer, nil
}

// UnregisterPeer removes a peer from its room. If the departing peer was
// the host, every viewer is cascaded out and the room's router is closed
// too, since a room with no possible publisher has nothing left to relay.
// Idempotent.
func (r *Registry) UnregisterPeer(peerID string) {
	r.exec(func(s *state) {
		roomID, ok := s.peerRoom[peerID]
		if !ok {
			return
		}
		room, ok := s.rooms[roomID]
		if !ok {
			delete(s.peerRoom, peerID)
			return
		}

		peer, ok := room.Peers[peerID]
		if !ok {
			delete(s.peerRoom, peerID)
			return
		}

		delete(room.Peers, peerID)
		delete(s.peerRoom, peerID)
		room.LastSeen = time.Now()

		if peer.Role == domain.RoleHost {
			for otherID := range room.Peers {
				delete(s.peerRoom, otherID)
			}
			delete(s.rooms, roomID)
			s.closeRouter(room.RouterID)
		}
	})
}

// GetRoom returns a snapshot copy's identifying fields; callers needing
// live peer membership should use RoomStats or GetPeer.
func (r *Registry) GetRoom(roomID string) (*Room, bool) {
	var room *Room
	var ok bool
	r.exec(func(s *state) {
		live, exists := s.rooms[roomID]
		if !exists {
			return
		}
		cp := *live
		cp.Peers = nil
		room, ok = &cp, true
	})
	return room, ok
}

// GetPeer looks up a peer by ID regardless of room.
func (r *Registry) GetPeer(peerID string) (*Peer, bool) {
	var peer *Peer
	var ok bool
	r.exec(func(s *state) {
		roomID, exists := s.peerRoom[peerID]
		if !exists {
			return
		}
		room, exists := s.rooms[roomID]
		if !exists {
			return
		}
		peer, ok = room.Peers[peerID]
	})
	return peer, ok
}

// AttachProducer records a new producer under peerID, used by the
// signaling layer once the media worker pool confirms a produce call.
func (r *Registry) AttachProducer(peerID, producerID string, kind domain.TrackKind) error {
	var retErr error
	r.exec(func(s *state) {
		peer := s.lookupPeer(peerID)
		if peer == nil {
			retErr = apperr.New(apperr.KindNotFound, "peer not found")
			return
		}
		peer.ProducerIDs[producerID] = kind
		if room, ok := s.rooms[s.peerRoom[peerID]]; ok {
			room.LastSeen = time.Now()
		}
	})
	return retErr
}

// AttachConsumer records a new consumer under peerID, pointing at the
// producer it forwards.
func (r *Registry) AttachConsumer(peerID, consumerID, producerID string) error {
	var retErr error
	r.exec(func(s *state) {
		peer := s.lookupPeer(peerID)
		if peer == nil {
			retErr = apperr.New(apperr.KindNotFound, "peer not found")
			return
		}
		peer.ConsumerIDs[consumerID] = producerID
		if room, ok := s.rooms[s.peerRoom[peerID]]; ok {
			room.LastSeen = time.Now()
		}
	})
	return retErr
}

func (s *state) lookupPeer(peerID string) *Peer {
	roomID, ok := s.peerRoom[peerID]
	if !ok {
		return nil
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return room.Peers[peerID]
}

func roomStatsLocked(room *Room) RoomStats {
	return RoomStats{
		RoomID:        room.ID,
		PostID:        room.PostID,
		HostUserID:    room.HostUserID,
		IsActive:      room.HostID != "",
		ViewerCount:   room.ViewerCount(),
		CreatedAt:     room.CreatedAt,
		LastSeen:      room.LastSeen,
		BytesSent:     room.BytesSent,
		BytesReceived: room.BytesReceived,
	}
}

// RoomStats returns the read model for one room.
func (r *Registry) RoomStats(roomID string) (RoomStats, error) {
	var out RoomStats
	var retErr error
	r.exec(func(s *state) {
		room, ok := s.rooms[roomID]
		if !ok {
			retErr = apperr.New(apperr.KindNotFound, "room not found")
			return
		}
		out = roomStatsLocked(room)
	})
	if retErr != nil {
		return RoomStats{}, retErr
	}
	return out, nil
}

// ServerStats returns the aggregate read model for /stats (totals plus a
// per-room array), serialized against concurrent room creation/destruction
// by running inside the same actor loop.
func (r *Registry) ServerStats() ServerStats {
	var out ServerStats
	r.exec(func(s *state) {
		totalPeers := 0
		rooms := make([]RoomStats, 0, len(s.rooms))
		for _, room := range s.rooms {
			totalPeers += len(room.Peers)
			rooms = append(rooms, roomStatsLocked(room))
		}
		out = ServerStats{
			RoomCount:      len(s.rooms),
			TotalPeerCount: totalPeers,
			SampledAt:      time.Now(),
			Rooms:          rooms,
		}
	})
	return out
}

// ReapIdle removes any room with no host peer, or any room with
// viewer_count = 0 whose created_at predates the configured idle timeout.
// LastSeen plays no part: a room with a host and at least one viewer is
// never reaped, while a room with a host but no viewers is reaped once its
// created_at is older than the timeout. Returns the IDs it stopped, for
// logging by the caller.
func (r *Registry) ReapIdle() []string {
	var stopped []string
	r.exec(func(s *state) {
		cutoff := time.Now().Add(-s.idleTimeout)
		for id, room := range s.rooms {
			noHost := room.HostID == ""
			emptyAndStale := room.ViewerCount() == 0 && room.CreatedAt.Before(cutoff)
			if !noHost && !emptyAndStale {
				continue
			}
			for peerID := range room.Peers {
				delete(s.peerRoom, peerID)
			}
			delete(s.rooms, id)
			s.closeRouter(room.RouterID)
			stopped = append(stopped, id)
		}
	})
	if len(stopped) > 0 && r.st.log != nil {
		r.st.log.Infow("reaped idle rooms", "count", len(stopped), "room_ids", stopped)
	}
	return stopped
}
