package signaling

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/n0remac/sfu-control/internal/config"
	"github.com/n0remac/sfu-control/internal/domain"
	"github.com/n0remac/sfu-control/internal/fanout"
	"github.com/n0remac/sfu-control/internal/mediaworker"
	"github.com/n0remac/sfu-control/internal/registry"
)

// producerRecord is the server-wide directory entry a viewer's consume
// request looks up by producer_id, since the producer's track lives
// inside the host's session while consume requests arrive on a different
// session entirely.
type producerRecord struct {
	roomID  string
	peerID  string
	kindStr string
	track   *mediaworker.ProducerTrack
}

// Server is the shared context every Session references: the registry,
// media worker pool, and fan-out tracker are singletons; Server adds the
// WebSocket upgrade handling and the producer directory on top, as an
// explicit struct rather than package-level state so multiple independent
// servers can exist in tests.
type Server struct {
	log            *zap.SugaredLogger
	reg            *registry.Registry
	pool           *mediaworker.Pool
	tracker        *fanout.Tracker
	iceServers     []config.ICEServer
	idleTimeout    time.Duration
	maxConnections int64
	environment    string

	upgrader websocket.Upgrader

	connCount atomic.Int64

	mu             sync.Mutex
	producers      map[string]*producerRecord
	sessionsByPeer map[string]*Session
}

// Options configures a new signaling Server, bound from config.Config and
// the collaborators booted earlier.
type Options struct {
	Log                *zap.SugaredLogger
	Registry           *registry.Registry
	Pool               *mediaworker.Pool
	ICEServers         []config.ICEServer
	IdleTimeoutSeconds int
	MaxConnections     int
	Environment        string
}

// NewServer wires a Server and its Notifier-implementing fan-out tracker.
func NewServer(opts Options) *Server {
	s := &Server{
		log:            opts.Log,
		reg:            opts.Registry,
		pool:           opts.Pool,
		iceServers:     opts.ICEServers,
		idleTimeout:    time.Duration(opts.IdleTimeoutSeconds) * time.Second,
		maxConnections: int64(opts.MaxConnections),
		environment:    opts.Environment,
		producers:      make(map[string]*producerRecord),
		sessionsByPeer: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.tracker = fanout.NewTracker(s)
	return s
}

// Notify implements fanout.Notifier by forwarding to the viewer's live
// session, if still connected.
func (s *Server) Notify(viewerPeerID, roomID, producerID, kind string) {
	s.mu.Lock()
	sess, ok := s.sessionsByPeer[viewerPeerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Notify(viewerPeerID, roomID, producerID, kind)
}

func (s *Server) registerProducer(roomID, peerID string, kind domain.TrackKind, track *mediaworker.ProducerTrack, _ *mediaworker.Transport) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.producers[id] = &producerRecord{roomID: roomID, peerID: peerID, kindStr: string(kind), track: track}
	s.mu.Unlock()
	return id
}

func (s *Server) lookupProducer(producerID string) (*producerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.producers[producerID]
	return rec, ok
}

func (s *Server) removeProducer(producerID string) {
	s.mu.Lock()
	delete(s.producers, producerID)
	s.mu.Unlock()
	s.tracker.RemoveProducer(producerID)
}

func (s *Server) newConsumerID() string { return uuid.NewString() }

func (s *Server) registerSession(peerID string, sess *Session) {
	s.mu.Lock()
	s.sessionsByPeer[peerID] = sess
	s.mu.Unlock()
}

func (s *Server) unregisterSession(peerID string) {
	s.mu.Lock()
	delete(s.sessionsByPeer, peerID)
	s.mu.Unlock()
	s.connCount.Add(-1)
}

// broadcastToRoom sends b to every session in roomID except excludePeerID,
// used for viewer_joined/viewer_left notifications.
func (s *Server) broadcastToRoom(roomID, excludePeerID string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peerID, sess := range s.sessionsByPeer {
		if peerID == excludePeerID || sess.room.ID != roomID {
			continue
		}
		sess.send(b)
	}
}

// HandleUpgrade is the net/http handler for one role's WebSocket endpoint.
// It registers the peer with the registry, upgrades the connection, and
// starts the session. Rejection before upgrade (capacity, unknown room)
// is reported as a plain HTTP status so the client sees a clean failure
// instead of an upgrade that immediately closes.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request, roomID string, role domain.Role, userID, username string) {
	if s.maxConnections > 0 && s.connCount.Load() >= s.maxConnections {
		http.Error(w, "server at connection capacity", http.StatusServiceUnavailable)
		return
	}

	room, ok := s.reg.GetRoom(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	router, ok := s.pool.RouterByID(room.RouterID)
	if !ok {
		http.Error(w, "room's router is unavailable", http.StatusServiceUnavailable)
		return
	}

	peer, err := s.reg.RegisterPeer(roomID, userID, username, role)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot join room: %v", err), http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.reg.UnregisterPeer(peer.ID)
		s.log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	s.connCount.Add(1)

	sess := newSession(s, conn, peer, room, router)
	s.registerSession(peer.ID, sess)

	s.log.Infow("peer connected", "room_id", roomID, "peer_id", peer.ID, "role", role)
	s.broadcastToRoom(roomID, peer.ID, encode("viewer_joined", viewerEventPayload{PeerID: peer.ID, Username: peer.Username}))
	sess.Start()
}
