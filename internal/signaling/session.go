package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/n0remac/sfu-control/internal/apperr"
	"github.com/n0remac/sfu-control/internal/domain"
	"github.com/n0remac/sfu-control/internal/mediaworker"
	"github.com/n0remac/sfu-control/internal/registry"
)

// SessionState labels a peer's progress through the signaling handshake.
// The machine is strictly forward except that any state may move to
// closed.
type SessionState int

const (
	StateOpened SessionState = iota
	StateRegistered
	StateCapabilitiesReady
	StateTransportsRequested
	StateTransportsConnected
	StateStreaming
	StateClosed
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// events pushed onto a session's single inbound queue; the run loop
// drains this sequentially so one peer's state never races with itself,
// whether the event originated from its own socket or from fan-out.
type clientFrameEvent struct{ msg *ClientMessage }
type newProducerEvent struct {
	producerID string
	kind       string
}
type disconnectEvent struct{}

// Session is one open WebSocket's state machine, driving its peer through
// capability exchange, transport setup, and produce/consume. Its own inbound
// queue carries both client-originated frames and external notifications,
// so every state transition for a peer runs on a single sequential task.
type Session struct {
	log    *zap.SugaredLogger
	srv    *Server
	conn   *websocket.Conn
	outbox chan []byte
	inbox  chan any
	stopCh chan struct{}

	peer   *registry.Peer
	room   *registry.Room
	router *mediaworker.Router

	sendTransport *mediaworker.Transport
	recvTransport *mediaworker.Transport

	// producerKinds tracks which kinds this host has already produced, to
	// reject a duplicate produce of the same kind.
	producerKinds map[domain.TrackKind]string // kind -> producerID

	// consumedProducers tracks which producer ids this viewer already
	// consumes, enforcing at-most-one-consumer-per-(viewer,producer).
	consumedProducers map[string]func()

	state SessionState
}

func newSession(srv *Server, conn *websocket.Conn, peer *registry.Peer, room *registry.Room, router *mediaworker.Router) *Session {
	return &Session{
		log:               srv.log.With("peer_id", peer.ID, "room_id", room.ID, "role", peer.Role),
		srv:               srv,
		conn:              conn,
		outbox:            make(chan []byte, 64),
		inbox:             make(chan any, 64),
		stopCh:            make(chan struct{}),
		peer:              peer,
		room:              room,
		router:            router,
		producerKinds:     make(map[domain.TrackKind]string),
		consumedProducers: make(map[string]func()),
		state:             StateOpened,
	}
}

// Notify has the fanout.Notifier shape: Server.Notify forwards the
// Tracker's call here whenever a producer this viewer hasn't seen becomes
// available. Pushed onto the
// inbox like any other event so it is handled in the same total order as
// the viewer's own messages.
func (s *Session) Notify(viewerPeerID, roomID, producerID, kind string) {
	select {
	case s.inbox <- newProducerEvent{producerID: producerID, kind: kind}:
	case <-s.stopCh:
	}
}

// Start launches the read/write pumps and the session's own run loop. It
// blocks until the session closes.
func (s *Session) Start() {
	go s.writePump()
	s.sendWelcome()
	go s.readPump()
	s.run()
}

func (s *Session) run() {
	for {
		select {
		case item := <-s.inbox:
			switch v := item.(type) {
			case clientFrameEvent:
				s.handle(v.msg)
			case newProducerEvent:
				s.handleNewProducer(v.producerID, v.kind)
			case disconnectEvent:
				s.teardown()
				return
			}
		case <-s.stopCh:
			s.teardown()
			return
		}
	}
}

func (s *Session) readPump() {
	defer func() {
		select {
		case s.inbox <- disconnectEvent{}:
		default:
		}
	}()

	s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseClientMessage(raw)
		if err != nil {
			s.send(errorFrame("VALIDATION", err.Error()))
			continue
		}
		select {
		case s.inbox <- clientFrameEvent{msg: msg}:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) send(b []byte) {
	select {
	case s.outbox <- b:
	default:
		s.log.Warnw("outbox full, dropping frame")
	}
}

func (s *Session) sendWelcome() {
	caps := s.srv.pool.RouterCodecs()
	capsJSON, _ := json.Marshal(caps)

	var servers []iceServerJSON
	for _, ic := range s.srv.iceServers {
		servers = append(servers, iceServerJSON{URLs: ic.URLs, Username: ic.Username, Credential: ic.Credential})
	}

	s.state = StateRegistered
	s.send(encode("welcome", welcomePayload{
		PeerID:          s.peer.ID,
		Role:            string(s.peer.Role),
		RTPCapabilities: capsJSON,
		ICEServers:      servers,
	}))
}

func (s *Session) handle(msg *ClientMessage) {
	switch msg.Kind {
	case ClientGetRouterRTPCapabilities:
		s.handleGetRouterRTPCapabilities()
	case ClientGetTransport:
		s.handleGetTransport(msg.GetTransport)
	case ClientConnectTransport:
		s.handleConnectTransport(msg.ConnectTransport)
	case ClientProduce:
		s.handleProduce(msg.Produce)
	case ClientConsume:
		s.handleConsume(msg.Consume)
	case ClientLeave:
		s.initiateClose(websocket.CloseNormalClosure, "left")
	}
}

func (s *Session) handleGetRouterRTPCapabilities() {
	if s.state < StateCapabilitiesReady {
		s.state = StateCapabilitiesReady
	}
	s.send(encode("router_rtp_capabilities", s.srv.pool.RouterCodecs()))
}

func (s *Session) requiredDirection() domain.Direction {
	if s.peer.Role == domain.RoleHost {
		return domain.DirectionSend
	}
	return domain.DirectionRecv
}

func (s *Session) handleGetTransport(data *GetTransportData) {
	if s.state < StateRegistered {
		s.send(errorFrame("STATE_ERROR", "not registered"))
		return
	}

	dir := domain.Direction(data.Direction)
	if !dir.Valid() {
		s.send(errorFrame("VALIDATION", "invalid direction"))
		return
	}

	if dir != s.requiredDirection() {
		s.send(errorFrame("ROLE_MISMATCH", "peer role cannot allocate this transport direction"))
		return
	}

	var existing *mediaworker.Transport
	if dir == domain.DirectionSend {
		existing = s.sendTransport
	} else {
		existing = s.recvTransport
	}

	if existing != nil {
		// Idempotent: repeated requests return the already-allocated
		// transport's parameters unchanged.
		s.replyTransport(existing)
		return
	}

	t, err := s.router.CreateWebRTCTransport(dir)
	if err != nil {
		s.log.Errorw("creating transport failed", "err", err)
		s.fatalClose(apperr.Wrap(apperr.KindMediaWorker, "creating transport", err))
		return
	}

	if dir == domain.DirectionSend {
		s.sendTransport = t
		s.peer.SendTransportID = t.ID()
	} else {
		s.recvTransport = t
		s.peer.RecvTransportID = t.ID()
	}

	s.state = StateTransportsRequested
	s.replyTransport(t)
}

func (s *Session) replyTransport(t *mediaworker.Transport) {
	sdp := ""
	if local := t.LocalSDP(); local != nil {
		sdp = local.SDP
	}
	s.send(encode("transport_created", transportPayload{
		TransportID: t.ID(),
		Direction:   string(t.Direction()),
		SDP:         sdp,
	}))
}

func (s *Session) handleConnectTransport(data *ConnectTransportData) {
	dir := domain.Direction(data.Direction)
	var t *mediaworker.Transport
	if dir == domain.DirectionSend {
		t = s.sendTransport
	} else if dir == domain.DirectionRecv {
		t = s.recvTransport
	}

	if t == nil {
		s.send(errorFrame("STATE_ERROR", "transport not allocated"))
		return
	}

	var remote webrtc.SessionDescription
	if err := json.Unmarshal(data.DTLSParameters, &remote); err != nil {
		s.send(errorFrame("VALIDATION", "malformed dtls/sdp parameters"))
		return
	}

	if _, err := t.Connect(remote); err != nil {
		s.log.Errorw("connect transport failed", "err", err)
		s.fatalClose(apperr.Wrap(apperr.KindMediaWorker, "connecting transport", err))
		return
	}

	if dir == s.requiredDirection() {
		s.state = StateTransportsConnected
		if s.peer.Role == domain.RoleViewer {
			s.srv.tracker.OnNewViewerReady(s.room.ID, s.peer.ID)
		}
	}

	s.send(encode("transport_connected", connectedPayload{Direction: data.Direction}))
}

func (s *Session) handleProduce(data *ProduceData) {
	if s.peer.Role != domain.RoleHost {
		s.send(errorFrame("ROLE_MISMATCH", "only the host may produce"))
		return
	}
	if s.sendTransport == nil || !s.sendTransport.Connected() {
		s.send(errorFrame("TRANSPORT_NOT_READY", "send transport not connected"))
		return
	}

	kind := domain.TrackKind(data.Kind)
	if !kind.Valid() {
		s.send(errorFrame("VALIDATION", "invalid kind"))
		return
	}
	if _, exists := s.producerKinds[kind]; exists {
		s.send(errorFrame("STATE_ERROR", "already producing this kind"))
		return
	}

	track, err := s.sendTransport.NextProducerTrack(kind, 5*time.Second)
	if err != nil {
		s.send(errorFrame("MEDIA_WORKER", "timed out waiting for media"))
		return
	}

	producerID := s.srv.registerProducer(s.room.ID, s.peer.ID, kind, track, s.sendTransport)
	s.producerKinds[kind] = producerID
	if err := s.srv.reg.AttachProducer(s.peer.ID, producerID, kind); err != nil {
		s.log.Warnw("attaching producer to registry failed", "err", err)
	}

	s.state = StateStreaming
	s.send(encode("produced", producedPayload{ProducerID: producerID}))

	s.srv.tracker.OnNewProducer(s.room.ID, producerID, string(kind))
}

func (s *Session) handleConsume(data *ConsumeData) {
	if s.peer.Role != domain.RoleViewer {
		s.send(errorFrame("ROLE_MISMATCH", "only a viewer may consume"))
		return
	}
	if s.recvTransport == nil || !s.recvTransport.Connected() {
		s.send(errorFrame("TRANSPORT_NOT_READY", "recv transport not connected"))
		return
	}
	if _, already := s.consumedProducers[data.ProducerID]; already {
		s.send(errorFrame("ALREADY_CONSUMING", "already consuming this producer"))
		return
	}

	rec, ok := s.srv.lookupProducer(data.ProducerID)
	if !ok {
		s.send(errorFrame("NOT_FOUND", "unknown producer"))
		return
	}

	var caps mediaworker.RtpCapabilities
	if len(data.RTPCapabilities) > 0 {
		_ = json.Unmarshal(data.RTPCapabilities, &caps)
	}
	if len(caps.Codecs) == 0 {
		caps = s.srv.pool.RouterCodecs()
	}

	if !s.router.CanConsume(rec.track, caps) {
		s.send(errorFrame("MEDIA_WORKER", "router cannot consume this producer under the given capabilities"))
		return
	}

	consumerID := s.srv.newConsumerID()
	_, cleanup, err := rec.track.AddConsumerTrack(s.recvTransport, consumerID)
	if err != nil {
		s.log.Errorw("adding consumer track failed", "err", err)
		s.fatalClose(apperr.Wrap(apperr.KindMediaWorker, "adding consumer", err))
		return
	}

	s.consumedProducers[data.ProducerID] = cleanup
	if err := s.srv.reg.AttachConsumer(s.peer.ID, consumerID, data.ProducerID); err != nil {
		s.log.Warnw("attaching consumer to registry failed", "err", err)
	}

	rec.track.RequestKeyframe()

	s.state = StateStreaming
	s.send(encode("consumed", consumedPayload{
		ConsumerID: consumerID,
		Kind:       rec.kindStr,
		ProducerID: data.ProducerID,
	}))
}

func (s *Session) handleNewProducer(producerID, kind string) {
	s.send(encode("new_producer", newProducerPayload{ProducerID: producerID, Kind: kind}))
}

// fatalClose tears the session down with a 1011 close per the media-worker
// error disposition; the registry unregisters the peer (cascading if it
// was the host).
func (s *Session) fatalClose(err *apperr.Error) {
	s.initiateClose(err.Kind.WSCloseCode(), err.Message)
}

func (s *Session) initiateClose(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	select {
	case s.inbox <- disconnectEvent{}:
	default:
	}
}

// teardown runs exactly once per session: it releases every consumer,
// every owned transport, then removes the peer from the registry in
// producers -> consumers -> transports -> registry order.
func (s *Session) teardown() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed

	for kind, producerID := range s.producerKinds {
		s.srv.removeProducer(producerID)
		delete(s.producerKinds, kind)
	}

	for producerID, cleanup := range s.consumedProducers {
		cleanup()
		delete(s.consumedProducers, producerID)
	}

	if s.sendTransport != nil {
		s.srv.pool.CloseTransport(s.sendTransport)
	}
	if s.recvTransport != nil {
		s.srv.pool.CloseTransport(s.recvTransport)
	}

	s.srv.tracker.RemoveViewer(s.room.ID, s.peer.ID)
	s.srv.unregisterSession(s.peer.ID)
	s.srv.reg.UnregisterPeer(s.peer.ID)
	s.srv.broadcastToRoom(s.room.ID, s.peer.ID, encode("viewer_left", viewerEventPayload{PeerID: s.peer.ID, Username: s.peer.Username}))

	close(s.stopCh)
	close(s.outbox)
	_ = s.conn.Close()
}
