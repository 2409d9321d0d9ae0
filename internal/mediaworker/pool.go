// Package mediaworker is the media engine collaborator: it embeds
// github.com/pion/webrtc/v4 directly in-process, one worker goroutine group
// per configured worker slot. Callers outside this package never see pion
// types: Router, Transport, Producer and Consumer are opaque handles
// exposing a create router / create transport / connect / produce /
// consume / canConsume / close contract.
package mediaworker

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/n0remac/sfu-control/internal/domain"
)

// Settings configure every router/transport the pool creates, bound from
// config.Config's video/audio/announced_ip fields. Transports use
// AnnouncedIP and ICEServers; the bitrate fields are carried but not read.
type Settings struct {
	AnnouncedIP       string
	ICEServers        []webrtc.ICEServer
	VideoMaxBitrate   int // kbps
	VideoMinBitrate   int // kbps
	VideoTargetBitrate int // kbps
	AudioBitrate      int // kbps
}

// FatalError is delivered on Pool.Fatal() when a worker dies. Worker death
// is unrecoverable: the supervisor is expected to log this and terminate
// the process after a short grace delay.
type FatalError struct {
	WorkerIndex int
	Cause       error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("media worker %d died: %v", f.WorkerIndex, f.Cause)
}

// worker is one opaque engine slot capable of hosting multiple routers. It
// holds an API built at boot, which nothing reads afterwards: each
// transport builds its own fresh API through newWorkerAPI, because pion's
// MediaEngine is mutated during SDP negotiation, so sharing one API across
// concurrently-negotiating PeerConnections is unsafe.
type worker struct {
	index int
	api   *webrtc.API
	dead  atomic.Bool
}

// Pool owns a fixed set of workers, sized at max(1, cpu_count-1) at boot,
// and round-robins router creation across them.
type Pool struct {
	log      *zap.SugaredLogger
	settings Settings
	workers  []*worker
	next     atomic.Uint64
	fatalCh  chan *FatalError

	mu      sync.Mutex
	routers map[string]*Router
}

// NewPool builds a pool sized at max(1, cpus-1) unless size is explicitly
// positive.
func NewPool(log *zap.SugaredLogger, settings Settings, size int) (*Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU() - 1
		if size < 1 {
			size = 1
		}
	}

	p := &Pool{
		log:      log,
		settings: settings,
		fatalCh:  make(chan *FatalError, size),
		routers:  make(map[string]*Router),
	}

	for i := 0; i < size; i++ {
		api, err := newWorkerAPI(webrtc.SettingEngine{})
		if err != nil {
			return nil, fmt.Errorf("building media worker %d: %w", i, err)
		}
		p.workers = append(p.workers, &worker{index: i, api: api})
	}

	return p, nil
}

// Fatal returns the channel the supervisor selects on for unrecoverable
// worker death.
func (p *Pool) Fatal() <-chan *FatalError { return p.fatalCh }

func (p *Pool) reportFatal(w *worker, cause error) {
	if !w.dead.CompareAndSwap(false, true) {
		return // already reported
	}
	select {
	case p.fatalCh <- &FatalError{WorkerIndex: w.index, Cause: cause}:
	default:
	}
}

// runSupervised runs fn on its own goroutine with panic recovery: an
// unrecovered panic inside a worker's track-handling code is this
// in-process embedding's analogue of a worker process crashing, so it is
// captured and delivered on Fatal() instead of taking the whole server
// down uncontrolled. A single transport's ICE failure is not treated as
// worker death here — many independent transports share a worker, and one
// peer's network trouble says nothing about the others.
func (p *Pool) runSupervised(w *worker, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.reportFatal(w, fmt.Errorf("panic in media worker goroutine: %v", rec))
			}
		}()
		fn()
	}()
}

func (p *Pool) nextWorker() (*worker, error) {
	n := len(p.workers)
	for i := 0; i < n; i++ {
		idx := int(p.next.Add(1)-1) % n
		w := p.workers[idx]
		if !w.dead.Load() {
			return w, nil
		}
	}
	return nil, fmt.Errorf("all media workers are dead")
}

// newWorkerAPI builds a pion API with the fixed codec set: Opus/48000/2
// audio; VP8/90000, VP9/90000 profile-id=2,
// H264/90000 profile-level-id=42e01f packetization-mode=1 video, plus the
// default interceptor registry (NACK generation/response, RTCP reports,
// TWCC). Each call builds a fresh MediaEngine and Registry, so every
// transport gets its own API built from the given SettingEngine.
func newWorkerAPI(settingEngine webrtc.SettingEngine) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	audioCodecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
				RTCPFeedback: []webrtc.RTCPFeedback{{Type: "transport-cc"}},
			},
			PayloadType: 111,
		},
	}
	videoCodecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
				RTCPFeedback: defaultVideoFeedback(),
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=2",
				RTCPFeedback: defaultVideoFeedback(),
			},
			PayloadType: 98,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: defaultVideoFeedback(),
			},
			PayloadType: 102,
		},
	}

	for _, c := range audioCodecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}
	for _, c := range videoCodecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(settingEngine)), nil
}

func defaultVideoFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"}, {Type: "transport-cc"},
	}
}

// RtpCapabilities is the minimal shape the signaling layer forwards between
// router and viewer: the set of codec mime types a peer is willing to
// handle. This stands in for mediasoup's much larger RtpCapabilities
// object; this system only ever forwards a single layer (no simulcast/SVC
// layer selection), so the codec list is all that's needed to drive
// RouterCanConsume.
type RtpCapabilities struct {
	Codecs []string `json:"codecs"`
}

// RouterCodecs returns the codec mime types a router supports, for
// inclusion in the welcome frame's RTP capabilities.
func (p *Pool) RouterCodecs() RtpCapabilities {
	return RtpCapabilities{Codecs: []string{
		webrtc.MimeTypeOpus, webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeH264,
	}}
}

// CreateRouter allocates a router on the next live worker in round-robin
// order. Fails only if every worker is dead.
func (p *Pool) CreateRouter() (*Router, error) {
	w, err := p.nextWorker()
	if err != nil {
		return nil, err
	}

	r := &Router{
		id:     uuid.NewString(),
		pool:   p,
		worker: w,
	}

	p.mu.Lock()
	p.routers[r.id] = r
	p.mu.Unlock()

	return r, nil
}

// CloseRouter is idempotent and infallible.
func (p *Pool) CloseRouter(r *Router) {
	if r == nil {
		return
	}
	p.mu.Lock()
	delete(p.routers, r.id)
	p.mu.Unlock()
}

// RouterByID looks up a previously created router, for the registry's
// RouterFactory/RouterCloser wiring which only carries ids.
func (p *Pool) RouterByID(id string) (*Router, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routers[id]
	return r, ok
}

// CreateRouterID is the RouterFactory shape the room registry consumes: it
// creates a router and hands back only its opaque id, so the registry
// never needs to import this package's concrete types.
func (p *Pool) CreateRouterID() (string, error) {
	r, err := p.CreateRouter()
	if err != nil {
		return "", err
	}
	return r.ID(), nil
}

// CloseRouterByID is the RouterCloser shape the room registry consumes.
func (p *Pool) CloseRouterByID(id string) {
	r, ok := p.RouterByID(id)
	if !ok {
		return
	}
	p.CloseRouter(r)
}

// Router owns codec capabilities and hosts transports, per the GLOSSARY.
type Router struct {
	id     string
	pool   *Pool
	worker *worker
}

func (r *Router) ID() string { return r.id }

// CanConsume reports whether a producer's negotiated codec is present in
// the viewer's announced capabilities. This system forwards a single
// layer per producer, so capability matching reduces to mime-type
// membership rather than mediasoup's fuller codec/header-extension
// intersection.
func (r *Router) CanConsume(producer *ProducerTrack, caps RtpCapabilities) bool {
	want := producer.MimeType()
	for _, c := range caps.Codecs {
		if c == want {
			return true
		}
	}
	return false
}

// CreateWebRTCTransport creates a transport whose PeerConnection gathers
// host candidates on every local interface and, when an announced IP is
// configured, advertises it as a server-reflexive candidate. It uses pion's
// default network types (UDP; no ICE-TCP candidates are gathered) and sets
// no incoming or outgoing bitrate limit: the bitrate Settings are not read.
func (r *Router) CreateWebRTCTransport(dir domain.Direction) (*Transport, error) {
	if r.worker.dead.Load() {
		return nil, fmt.Errorf("router's worker is dead")
	}

	settingEngine := webrtc.SettingEngine{}
	if r.pool.settings.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{r.pool.settings.AnnouncedIP}, webrtc.ICECandidateTypeSrflx)
	}
	settingEngine.SetICEMulticastDNSMode(0)

	api, err := newWorkerAPI(settingEngine)
	if err != nil {
		return nil, fmt.Errorf("building transport api: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: r.pool.settings.ICEServers,
	})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:        uuid.NewString(),
		direction: dir,
		router:    r,
		pc:        pc,
		incoming:  make(chan *ProducerTrack, 8),
	}

	if dir == domain.DirectionSend {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, err
		}
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, err
		}

		pc.OnTrack(func(remote *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			pt := newProducerTrack(remote, recv, pc, r.pool, r.worker)
			select {
			case t.incoming <- pt:
			default:
			}
			r.pool.runSupervised(r.worker, pt.readLoop)
		})
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateFailed {
			r.pool.log.Warnw("ice connection failed", "transport", t.id, "direction", dir)
		}
	})

	return t, nil
}

// CloseTransport is idempotent and infallible.
func (p *Pool) CloseTransport(t *Transport) {
	if t == nil || t.closed.Swap(true) {
		return
	}
	_ = t.pc.Close()
}

// Transport is one WebRTC-side bundle toward a single peer.
type Transport struct {
	id        string
	direction domain.Direction
	router    *Router
	pc        *webrtc.PeerConnection
	closed    atomic.Bool

	mu        sync.Mutex
	connected bool

	incoming chan *ProducerTrack
}

func (t *Transport) ID() string               { return t.id }
func (t *Transport) Direction() domain.Direction { return t.direction }

// LocalSDP is available once the server has generated ICE+DTLS parameters
// for this transport; in this pion-backed embedding those parameters are
// carried inside an SDP answer, generated by Connect.
func (t *Transport) LocalSDP() *webrtc.SessionDescription { return t.pc.LocalDescription() }

// Connect calls the pion equivalent of mediasoup's transport.connect: it
// consumes the client's remote description (offer) and produces the local
// answer carrying this transport's ICE candidates and DTLS fingerprint.
// A transport must be connected before produce/consume succeeds on it;
// Connected() reports that state.
func (t *Transport) Connect(remote webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-time.After(3 * time.Second):
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	return t.pc.LocalDescription(), nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// NextProducerTrack blocks (bounded by timeout) for the next inbound track
// matching kind, correlating the pion OnTrack callback with an explicit
// "produce" message instead of an implicit fan-out.
func (t *Transport) NextProducerTrack(kind domain.TrackKind, timeout time.Duration) (*ProducerTrack, error) {
	deadline := time.After(timeout)
	for {
		select {
		case pt := <-t.incoming:
			if string(pt.Kind()) == string(kind) {
				return pt, nil
			}
			// Wrong kind arrived first (e.g. client produced video before
			// audio); park it back for the next caller.
			go func() {
				select {
				case t.incoming <- pt:
				default:
				}
			}()
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for %s track", kind)
		}
	}
}

// ProducerTrack wraps the pion remote track a host produced, together with
// a pub/sub hub other goroutines (consumers) subscribe to, so an arbitrary
// number of late-joining viewers can attach to the same inbound track.
type ProducerTrack struct {
	remote *webrtc.TrackRemote
	recv   *webrtc.RTPReceiver
	sendPC *webrtc.PeerConnection
	pool   *Pool
	worker *worker

	droppedSeqGaps atomic.Uint64

	mu   sync.Mutex
	subs map[string]chan *RTPPacket
}

// DroppedPackets estimates packets lost in transit to this producer, from
// gaps in the incoming RTP sequence number.
func (pt *ProducerTrack) DroppedPackets() uint64 { return pt.droppedSeqGaps.Load() }

// RTPPacket is the payload forwarded from a producer to its consumers: a
// decoded RTP packet, so each consumer's TrackLocalStaticRTP can rewrite
// SSRC/payload type for its own connection via WriteRTP rather than
// round-tripping through Marshal/Unmarshal a second time.
type RTPPacket struct {
	Packet *rtp.Packet
}

func newProducerTrack(remote *webrtc.TrackRemote, recv *webrtc.RTPReceiver, sendPC *webrtc.PeerConnection, pool *Pool, w *worker) *ProducerTrack {
	return &ProducerTrack{remote: remote, recv: recv, sendPC: sendPC, pool: pool, worker: w, subs: make(map[string]chan *RTPPacket)}
}

func (pt *ProducerTrack) Kind() domain.TrackKind {
	if pt.remote.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func (pt *ProducerTrack) MimeType() string { return pt.remote.Codec().MimeType }

func (pt *ProducerTrack) readLoop() {
	var lastSeq uint16
	haveLast := false

	for {
		pkt, _, err := pt.remote.ReadRTP()
		if err != nil {
			pt.mu.Lock()
			for _, ch := range pt.subs {
				close(ch)
			}
			pt.subs = map[string]chan *RTPPacket{}
			pt.mu.Unlock()
			return
		}

		if haveLast && pkt.SequenceNumber != lastSeq+1 {
			pt.droppedSeqGaps.Add(uint64(pkt.SequenceNumber - lastSeq - 1))
		}
		lastSeq = pkt.SequenceNumber
		haveLast = true

		pt.mu.Lock()
		for _, ch := range pt.subs {
			select {
			case ch <- &RTPPacket{Packet: pkt}:
			default:
			}
		}
		pt.mu.Unlock()
	}
}

// Subscribe registers consumerID for this producer's packet stream. The
// returned channel is closed when the producer track ends.
func (pt *ProducerTrack) Subscribe(consumerID string) <-chan *RTPPacket {
	ch := make(chan *RTPPacket, 256)
	pt.mu.Lock()
	pt.subs[consumerID] = ch
	pt.mu.Unlock()
	return ch
}

func (pt *ProducerTrack) Unsubscribe(consumerID string) {
	pt.mu.Lock()
	if ch, ok := pt.subs[consumerID]; ok {
		delete(pt.subs, consumerID)
		close(ch)
	}
	pt.mu.Unlock()
}

// RequestKeyframe sends a PLI back toward the publisher, so a newly-attached
// consumer doesn't wait a full GOP for its first frame.
func (pt *ProducerTrack) RequestKeyframe() {
	ssrc := uint32(pt.remote.SSRC())
	_ = pt.sendPC.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

// AddConsumerTrack creates a local track mirroring this producer, adds it
// to recvTransport's peer connection, and starts forwarding packets until
// stop is closed or the producer ends.
func (pt *ProducerTrack) AddConsumerTrack(recvTransport *Transport, consumerID string) (*webrtc.RTPSender, func(), error) {
	local, err := webrtc.NewTrackLocalStaticRTP(pt.remote.Codec().RTPCodecCapability, "consumer-"+consumerID, "sfu")
	if err != nil {
		return nil, nil, err
	}

	sender, err := recvTransport.pc.AddTrack(local)
	if err != nil {
		return nil, nil, err
	}

	ch := pt.Subscribe(consumerID)
	stop := make(chan struct{})

	pt.pool.runSupervised(pt.worker, func() {
		for {
			select {
			case pkt, ok := <-ch:
				if !ok {
					return
				}
				_ = local.WriteRTP(pkt.Packet)
			case <-stop:
				pt.Unsubscribe(consumerID)
				return
			}
		}
	})

	cleanup := func() { close(stop) }
	return sender, cleanup, nil
}
