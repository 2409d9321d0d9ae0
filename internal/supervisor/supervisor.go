// Package supervisor boots every component in dependency order, runs the
// periodic reaper and stats heartbeat, stops the listeners in reverse order
// on a shutdown signal, and on media worker death exits the process with
// status 1 after a two-second delay.
package supervisor

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/n0remac/sfu-control/internal/config"
	"github.com/n0remac/sfu-control/internal/domain"
	"github.com/n0remac/sfu-control/internal/httpapi"
	"github.com/n0remac/sfu-control/internal/mediaworker"
	"github.com/n0remac/sfu-control/internal/registry"
	"github.com/n0remac/sfu-control/internal/signaling"
)

const reapInterval = 30 * time.Second

// Supervisor owns the full component graph and its lifecycle.
type Supervisor struct {
	log *zap.SugaredLogger
	cfg *config.Config

	pool      *mediaworker.Pool
	reg       *registry.Registry
	sigServer *signaling.Server

	httpSrv *http.Server
	wsSrv   *http.Server
	sched   gocron.Scheduler
}

// New builds every component in boot order but starts nothing.
func New(log *zap.SugaredLogger, cfg *config.Config) (*Supervisor, error) {
	pool, err := mediaworker.NewPool(log, mediaworker.Settings{
		AnnouncedIP:        cfg.AnnouncedIP,
		ICEServers:         buildICEServers(cfg),
		VideoMaxBitrate:    cfg.Video.MaxBitrateKbps,
		VideoMinBitrate:    cfg.Video.MinBitrateKbps,
		VideoTargetBitrate: cfg.Video.TargetBitrateKbps,
		AudioBitrate:       cfg.Audio.BitrateKbps,
	}, 0)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Options{
		MaxRooms:           cfg.MaxRooms,
		MaxViewersPerRoom:  cfg.MaxViewersPerRoom,
		IdleTimeoutSeconds: cfg.IdleTimeoutSeconds,
		CreateRouter:       pool.CreateRouterID,
		CloseRouter:        pool.CloseRouterByID,
		Log:                log,
	})

	sigServer := signaling.NewServer(signaling.Options{
		Log:                log,
		Registry:           reg,
		Pool:               pool,
		ICEServers:         cfg.ICEServers,
		IdleTimeoutSeconds: cfg.IdleTimeoutSeconds,
		MaxConnections:     cfg.MaxConnections,
		Environment:        cfg.Environment,
	})

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		log:       log,
		cfg:       cfg,
		pool:      pool,
		reg:       reg,
		sigServer: sigServer,
		sched:     sched,
	}

	httpRouter := httpapi.NewRouter(httpapi.Options{
		Log:           log,
		Registry:      reg,
		Host:          cfg.Host,
		WebsocketPort: cfg.WebsocketPort,
	})
	s.httpSrv = &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: httpRouter,
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/room/", s.handleWebsocket)
	s.wsSrv = &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.WebsocketPort),
		Handler: wsMux,
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(reapInterval),
		gocron.NewTask(s.reapTick),
	); err != nil {
		return nil, err
	}

	return s, nil
}

// Run starts every network listener and the scheduler, then blocks until
// a termination signal or a fatal media worker error arrives.
func (s *Supervisor) Run() error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Infow("http control plane listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		s.log.Infow("websocket signaling listening", "addr", s.wsSrv.Addr)
		if err := s.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		s.log.Infow("shutdown signal received", "signal", sig.String())
		s.Shutdown()
		return nil
	case fatal := <-s.pool.Fatal():
		s.log.Errorw("media worker died, terminating process", "err", fatal.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops, in order, the signaling listener, the control plane, the
// scheduler, and the registry's actor loop. http.Server.Shutdown does not
// close hijacked WebSocket connections, so open sessions are not torn down
// here, and no room is stopped: rooms, peers, transports, producers and
// consumers are not closed individually before the process exits.
func (s *Supervisor) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = s.wsSrv.Shutdown(ctx)
	_ = s.httpSrv.Shutdown(ctx)
	_ = s.sched.Shutdown()
	s.reg.Close()
}

func (s *Supervisor) reapTick() {
	stopped := s.reg.ReapIdle()
	stats := s.reg.ServerStats()
	if stats.RoomCount > 0 || stats.TotalPeerCount > 0 {
		s.log.Infow("periodic stats", "room_count", stats.RoomCount, "peer_count", stats.TotalPeerCount, "reaped", len(stopped))
	}
}

func (s *Supervisor) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	roomID, role, ok := parseWSPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if role != domain.RoleHost && role != domain.RoleViewer {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "Anonymous"
	}

	s.sigServer.HandleUpgrade(w, r, roomID, role, userID, username)
}

// parseWSPath extracts room id and role from /room/{room_id}/{host|viewer}.
func parseWSPath(path string) (roomID string, role domain.Role, ok bool) {
	const prefix = "/room/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := path[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return rest[:i], domain.Role(rest[i+1:]), true
		}
	}
	return "", "", false
}

func buildICEServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, ic := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       ic.URLs,
			Username:   ic.Username,
			Credential: ic.Credential,
		})
	}
	return servers
}
