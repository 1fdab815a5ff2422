// Package server accepts device TCP connections, runs the handshake, and
// keeps the registry of live sessions keyed by device id.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/config"
	"github.com/Ario-Inc/spark-protocol/internal/handshake"
	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/session"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
)

// EventBus is what the server needs from the event fabric: the session
// contract plus the routing sidechannel.
type EventBus interface {
	session.EventBus
	AnnounceRoute(deviceID models.DeviceID, serverID string)
}

// DeviceServer is the TCP accept loop and session registry.
type DeviceServer struct {
	cfg   *config.Config
	store storage.Store
	bus   EventBus
	hs    *handshake.Handshake

	mu       sync.Mutex
	sessions map[models.DeviceID]*session.Session
	listener net.Listener
}

// New builds the device server.
func New(cfg *config.Config, store storage.Store, bus EventBus, hs *handshake.Handshake) *DeviceServer {
	return &DeviceServer{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		hs:       hs,
		sessions: make(map[models.DeviceID]*session.Session),
	}
}

// Start listens and serves until the context is canceled.
func (s *DeviceServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Bind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("bind", s.cfg.Server.Bind).Msg("device server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.disconnectAll("server shutdown")
				return ctx.Err()
			default:
				log.Error().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs one connection from accept to session teardown.
func (s *DeviceServer) handleConnection(ctx context.Context, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(s.cfg.Server.KeepAlive)
	}
	wrapped := &idleConn{Conn: conn, timeout: s.cfg.Server.SocketTimeout}

	result, err := s.hs.Perform(ctx, wrapped)
	if err != nil {
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
		conn.Close()
		return
	}

	sess, err := session.New(wrapped, result, s.store, s.bus, s.cfg.Protocol)
	if err != nil {
		log.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("build session")
		conn.Close()
		return
	}

	s.register(sess)
	sess.On(session.EventDisconnect, func(session.Event) {
		s.remove(result.DeviceID, sess)
	})

	if err := sess.Start(result.InitialPlaintext); err != nil {
		log.Warn().Err(err).Str("device", result.DeviceID.String()).Msg("session start failed")
		sess.Disconnect(err.Error())
		return
	}

	// Routing emission is fire-and-forget; Ready never blocks on it.
	if s.bus != nil {
		s.bus.AnnounceRoute(result.DeviceID, s.cfg.Server.ServerID)
	}

	s.persistConnectAttributes(ctx, sess, conn)
}

// register installs the session, evicting any previous one for the device.
func (s *DeviceServer) register(sess *session.Session) {
	id := sess.ID()

	s.mu.Lock()
	old := s.sessions[id]
	s.sessions[id] = sess
	s.mu.Unlock()

	if old != nil {
		log.Info().Str("device", id.String()).Msg("evicting stale session")
		old.Disconnect("superseded by new connection")
	}
}

// remove drops the registry entry, but only if it still points at sess.
func (s *DeviceServer) remove(id models.DeviceID, sess *session.Session) {
	s.mu.Lock()
	if s.sessions[id] == sess {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

// Get returns the live session for a device.
func (s *DeviceServer) Get(id models.DeviceID) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns all live sessions.
func (s *DeviceServer) List() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *DeviceServer) disconnectAll(reason string) {
	for _, sess := range s.List() {
		sess.Disconnect(reason)
	}
}

// persistConnectAttributes refreshes the stored device record on Ready.
func (s *DeviceServer) persistConnectAttributes(ctx context.Context, sess *session.Session, conn net.Conn) {
	attrs, err := s.store.GetDeviceAttributes(ctx, sess.ID())
	if err == storage.ErrNotFound {
		attrs = &models.DeviceAttributes{DeviceID: sess.ID()}
	} else if err != nil {
		log.Warn().Err(err).Str("device", sess.ID().String()).Msg("load device attributes")
		return
	}

	if productID, firmware, platform, ok := sess.ProductInfo(); ok {
		attrs.ProductID = productID
		attrs.FirmwareVersion = firmware
		attrs.PlatformID = platform
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		attrs.IPAddress = host
	}
	attrs.LastHeard = time.Now()

	if err := s.store.SaveDeviceAttributes(ctx, attrs); err != nil {
		log.Warn().Err(err).Str("device", sess.ID().String()).Msg("save device attributes")
	}
}

// idleConn applies the configured idle timeout to every read, so a silent
// device trips the OS deadline and tears the session down.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}
