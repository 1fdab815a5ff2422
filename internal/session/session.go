package session

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/config"
	"github.com/Ario-Inc/spark-protocol/internal/handshake"
	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/pkg/coap"
	"github.com/Ario-Inc/spark-protocol/pkg/crypto"
	"github.com/Ario-Inc/spark-protocol/pkg/protocol"
)

// SendRefused is the sentinel returned by the send path when no bytes were
// emitted: ownership held elsewhere, wrap failure, or cipher not ready.
const SendRefused = -1

// FrameReader yields whole decrypted CoAP frames.
type FrameReader interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// FrameWriter encrypts and writes whole CoAP frames.
type FrameWriter interface {
	WriteFrame(frame []byte) error
	Close() error
}

// EventBus is the cross-process publisher collaborator. Publish fans a
// device event out to other sessions and processes; Subscribe bridges bus
// events back into this session.
type EventBus interface {
	Publish(event *models.Event) error
	Subscribe(name string, deviceID *models.DeviceID, subscriberID string, cb func(*models.Event)) (func(), error)
}

// tokenEntry is one slot of the fixed token table. A slot is live from
// request send until its response is routed; the name sticks around after
// that so a follow-up response on the same token (describe sends two) still
// resolves. Stale slots are reclaimed when the allocator wraps back to them;
// only a live slot collides.
type tokenEntry struct {
	name string
	live bool
}

// Introspection is the device's self-description, populated by Describe.
type Introspection struct {
	SystemInformation map[string]interface{}
	FunctionState     map[string]interface{}
	Variables         map[string]string
}

// Session is one device connection: the CoAP state machine over the cipher
// pipe produced by the handshake.
type Session struct {
	mu sync.Mutex

	id            models.DeviceID
	connectionKey string

	productID       uint16
	firmwareVersion uint16
	platformID      uint16
	hasProductInfo  bool

	sendCounter    uint16
	receiveCounter uint16
	sendToken      uint8
	tokens         [256]tokenEntry

	cipherIn  FrameReader
	cipherOut FrameWriter
	conn      net.Conn
	pending   [][]byte

	// owner is the single-slot exclusive holder; while set, sends from any
	// other caller are refused.
	owner interface{}

	introspection *Introspection
	maxBinarySize int
	otaChunkSize  int

	lastPing        time.Time
	connectionStart time.Time

	disconnectCounter int32
	done              chan struct{}

	events        *dispatcher
	bus           EventBus
	store         storage.Store
	cfg           config.ProtocolConfig
	unsubscribers []func()
}

// New builds a session from a completed handshake. Start must be called to
// process the device's Hello and begin the read loop.
func New(conn net.Conn, hs *handshake.Result, store storage.Store, bus EventBus, cfg config.ProtocolConfig) (*Session, error) {
	return newSession(conn, hs.CipherIn, hs.CipherOut, hs.DeviceID, hs.PendingBuffers, store, bus, cfg)
}

func newSession(conn net.Conn, in FrameReader, out FrameWriter, id models.DeviceID, pending [][]byte, store storage.Store, bus EventBus, cfg config.ProtocolConfig) (*Session, error) {
	seed, err := crypto.RandomUint16()
	if err != nil {
		return nil, fmt.Errorf("seed send counter: %w", err)
	}

	key := shortKey()
	if conn != nil {
		key = fmt.Sprintf("%s_%s", conn.RemoteAddr(), key)
	}

	s := &Session{
		id:              id,
		connectionKey:   key,
		sendCounter:     seed,
		cipherIn:        in,
		cipherOut:       out,
		conn:            conn,
		pending:         pending,
		connectionStart: time.Now(),
		done:            make(chan struct{}),
		events:          newDispatcher(),
		bus:             bus,
		store:           store,
		cfg:             cfg,
	}

	s.registerRequestHandlers()
	return s, nil
}

// ID returns the device identifier established by the handshake.
func (s *Session) ID() models.DeviceID { return s.id }

// ConnectionKey returns the local correlation tag for logs.
func (s *Session) ConnectionKey() string { return s.connectionKey }

// ProductInfo returns the Hello payload fields and whether they were present.
func (s *Session) ProductInfo() (productID, firmwareVersion, platformID uint16, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productID, s.firmwareVersion, s.platformID, s.hasProductInfo
}

// Start consumes the handshake's initial plaintext (the device Hello),
// answers it, emits Ready, and begins the read loop.
func (s *Session) Start(initialPlaintext []byte) error {
	hello := protocol.Unwrap(initialPlaintext)
	if hello == nil {
		return fmt.Errorf("malformed hello frame")
	}

	s.mu.Lock()
	s.receiveCounter = hello.MessageID
	if len(hello.Payload) >= 6 {
		s.productID = binary.BigEndian.Uint16(hello.Payload[0:2])
		s.firmwareVersion = binary.BigEndian.Uint16(hello.Payload[2:4])
		s.platformID = binary.BigEndian.Uint16(hello.Payload[4:6])
		s.hasProductInfo = true
	}
	s.mu.Unlock()

	if s.SendMessage(protocol.Hello, protocol.Params{}, nil, nil) == SendRefused {
		return fmt.Errorf("send hello")
	}

	log.Info().
		Str("connection", s.connectionKey).
		Str("device", s.id.String()).
		Uint16("product", s.productID).
		Uint16("firmware", s.firmwareVersion).
		Msg("device session ready")

	s.events.emit(Event{Name: EventReady})

	go s.readLoop()
	return nil
}

// readLoop routes any plaintext buffered during the handshake window, then
// reads decrypted frames until the pipe fails.
func (s *Session) readLoop() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	cipherIn := s.cipherIn
	s.mu.Unlock()

	for _, frame := range pending {
		s.routeFrame(frame)
	}

	for {
		if cipherIn == nil {
			return
		}
		frame, err := cipherIn.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.Disconnect(fmt.Sprintf("socket error: %v", err))
			}
			return
		}
		s.routeFrame(frame)
	}
}

// SendMessage builds and writes one outbound message. It returns the
// assigned token (0 when the message is tokenless) or SendRefused when
// nothing was written. owner identifies the caller for the ownership gate.
func (s *Session) SendMessage(name string, params protocol.Params, payload []byte, owner interface{}) int {
	s.mu.Lock()

	if s.owner != nil && s.owner != owner {
		s.mu.Unlock()
		log.Debug().Str("connection", s.connectionKey).Str("message", name).
			Msg("send refused, session owned by flasher")
		return SendRefused
	}

	s.sendCounter++
	id := s.sendCounter

	var token []byte
	tokenValue := 0
	if spec, ok := protocol.Specs[name]; ok && spec.Token {
		s.sendToken++
		slot := s.sendToken
		if s.tokens[slot].live {
			pending := s.tokens[slot].name
			s.mu.Unlock()
			log.Error().Str("connection", s.connectionKey).
				Str("token", fmt.Sprintf("%02x", slot)).
				Str("pending", pending).
				Msg("token collision")
			s.Disconnect("Token collision")
			return SendRefused
		}
		s.tokens[slot] = tokenEntry{name: name, live: true}
		token = []byte{slot}
		tokenValue = int(slot)
	}

	frame, err := protocol.Wrap(name, id, params, payload, token)
	if err != nil {
		s.clearTokenLocked(token)
		s.mu.Unlock()
		log.Error().Err(err).Str("connection", s.connectionKey).Str("message", name).
			Msg("wrap failed")
		return SendRefused
	}

	out := s.cipherOut
	if out == nil {
		// Nothing reached the wire, so the slot must not stay live.
		s.clearTokenLocked(token)
		s.mu.Unlock()
		log.Debug().Str("connection", s.connectionKey).Str("message", name).
			Msg("send before ready")
		return SendRefused
	}
	s.mu.Unlock()

	if err := out.WriteFrame(frame); err != nil {
		log.Error().Err(err).Str("connection", s.connectionKey).Str("message", name).
			Msg("write failed")
		s.Disconnect(fmt.Sprintf("write error: %v", err))
		return SendRefused
	}

	return tokenValue
}

// SendReply answers a confirmable message. A negative id allocates a fresh
// counter-based id; a non-negative id is reused for ack parity. The token,
// when given, is echoed.
func (s *Session) SendReply(name string, id int, token []byte, params protocol.Params, payload []byte, owner interface{}) int {
	s.mu.Lock()

	if s.owner != nil && s.owner != owner {
		s.mu.Unlock()
		return SendRefused
	}

	var messageID uint16
	if id < 0 {
		s.sendCounter++
		messageID = s.sendCounter
	} else {
		messageID = uint16(id)
	}

	frame, err := protocol.Wrap(name, messageID, params, payload, token)
	if err != nil {
		s.mu.Unlock()
		log.Error().Err(err).Str("connection", s.connectionKey).Str("message", name).
			Msg("wrap reply failed")
		return SendRefused
	}

	out := s.cipherOut
	s.mu.Unlock()

	if out == nil {
		return SendRefused
	}
	if err := out.WriteFrame(frame); err != nil {
		log.Error().Err(err).Str("connection", s.connectionKey).Str("message", name).
			Msg("write reply failed")
		s.Disconnect(fmt.Sprintf("write error: %v", err))
		return SendRefused
	}
	return 0
}

// routeFrame runs the receive path for one plaintext frame.
func (s *Session) routeFrame(frame []byte) {
	m := protocol.Unwrap(frame)
	if m == nil {
		log.Debug().Str("connection", s.connectionKey).Int("size", len(frame)).
			Msg("dropping malformed frame")
		return
	}

	cls := protocol.Classify(m, s.resolveToken)

	if cls.Kind == protocol.KindAck {
		name := cls.Name
		if name == "" {
			name = protocol.PingAck
		}
		s.events.emit(Event{Name: name, Message: m})
		s.freeToken(m.Token)
		return
	}

	s.mu.Lock()
	s.receiveCounter++
	expected := s.receiveCounter
	s.mu.Unlock()

	if m.IsEmpty() && m.IsConfirmable() {
		s.mu.Lock()
		s.lastPing = time.Now()
		s.mu.Unlock()
		s.SendReply(protocol.PingAck, int(m.MessageID), m.Token, protocol.Params{}, nil, nil)
		return
	}

	if m.MessageID != expected {
		if m.Type == coap.TypeReset {
			s.Disconnect("Got an Ignore")
		} else {
			log.Warn().Str("connection", s.connectionKey).
				Uint16("got", m.MessageID).Uint16("expected", expected).
				Msg("message counter violation")
			s.Disconnect("Bad Counter")
		}
		return
	}

	name := cls.Name
	if name == "" {
		log.Debug().Str("connection", s.connectionKey).
			Str("code", m.Code.String()).Str("uri", m.UriPath()).
			Msg("unroutable message")
		return
	}

	s.events.emit(Event{Name: name, Message: m})

	if cls.Kind == protocol.KindResponse {
		s.freeToken(m.Token)
	}
}

// resolveToken recovers the originating request name for a live or stale
// token.
func (s *Session) resolveToken(token []byte) (string, bool) {
	if len(token) != 1 {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.tokens[token[0]]
	return entry.name, entry.name != ""
}

// freeToken marks the slot routed. The name stays until the slot is
// reclaimed by a later allocation.
func (s *Session) freeToken(token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseTokenLocked(token)
}

func (s *Session) releaseTokenLocked(token []byte) {
	if len(token) == 1 {
		s.tokens[token[0]].live = false
	}
}

// clearTokenLocked empties a slot allocated for a send that never reached
// the wire; unlike releaseTokenLocked it drops the name too, so no response
// can resolve through it.
func (s *Session) clearTokenLocked(token []byte) {
	if len(token) == 1 {
		s.tokens[token[0]] = tokenEntry{}
	}
}

// TakeOwnership installs holder as the session's exclusive owner. It
// succeeds only when the slot is empty.
func (s *Session) TakeOwnership(holder interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		return false
	}
	s.owner = holder
	return true
}

// ReleaseOwnership clears the slot only when holder matches.
func (s *Session) ReleaseOwnership(holder interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == holder {
		s.owner = nil
	}
}

// Owned reports whether a flasher currently holds the session.
func (s *Session) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != nil
}

// LastPing returns the time of the last keepalive from the device.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

// Disconnect tears the session down. It is idempotent: only the first call
// does any work.
func (s *Session) Disconnect(reason string) {
	if atomic.AddInt32(&s.disconnectCounter, 1) != 1 {
		return
	}

	log.Info().
		Str("connection", s.connectionKey).
		Str("device", s.id.String()).
		Str("reason", reason).
		Dur("duration", time.Since(s.connectionStart)).
		Msg("device session disconnected")

	s.mu.Lock()
	conn := s.conn
	cipherIn := s.cipherIn
	cipherOut := s.cipherOut
	s.conn = nil
	s.cipherIn = nil
	s.cipherOut = nil
	unsubs := s.unsubscribers
	s.unsubscribers = nil
	s.mu.Unlock()

	// Each resource is released in its own guarded block so one failure
	// cannot suppress the others.
	if cipherOut != nil {
		if err := cipherOut.Close(); err != nil {
			log.Warn().Err(err).Str("connection", s.connectionKey).Msg("close cipher out")
		}
	}
	if cipherIn != nil {
		if err := cipherIn.Close(); err != nil {
			log.Warn().Err(err).Str("connection", s.connectionKey).Msg("close cipher in")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("connection", s.connectionKey).Msg("close socket")
		}
	}

	for _, unsub := range unsubs {
		unsub()
	}

	s.events.emit(Event{Name: EventDisconnect, Reason: reason})

	// Reject outstanding listeners, then drop every handler.
	close(s.done)
	s.events.detachAll()
}

func shortKey() string {
	return uuid.New().String()[:8]
}

// Counters returns the current send and receive counters, for tests and
// observability.
func (s *Session) Counters() (send, receive uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCounter, s.receiveCounter
}
