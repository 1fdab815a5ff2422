package session

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ario-Inc/spark-protocol/internal/config"
	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/pkg/coap"
	"github.com/Ario-Inc/spark-protocol/pkg/crypto"
	"github.com/Ario-Inc/spark-protocol/pkg/protocol"
)

// fakeWire captures outbound frames and blocks inbound reads until closed.
type fakeWire struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		notify: make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeWire) WriteFrame(frame []byte) error {
	buf := append([]byte(nil), frame...)
	f.mu.Lock()
	f.frames = append(f.frames, buf)
	f.mu.Unlock()
	f.notify <- buf
	return nil
}

func (f *fakeWire) ReadFrame() ([]byte, error) {
	<-f.closed
	return nil, crypto.ErrClosed
}

func (f *fakeWire) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWire) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// next returns the next captured outbound frame, decoded.
func (f *fakeWire) next(t *testing.T) *coap.Message {
	t.Helper()
	select {
	case frame := <-f.notify:
		m := protocol.Unwrap(frame)
		require.NotNil(t, m)
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame")
		return nil
	}
}

// fakeBus records publishes and subscriptions.
type fakeBus struct {
	mu         sync.Mutex
	published  []*models.Event
	subs       map[string]func(*models.Event)
	unsubCount int
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]func(*models.Event))}
}

func (b *fakeBus) Publish(event *models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *fakeBus) Subscribe(name string, deviceID *models.DeviceID, subscriberID string, cb func(*models.Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubCount++
	}, nil
}

func (b *fakeBus) events() []*models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.Event(nil), b.published...)
}

// fakeStore keeps attributes and claim codes in memory.
type fakeStore struct {
	mu     sync.Mutex
	attrs  map[models.DeviceID]*models.DeviceAttributes
	claims []*models.ClaimCode
}

func newFakeStore() *fakeStore {
	return &fakeStore{attrs: make(map[models.DeviceID]*models.DeviceAttributes)}
}

func (s *fakeStore) GetDeviceKey(ctx context.Context, id models.DeviceID) (*models.DeviceKey, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) SetDeviceKey(ctx context.Context, key *models.DeviceKey) error { return nil }
func (s *fakeStore) GetServerKey(ctx context.Context) ([]byte, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) SetServerKey(ctx context.Context, pemKey []byte) error { return nil }

func (s *fakeStore) GetDeviceAttributes(ctx context.Context, id models.DeviceID) (*models.DeviceAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.attrs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *attrs
	return &clone, nil
}

func (s *fakeStore) SaveDeviceAttributes(ctx context.Context, attrs *models.DeviceAttributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *attrs
	s.attrs[attrs.DeviceID] = &clone
	return nil
}

func (s *fakeStore) ListDeviceAttributes(ctx context.Context, limit, offset int) ([]*models.DeviceAttributes, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) SaveClaimCode(ctx context.Context, code *models.ClaimCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = append(s.claims, code)
	return nil
}

func (s *fakeStore) CreateUser(ctx context.Context, user *models.User) error { return nil }
func (s *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) Close() error { return nil }

func testConfig() config.ProtocolConfig {
	return config.ProtocolConfig{
		ListenerTimeout: 200 * time.Millisecond,
		ChunkSize:       512,
		MaxBinarySize:   128 * 1024,
		FlashRetryLimit: 3,
	}
}

func testDeviceID() models.DeviceID {
	var id models.DeviceID
	copy(id[:], "abcdefghijkl")
	return id
}

type testEnv struct {
	sess  *Session
	wire  *fakeWire
	bus   *fakeBus
	store *fakeStore
}

func newTestSession(t *testing.T) *testEnv {
	t.Helper()
	wire := newFakeWire()
	bus := newFakeBus()
	store := newFakeStore()

	sess, err := newSession(nil, wire, wire, testDeviceID(), nil, store, bus, testConfig())
	require.NoError(t, err)

	t.Cleanup(func() { sess.Disconnect("test cleanup") })
	return &testEnv{sess: sess, wire: wire, bus: bus, store: store}
}

// start feeds the device Hello with the given id and payload and consumes
// the session's own Hello.
func (e *testEnv) start(t *testing.T, helloID uint16, payload []byte) *coap.Message {
	t.Helper()
	frame, err := protocol.Wrap(protocol.Hello, helloID, protocol.Params{}, payload, nil)
	require.NoError(t, err)
	require.NoError(t, e.sess.Start(frame))
	return e.wire.next(t)
}

// inbound routes a crafted message into the session's receive path.
func (e *testEnv) inbound(t *testing.T, m *coap.Message) {
	t.Helper()
	frame, err := m.Marshal()
	require.NoError(t, err)
	e.sess.routeFrame(frame)
}

// ackFor builds the device's piggyback acknowledgement for a request.
func ackFor(req *coap.Message, payload []byte) *coap.Message {
	return &coap.Message{
		Type:      coap.TypeAck,
		Code:      coap.CodeChanged,
		MessageID: req.MessageID,
		Token:     append([]byte(nil), req.Token...),
		Payload:   payload,
	}
}

func uint16be(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func TestStartParsesHello(t *testing.T) {
	env := newTestSession(t)

	seedBefore, _ := env.sess.Counters()

	payload := append(append(uint16be(6), uint16be(3)...), uint16be(10)...)
	outHello := env.start(t, 17, payload)

	productID, firmware, platform, ok := env.sess.ProductInfo()
	require.True(t, ok)
	assert.Equal(t, uint16(6), productID)
	assert.Equal(t, uint16(3), firmware)
	assert.Equal(t, uint16(10), platform)

	// The outbound Hello uses the freshly incremented seeded counter.
	assert.Equal(t, seedBefore+1, outHello.MessageID)
	assert.Equal(t, "h", outHello.UriPath())

	_, receive := env.sess.Counters()
	assert.Equal(t, uint16(17), receive)
}

func TestStartWithoutHelloPayload(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 3, nil)

	_, _, _, ok := env.sess.ProductInfo()
	assert.False(t, ok)
}

func TestSendCounterRollover(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	env.sess.mu.Lock()
	env.sess.sendCounter = 65534
	env.sess.mu.Unlock()

	env.sess.SendMessage(protocol.Hello, protocol.Params{}, nil, nil)
	assert.Equal(t, uint16(65535), env.wire.next(t).MessageID)

	env.sess.SendMessage(protocol.Hello, protocol.Params{}, nil, nil)
	assert.Equal(t, uint16(0), env.wire.next(t).MessageID)
}

func TestBadCounterDisconnects(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 41, nil)

	var reason string
	var emissions int
	env.sess.On(EventDisconnect, func(ev Event) {
		reason = ev.Reason
		emissions++
	})

	// Confirmable non-empty message with a skipped id.
	frame, err := protocol.Wrap(protocol.GetTime, 43, protocol.Params{}, nil, []byte{0x01})
	require.NoError(t, err)
	env.sess.routeFrame(frame)

	assert.Equal(t, "Bad Counter", reason)
	assert.Equal(t, 1, emissions)
}

func TestIgnoreDisconnects(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 7, nil)

	var reason string
	env.sess.On(EventDisconnect, func(ev Event) { reason = ev.Reason })

	frame, err := protocol.Wrap(protocol.Ignored, 999, protocol.Params{}, nil, nil)
	require.NoError(t, err)
	env.sess.routeFrame(frame)

	assert.Equal(t, "Got an Ignore", reason)
}

func TestPingAckReusesID(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 10, nil)

	env.inbound(t, &coap.Message{Type: coap.TypeConfirmable, Code: coap.CodeEmpty, MessageID: 11})

	ack := env.wire.next(t)
	assert.Equal(t, coap.TypeAck, ack.Type)
	assert.Equal(t, coap.CodeEmpty, ack.Code)
	assert.Equal(t, uint16(11), ack.MessageID)

	assert.False(t, env.sess.LastPing().IsZero())

	_, receive := env.sess.Counters()
	assert.Equal(t, uint16(11), receive)
}

func TestDisconnectIdempotent(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	var emissions int
	env.sess.On(EventDisconnect, func(Event) { emissions++ })

	env.sess.Disconnect("first")
	env.sess.Disconnect("second")
	env.sess.Disconnect("third")

	assert.Equal(t, 1, emissions)
}

func TestTokenRolloverAndCollision(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	var reason string
	env.sess.On(EventDisconnect, func(ev Event) { reason = ev.Reason })

	// 256 outstanding requests fill every slot.
	for i := 0; i < 256; i++ {
		token := env.sess.SendMessage(protocol.VariableRequest, protocol.Params{Name: "x"}, nil, nil)
		require.NotEqual(t, SendRefused, token, "send %d", i)
	}

	// The next allocation lands on a still-live slot.
	token := env.sess.SendMessage(protocol.VariableRequest, protocol.Params{Name: "x"}, nil, nil)
	assert.Equal(t, SendRefused, token)
	assert.Equal(t, "Token collision", reason)
}

func TestTokenReuseAfterRelease(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	token := env.sess.SendMessage(protocol.VariableRequest, protocol.Params{Name: "x"}, nil, nil)
	require.NotEqual(t, SendRefused, token)
	req := env.wire.next(t)

	name, ok := env.sess.resolveToken(req.Token)
	require.True(t, ok)
	assert.Equal(t, protocol.VariableRequest, name)

	// Routing the response frees the slot for reuse before the allocator
	// wraps back around.
	env.inbound(t, ackFor(req, nil))

	env.sess.mu.Lock()
	env.sess.sendToken-- // wind back so the next send reclaims the slot
	env.sess.mu.Unlock()

	again := env.sess.SendMessage(protocol.VariableRequest, protocol.Params{Name: "x"}, nil, nil)
	assert.Equal(t, token, again)
}

func TestOwnershipGate(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	sent := env.wire.count()

	holder := &struct{}{}
	require.True(t, env.sess.TakeOwnership(holder))
	assert.False(t, env.sess.TakeOwnership(&struct{}{}))

	assert.Equal(t, SendRefused, env.sess.SendMessage(protocol.Hello, protocol.Params{}, nil, nil))
	assert.Equal(t, sent, env.wire.count(), "no bytes while locked")

	_, err := env.sess.GetVariable("temp")
	assert.ErrorIs(t, err, ErrLocked)

	// Only the holder releases.
	env.sess.ReleaseOwnership(&struct{}{})
	assert.True(t, env.sess.Owned())
	env.sess.ReleaseOwnership(holder)
	assert.False(t, env.sess.Owned())
}

func TestSendBeforeReady(t *testing.T) {
	env := newTestSession(t)
	env.sess.mu.Lock()
	env.sess.cipherOut = nil
	env.sess.mu.Unlock()

	assert.Equal(t, SendRefused, env.sess.SendMessage(protocol.Hello, protocol.Params{}, nil, nil))
}

func TestSendBeforeReadyReleasesToken(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	var reason string
	env.sess.On(EventDisconnect, func(ev Event) { reason = ev.Reason })

	env.sess.mu.Lock()
	out := env.sess.cipherOut
	env.sess.cipherOut = nil
	env.sess.mu.Unlock()

	// A token-bearing send that never reaches the wire must not leave a
	// live slot behind.
	assert.Equal(t, SendRefused, env.sess.SendMessage(protocol.Describe, protocol.Params{}, nil, nil))

	_, ok := env.sess.resolveToken([]byte{0x01})
	assert.False(t, ok, "aborted send left a resolvable token")

	// The same slot allocates cleanly once the pipe is back.
	env.sess.mu.Lock()
	env.sess.cipherOut = out
	env.sess.sendToken = 0
	env.sess.mu.Unlock()

	token := env.sess.SendMessage(protocol.Describe, protocol.Params{}, nil, nil)
	assert.Equal(t, 1, token)
	env.wire.next(t)
	assert.Empty(t, reason, "no token collision disconnect")
}

func seedIntrospection(s *Session, variables map[string]string, functionState map[string]interface{}) {
	s.mu.Lock()
	s.introspection = &Introspection{
		SystemInformation: map[string]interface{}{},
		FunctionState:     functionState,
		Variables:         variables,
	}
	s.mu.Unlock()
}

func TestGetVariable(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	seedIntrospection(env.sess, map[string]string{"temp": "int32"}, map[string]interface{}{})

	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := env.sess.GetVariable("temp")
		done <- result{v, err}
	}()

	req := env.wire.next(t)
	assert.Equal(t, "v/temp", req.UriPath())
	require.Len(t, req.Token, 1)

	env.inbound(t, &coap.Message{
		Type:      coap.TypeAck,
		Code:      coap.CodeContent,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   []byte{0x00, 0x00, 0x00, 0x2A},
	})

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, int32(42), r.value)
}

func TestGetVariableUnknown(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	seedIntrospection(env.sess, map[string]string{"temp": "int32"}, map[string]interface{}{})
	sent := env.wire.count()

	_, err := env.sess.GetVariable("nope")
	assert.ErrorIs(t, err, ErrUnknownVariable)
	assert.Equal(t, sent, env.wire.count())
}

func TestGetVariableTimeout(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	seedIntrospection(env.sess, map[string]string{"temp": "int32"}, map[string]interface{}{})

	_, err := env.sess.GetVariable("temp")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.EqualError(t, err, "Request timed out")
}

func TestDescribeSingleResponse(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 5, nil)

	type result struct {
		intro *Introspection
		err   error
	}
	done := make(chan result, 1)
	go func() {
		intro, err := env.sess.Describe()
		done <- result{intro, err}
	}()

	req := env.wire.next(t)
	assert.Equal(t, "d", req.UriPath())

	// One response carrying both halves resolves the race immediately.
	env.inbound(t, &coap.Message{
		Type:      coap.TypeNonConfirmable,
		Code:      coap.CodeContent,
		MessageID: 6,
		Token:     req.Token,
		Payload:   []byte(`{"f":["toggle"],"v":{"temp":2}}`),
	})

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, map[string]string{"temp": "int32"}, r.intro.Variables)
	assert.NotNil(t, env.sess.Introspected())
}

func TestDescribeTwoPhase(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 5, nil)

	done := make(chan *Introspection, 1)
	go func() {
		intro, err := env.sess.Describe()
		require.NoError(t, err)
		done <- intro
	}()

	req := env.wire.next(t)

	// System half first.
	env.inbound(t, &coap.Message{
		Type:      coap.TypeNonConfirmable,
		Code:      coap.CodeContent,
		MessageID: 6,
		Token:     req.Token,
		Payload:   []byte(`{"p":6,"m":[]}`),
	})

	// Application half on the same token.
	env.inbound(t, &coap.Message{
		Type:      coap.TypeNonConfirmable,
		Code:      coap.CodeContent,
		MessageID: 7,
		Token:     req.Token,
		Payload:   []byte(`{"f":["reset"],"v":{"uptime":2,"name":4}}`),
	})

	intro := <-done
	assert.Equal(t, map[string]string{"uptime": "int32", "name": "string"}, intro.Variables)
	assert.Contains(t, intro.SystemInformation, "p")
	assert.Contains(t, intro.FunctionState, "f")
}

func TestCallFunctionNewForm(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	seedIntrospection(env.sess, map[string]string{}, map[string]interface{}{
		"toggle": map[string]interface{}{
			"args": []interface{}{
				[]interface{}{"pin", "string"},
				[]interface{}{"level", "int32"},
			},
		},
	})

	done := make(chan int32, 1)
	go func() {
		result, err := env.sess.CallFunction("toggle", []interface{}{"D7", 128})
		require.NoError(t, err)
		done <- result
	}()

	req := env.wire.next(t)
	assert.Equal(t, "f/toggle", req.UriPath())
	assert.Equal(t, "D7,128", req.UriQuery())

	env.inbound(t, ackFor(req, []byte{0x00, 0x00, 0x00, 0x01}))
	assert.Equal(t, int32(1), <-done)
}

func TestCallFunctionOldForm(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	seedIntrospection(env.sess, map[string]string{}, map[string]interface{}{
		"f": []interface{}{"Toggle"},
	})

	done := make(chan int32, 1)
	go func() {
		result, err := env.sess.CallFunction("toggle", []interface{}{"on"})
		require.NoError(t, err)
		done <- result
	}()

	req := env.wire.next(t)
	assert.Equal(t, "f/toggle", req.UriPath())
	assert.Equal(t, "on", req.UriQuery())

	env.inbound(t, ackFor(req, []byte{0x00, 0x00, 0x00, 0x00}))
	assert.Equal(t, int32(0), <-done)
}

func TestCallFunctionUnknown(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	seedIntrospection(env.sess, map[string]string{}, map[string]interface{}{})
	sent := env.wire.count()

	_, err := env.sess.CallFunction("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
	assert.Equal(t, sent, env.wire.count())
}

func TestRaiseSignal(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	done := make(chan error, 1)
	go func() { done <- env.sess.RaiseSignal(true) }()

	req := env.wire.next(t)
	assert.Equal(t, "s", req.UriPath())
	assert.Equal(t, "nyan=1", req.UriQuery())

	env.inbound(t, ackFor(req, nil))
	require.NoError(t, <-done)
}

// runDeviceResponder drives the device side of a flash: it acks UpdateBegin
// and UpdateDone, and answers chunks through crcForChunk.
func runDeviceResponder(t *testing.T, env *testEnv, stop <-chan struct{}, crcForChunk func(index int, payload []byte) uint32) *flashTrace {
	t.Helper()
	trace := &flashTrace{}

	go func() {
		chunkIndex := 0
		for {
			var m *coap.Message
			select {
			case frame := <-env.wire.notify:
				m = protocol.Unwrap(frame)
			case <-stop:
				return
			}
			if m == nil {
				continue
			}

			switch {
			case m.UriPath() == "u" && m.Code == coap.CodePOST:
				trace.add("begin")
				env.inbound(t, ackFor(m, nil))
			case m.UriPath() == "c" && m.Code == coap.CodePOST:
				trace.add("chunk")
				crc := crcForChunk(chunkIndex, m.Payload)
				chunkIndex++
				payload := make([]byte, 4)
				binary.BigEndian.PutUint32(payload, crc)
				env.inbound(t, ackFor(m, payload))
			case m.UriPath() == "u" && m.Code == coap.CodePUT:
				trace.add("done")
				env.inbound(t, ackFor(m, nil))
			}
		}
	}()

	return trace
}

type flashTrace struct {
	mu    sync.Mutex
	steps []string
}

func (f *flashTrace) add(step string) {
	f.mu.Lock()
	f.steps = append(f.steps, step)
	f.mu.Unlock()
}

func (f *flashTrace) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.steps {
		if s == step {
			n++
		}
	}
	return n
}

func flashEvents(env *testEnv) map[string]*int {
	counts := map[string]*int{
		EventFlashStarted: new(int),
		EventFlashSuccess: new(int),
		EventFlashFailed:  new(int),
	}
	for name, counter := range counts {
		c := counter
		env.sess.On(name, func(Event) { *c++ })
	}
	return counts
}

func TestFlashSuccess(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	counts := flashEvents(env)

	stop := make(chan struct{})
	defer close(stop)
	trace := runDeviceResponder(t, env, stop, func(_ int, payload []byte) uint32 {
		return crc32.ChecksumIEEE(payload)
	})

	image := make([]byte, 512*2+100)
	for i := range image {
		image[i] = byte(i)
	}

	require.NoError(t, env.sess.Flash(image, "", ""))

	assert.Equal(t, 1, trace.count("begin"))
	assert.Equal(t, 3, trace.count("chunk"))
	assert.Equal(t, 1, trace.count("done"))
	assert.Equal(t, 1, *counts[EventFlashStarted])
	assert.Equal(t, 1, *counts[EventFlashSuccess])
	assert.Equal(t, 0, *counts[EventFlashFailed])
	assert.False(t, env.sess.Owned(), "lock released after flash")
}

func TestFlashChunkRetry(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	counts := flashEvents(env)

	stop := make(chan struct{})
	defer close(stop)

	// The second chunk's first ack carries a wrong CRC, forcing one
	// retransmission.
	var miss sync.Once
	trace := runDeviceResponder(t, env, stop, func(index int, payload []byte) uint32 {
		crc := crc32.ChecksumIEEE(payload)
		if index == 1 {
			missed := false
			miss.Do(func() { missed = true })
			if missed {
				return crc ^ 0xFFFFFFFF
			}
		}
		return crc
	})

	image := make([]byte, 512*3)
	require.NoError(t, env.sess.Flash(image, "", ""))

	assert.Equal(t, 4, trace.count("chunk"), "three chunks plus one retransmit")
	assert.Equal(t, 1, *counts[EventFlashSuccess])
}

func TestFlashRetryExhausted(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)
	counts := flashEvents(env)

	stop := make(chan struct{})
	defer close(stop)
	runDeviceResponder(t, env, stop, func(_ int, payload []byte) uint32 {
		return crc32.ChecksumIEEE(payload) ^ 0xFFFFFFFF
	})

	err := env.sess.Flash(make([]byte, 100), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Update failed")
	assert.Equal(t, 1, *counts[EventFlashFailed])
	assert.Equal(t, 0, *counts[EventFlashSuccess])
	assert.False(t, env.sess.Owned(), "lock released after failure")
}

func TestFlashRespectsDeviceLimits(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	env.sess.mu.Lock()
	env.sess.maxBinarySize = 64
	env.sess.mu.Unlock()

	err := env.sess.Flash(make([]byte, 100), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file is too large")
}

func TestDeviceEventFanOut(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 20, nil)

	frame, err := protocol.Wrap(protocol.PublicEvent, 21,
		protocol.Params{Name: "temperature", MaxAge: 30}, []byte("21.5"), nil)
	require.NoError(t, err)
	env.sess.routeFrame(frame)

	events := env.bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, "temperature", events[0].Name)
	assert.Equal(t, []byte("21.5"), events[0].Data)
	assert.Equal(t, uint32(30), events[0].TTL)
	assert.True(t, events[0].IsPublic)
	assert.Equal(t, testDeviceID(), events[0].DeviceID)

	// The event is acknowledged.
	ack := env.wire.next(t)
	assert.Equal(t, coap.CodeChanged, ack.Code)
}

func TestSystemEventsStayInternal(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 20, nil)

	frame, err := protocol.Wrap(protocol.PrivateEvent, 21,
		protocol.Params{Name: "spark/device/name"}, []byte("kitchen-core"), nil)
	require.NoError(t, err)
	env.sess.routeFrame(frame)

	assert.Empty(t, env.bus.events(), "system events never fan out")

	attrs, err := env.store.GetDeviceAttributes(context.Background(), testDeviceID())
	require.NoError(t, err)
	assert.Equal(t, "kitchen-core", attrs.Name)

	// Still acked.
	ack := env.wire.next(t)
	assert.Equal(t, coap.CodeChanged, ack.Code)
}

func TestSystemEventCapabilityLimits(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 20, nil)

	frame, err := protocol.Wrap(protocol.PrivateEvent, 21,
		protocol.Params{Name: "spark/hardware/ota_chunk_size"}, []byte("128"), nil)
	require.NoError(t, err)
	env.sess.routeFrame(frame)
	env.wire.next(t) // EventAck

	env.sess.mu.Lock()
	chunkSize := env.sess.otaChunkSize
	env.sess.mu.Unlock()
	assert.Equal(t, 128, chunkSize)
}

func TestClaimCodeCaptured(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 20, nil)

	frame, err := protocol.Wrap(protocol.PrivateEvent, 21,
		protocol.Params{Name: "spark/device/claim/code"}, []byte("CLAIM-1234"), nil)
	require.NoError(t, err)
	env.sess.routeFrame(frame)
	env.wire.next(t)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	require.Len(t, env.store.claims, 1)
	assert.Equal(t, "CLAIM-1234", env.store.claims[0].Code)
}

func TestGetTimeAnswered(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 30, nil)

	frame, err := protocol.Wrap(protocol.GetTime, 31, protocol.Params{}, nil, []byte{0x09})
	require.NoError(t, err)
	env.sess.routeFrame(frame)

	reply := env.wire.next(t)
	assert.Equal(t, uint16(31), reply.MessageID, "ack reuses the inbound id")
	assert.Equal(t, []byte{0x09}, reply.Token)
	require.Len(t, reply.Payload, 4)

	epoch := binary.BigEndian.Uint32(reply.Payload)
	assert.InDelta(t, time.Now().Unix(), int64(epoch), 5)
}

func TestSubscribeBridgesBusEvents(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 40, nil)

	frame, err := protocol.Wrap(protocol.Subscribe, 41,
		protocol.Params{Name: "weather"}, nil, []byte{0x02})
	require.NoError(t, err)
	env.sess.routeFrame(frame)
	env.wire.next(t) // EventAck

	env.bus.mu.Lock()
	cb := env.bus.subs["weather"]
	env.bus.mu.Unlock()
	require.NotNil(t, cb)

	cb(&models.Event{
		Name:        "weather/update",
		Data:        []byte("sunny"),
		TTL:         60,
		PublishedAt: time.Unix(1700000000, 0),
		IsPublic:    true,
	})

	down := env.wire.next(t)
	assert.Equal(t, "e/weather/update", down.UriPath())
	assert.Equal(t, []byte("sunny"), down.Payload)
	assert.Equal(t, uint32(60), down.MaxAge())
}

func TestOnCoreEventPrivate(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	require.NoError(t, env.sess.OnCoreEvent(&models.Event{
		Name:        "door/open",
		Data:        []byte("1"),
		TTL:         10,
		PublishedAt: time.Unix(1700000000, 0),
	}))

	down := env.wire.next(t)
	assert.Equal(t, "E/door/open", down.UriPath())
}

func TestAwaitEventDisconnectRejects(t *testing.T) {
	env := newTestSession(t)
	env.start(t, 1, nil)

	done := make(chan error, 1)
	go func() {
		_, err := env.sess.AwaitEvent(protocol.DescribeReturn, ListenFilter{}, time.Minute)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	env.sess.Disconnect("test")

	assert.ErrorIs(t, <-done, ErrDisconnected)
}
