package session

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/pkg/coap"
	"github.com/Ario-Inc/spark-protocol/pkg/protocol"
)

// System event names published by firmware. Anything under spark/ is
// consumed here and never fanned out.
const (
	sysAppHash          = "spark/device/app-hash"
	sysClaimCode        = "spark/device/claim/code"
	sysFlashAvailable   = "spark/flash/available"
	sysFlashProgress    = "spark/flash/progress"
	sysFlashStatus      = "spark/flash/status"
	sysDeviceIP         = "spark/device/ip"
	sysDeviceName       = "spark/device/name"
	sysDeviceRandom     = "spark/device/random"
	sysDeviceIdent      = "spark/device/ident/0"
	sysLastReset        = "spark/device/last_reset"
	sysMaxBinary        = "spark/hardware/max_binary"
	sysOtaChunkSize     = "spark/hardware/ota_chunk_size"
	sysDeviceReset      = "spark/device/reset"
	sysSafeMode         = "spark/device/safemode"
	sysSafeModeUpdating = "spark/safe-mode-updater/updating"
	sysCC3000Patch      = "spark/cc3000-patch-version"
	sysStatus           = "spark/status"
)

// registerRequestHandlers wires the inbound request types the session
// answers itself.
func (s *Session) registerRequestHandlers() {
	s.events.on(protocol.GetTime, func(ev Event) { s.handleGetTime(ev.Message) })
	s.events.on(protocol.PublicEvent, func(ev Event) { s.handleDeviceEvent(ev.Message, true) })
	s.events.on(protocol.PrivateEvent, func(ev Event) { s.handleDeviceEvent(ev.Message, false) })
	s.events.on(protocol.Subscribe, func(ev Event) { s.handleSubscribe(ev.Message) })
	s.events.on(protocol.Hello, func(ev Event) {
		log.Debug().Str("connection", s.connectionKey).Msg("hello after handshake, ignoring")
	})
}

// handleGetTime answers a device time request with the current epoch,
// reusing the inbound id.
func (s *Session) handleGetTime(m *coap.Message) {
	payload, err := protocol.ToBinary(uint32(time.Now().Unix()), protocol.TypeUint32)
	if err != nil {
		return
	}
	s.SendReply(protocol.GetTimeReturn, int(m.MessageID), m.Token, protocol.Params{}, payload, nil)
}

// handleDeviceEvent routes one device-published event: system events are
// consumed internally, everything else fans out through the bus. Both get
// an EventAck.
func (s *Session) handleDeviceEvent(m *coap.Message, isPublic bool) {
	path := m.UriPath()
	name := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}

	if strings.HasPrefix(name, "spark/") {
		s.handleSystemEvent(name, m)
	} else if s.bus != nil {
		ttl := m.MaxAge()
		if ttl == 0 {
			ttl = 60
		}
		err := s.bus.Publish(&models.Event{
			Name:        name,
			DeviceID:    s.id,
			Data:        m.Payload,
			TTL:         ttl,
			PublishedAt: time.Now(),
			IsPublic:    isPublic,
		})
		if err != nil {
			log.Warn().Err(err).Str("connection", s.connectionKey).Str("event", name).
				Msg("event fan-out failed")
		}
	}

	s.SendReply(protocol.EventAck, -1, m.Token, protocol.Params{}, nil, nil)
}

// handleSystemEvent updates device state from a spark/ event.
func (s *Session) handleSystemEvent(name string, m *coap.Message) {
	data := string(m.Payload)

	log.Debug().
		Str("connection", s.connectionKey).
		Str("event", name).
		Int("size", len(m.Payload)).
		Msg("system event")

	switch name {
	case sysAppHash:
		s.updateAttributes(func(attrs *models.DeviceAttributes) {
			attrs.AppHash = hex.EncodeToString(m.Payload)
		})
	case sysClaimCode:
		if s.store == nil {
			return
		}
		code := &models.ClaimCode{DeviceID: s.id, Code: data}
		if err := s.store.SaveClaimCode(context.Background(), code); err != nil {
			log.Warn().Err(err).Str("connection", s.connectionKey).Msg("save claim code")
		}
	case sysDeviceIP:
		s.updateAttributes(func(attrs *models.DeviceAttributes) {
			attrs.IPAddress = data
		})
	case sysDeviceName:
		s.updateAttributes(func(attrs *models.DeviceAttributes) {
			attrs.Name = data
		})
	case sysLastReset:
		s.updateAttributes(func(attrs *models.DeviceAttributes) {
			attrs.LastReset = data
		})
	case sysMaxBinary:
		if v, err := strconv.Atoi(data); err == nil && v > 0 {
			s.mu.Lock()
			s.maxBinarySize = v
			s.mu.Unlock()
		}
	case sysOtaChunkSize:
		if v, err := strconv.Atoi(data); err == nil && v > 0 {
			s.mu.Lock()
			s.otaChunkSize = v
			s.mu.Unlock()
		}
	case sysFlashAvailable, sysFlashProgress, sysFlashStatus,
		sysDeviceRandom, sysDeviceIdent, sysDeviceReset, sysSafeMode,
		sysSafeModeUpdating, sysCC3000Patch, sysStatus:
		// informational only
	default:
		log.Debug().Str("connection", s.connectionKey).Str("event", name).
			Msg("unrecognized system event")
	}
}

// handleSubscribe bridges a device subscription back through the bus: every
// matching cloud event is delivered to the device as a core event.
func (s *Session) handleSubscribe(m *coap.Message) {
	path := m.UriPath()
	name := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}

	if s.bus != nil {
		unsub, err := s.bus.Subscribe(name, nil, s.connectionKey, func(ev *models.Event) {
			if err := s.OnCoreEvent(ev); err != nil {
				log.Debug().Err(err).Str("connection", s.connectionKey).
					Str("event", ev.Name).Msg("bridge event to device")
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("connection", s.connectionKey).Str("event", name).
				Msg("subscribe failed")
		} else {
			s.mu.Lock()
			s.unsubscribers = append(s.unsubscribers, unsub)
			s.mu.Unlock()
		}
	}

	s.SendReply(protocol.EventAck, -1, m.Token, protocol.Params{}, nil, nil)
}

// updateAttributes loads, mutates, and upserts the persisted device record.
func (s *Session) updateAttributes(mutate func(*models.DeviceAttributes)) {
	if s.store == nil {
		return
	}

	ctx := context.Background()
	attrs, err := s.store.GetDeviceAttributes(ctx, s.id)
	if err == storage.ErrNotFound {
		attrs = &models.DeviceAttributes{DeviceID: s.id}
	} else if err != nil {
		log.Warn().Err(err).Str("connection", s.connectionKey).Msg("load device attributes")
		return
	}

	mutate(attrs)
	attrs.LastHeard = time.Now()

	if err := s.store.SaveDeviceAttributes(ctx, attrs); err != nil {
		log.Warn().Err(err).Str("connection", s.connectionKey).Msg("save device attributes")
	}
}
