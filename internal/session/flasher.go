package session

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/pkg/protocol"
)

// Firmware stores addressable by an update.
const (
	StoreFirmware = "firmware"
	StoreSystem   = "system"
)

// Flasher runs one OTA transfer while holding the session's exclusive
// ownership slot.
type Flasher struct {
	session   *Session
	chunkSize int
	retries   int
}

// Flash streams binary to the device: UpdateBegin, CRC-checked chunks, then
// UpdateDone. The session is exclusively owned for the whole transfer; any
// other verb fails fast until it finishes.
func (s *Session) Flash(image []byte, store string, address string) error {
	if store == "" {
		store = StoreFirmware
	}
	if address == "" {
		address = "0x0"
	}

	f := &Flasher{
		session:   s,
		chunkSize: s.cfg.ChunkSize,
		retries:   s.cfg.FlashRetryLimit,
	}

	if !s.TakeOwnership(f) {
		return ErrLocked
	}
	defer s.ReleaseOwnership(f)

	s.events.emit(Event{Name: EventFlashStarted})

	if err := f.run(image, store, address); err != nil {
		s.events.emit(Event{Name: EventFlashFailed, Reason: err.Error()})
		return fmt.Errorf("Update failed: %v", err)
	}

	s.events.emit(Event{Name: EventFlashSuccess})
	return nil
}

func (f *Flasher) run(image []byte, store string, address string) error {
	s := f.session

	// Honor device-reported capability limits.
	s.mu.Lock()
	maxBinary := s.cfg.MaxBinarySize
	if s.maxBinarySize > 0 && s.maxBinarySize < maxBinary {
		maxBinary = s.maxBinarySize
	}
	if s.otaChunkSize > 0 && s.otaChunkSize < f.chunkSize {
		f.chunkSize = s.otaChunkSize
	}
	s.mu.Unlock()

	if len(image) == 0 {
		return fmt.Errorf("binary is empty")
	}
	if maxBinary > 0 && len(image) > maxBinary {
		return fmt.Errorf("file is too large")
	}

	log.Info().
		Str("connection", s.connectionKey).
		Str("device", s.id.String()).
		Int("size", len(image)).
		Int("chunkSize", f.chunkSize).
		Str("store", store).
		Msg("flash started")

	begin := make([]byte, 6)
	binary.BigEndian.PutUint32(begin[0:4], uint32(len(image)))
	binary.BigEndian.PutUint16(begin[4:6], uint16(f.chunkSize))

	params := protocol.Params{Query: fmt.Sprintf("s=%s&a=%s", store, address)}
	if _, err := s.sendAndAwaitAs(protocol.UpdateBegin, params, begin, 0, f); err != nil {
		return fmt.Errorf("device not ready: %v", err)
	}

	for offset := 0; offset < len(image); offset += f.chunkSize {
		end := offset + f.chunkSize
		if end > len(image) {
			end = len(image)
		}
		if err := f.sendChunk(image[offset:end], offset/f.chunkSize); err != nil {
			return err
		}
	}

	if _, err := s.sendAndAwaitAs(protocol.UpdateDone, protocol.Params{}, nil, 0, f); err != nil {
		return fmt.Errorf("no ack for update done: %v", err)
	}

	log.Info().
		Str("connection", s.connectionKey).
		Str("device", s.id.String()).
		Msg("flash complete")

	return nil
}

// sendChunk transmits one window and waits for a matching device CRC,
// retransmitting the same window on mismatch or timeout up to the retry
// bound.
func (f *Flasher) sendChunk(chunk []byte, index int) error {
	s := f.session
	crc := crc32.ChecksumIEEE(chunk)
	params := protocol.Params{Query: fmt.Sprintf("crc=%08x", crc)}

	for attempt := 0; attempt <= f.retries; attempt++ {
		resp, err := s.sendAndAwaitAs(protocol.Chunk, params, chunk, f.chunkTimeout(), f)
		if err == ErrDisconnected {
			return err
		}
		if err != nil {
			log.Debug().Str("connection", s.connectionKey).Int("chunk", index).
				Int("attempt", attempt).Msg("chunk ack timeout")
			continue
		}
		if len(resp.Payload) >= 4 && binary.BigEndian.Uint32(resp.Payload) == crc {
			return nil
		}
		log.Debug().Str("connection", s.connectionKey).Int("chunk", index).
			Int("attempt", attempt).Msg("chunk crc mismatch")
	}

	return fmt.Errorf("chunk %d failed CRC check", index)
}

func (f *Flasher) chunkTimeout() time.Duration {
	return f.session.cfg.ListenerTimeout
}
