// Package ingest exposes the producer boundary over a websocket: JSON
// control frames drive the stream lifecycle, binary frames carry raw
// PCM into the renderer through the flow controller.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/audiostreamhq/pcm-renderer/internal/observability"
	"github.com/audiostreamhq/pcm-renderer/internal/pcm"
	"github.com/audiostreamhq/pcm-renderer/internal/renderer"
	"github.com/audiostreamhq/pcm-renderer/internal/streamsync"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Ingest is expected to sit behind the LAN / a reverse proxy.
		return true
	},
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 4 * 1024,
}

// ControlMessage is a JSON text frame on the ingest socket.
type ControlMessage struct {
	Event  string         `json:"event"` // start, pause, resume, stop
	Format *FormatMessage `json:"format,omitempty"`
}

// FormatMessage carries the stream format in a start event.
type FormatMessage struct {
	SampleRate   int    `json:"sampleRate"`
	BitDepth     int    `json:"bitDepth"`
	Channels     int    `json:"channels"`
	S24Alignment string `json:"s24Alignment,omitempty"` // "lsb", "msb" or empty for auto
}

// Ack is sent back after each control frame and after dropped audio.
type Ack struct {
	Event   string `json:"event"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Dropped int    `json:"dropped,omitempty"`
}

type session struct {
	id   string
	conn *websocket.Conn
	rend *renderer.Renderer
	log  zerolog.Logger
}

// HandleStreamWS returns the websocket handler feeding the renderer.
func HandleStreamWS(rend *renderer.Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log := observability.ComponentLogger("ingest")
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		s := &session{
			id:   uuid.New().String(),
			conn: conn,
			rend: rend,
		}
		s.log = observability.ComponentLogger("ingest").
			With().Str("session_id", s.id).Logger()

		observability.SessionStarted()
		defer observability.SessionEnded()

		s.log.Info().Str("remote", r.RemoteAddr).Msg("ingest session opened")
		s.run()
	}
}

func (s *session) run() {
	defer func() {
		s.rend.Stop()
		s.conn.Close()
		s.log.Info().Msg("ingest session closed")
	}()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("ingest connection error")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if !s.handleControl(data) {
				return
			}
		case websocket.BinaryMessage:
			if !s.handleAudio(data) {
				return
			}
		}
	}
}

func (s *session) handleControl(data []byte) bool {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("malformed control frame")
		s.ack(Ack{Event: "error", OK: false, Error: "malformed control frame"})
		return true
	}

	switch msg.Event {
	case "start":
		if msg.Format == nil {
			s.ack(Ack{Event: msg.Event, OK: false, Error: "start requires a format"})
			return true
		}
		f, err := msg.Format.toFormat()
		if err == nil {
			err = s.rend.Configure(f)
		}
		if err == nil {
			err = s.rend.Play()
		}
		if err != nil {
			s.log.Error().Err(err).Msg("stream start failed")
			s.ack(Ack{Event: msg.Event, OK: false, Error: err.Error()})
			return true
		}
		s.log.Info().Stringer("format", f).Msg("stream started")
		s.ack(Ack{Event: msg.Event, OK: true})

	case "pause":
		s.rend.Pause()
		s.ack(Ack{Event: msg.Event, OK: true})

	case "resume":
		s.rend.Resume()
		s.ack(Ack{Event: msg.Event, OK: true})

	case "stop":
		s.rend.Stop()
		s.ack(Ack{Event: msg.Event, OK: true})
		return false

	default:
		s.ack(Ack{Event: msg.Event, OK: false, Error: "unknown event"})
	}
	return true
}

func (s *session) handleAudio(data []byte) bool {
	n, ok := s.rend.Submit(data)
	if !ok {
		return false
	}
	if n < len(data) {
		// Backpressure gave up on the remainder; tell the sender so it
		// can pace itself.
		s.ack(Ack{Event: "audio", OK: true, Dropped: len(data) - n})
	}
	return true
}

func (s *session) ack(a Ack) {
	if err := s.conn.WriteJSON(a); err != nil {
		s.log.Debug().Err(err).Msg("ack write failed")
	}
}

func (m *FormatMessage) toFormat() (streamsync.Format, error) {
	f := streamsync.Format{
		SampleRate: m.SampleRate,
		BitDepth:   m.BitDepth,
		Channels:   m.Channels,
	}
	switch m.S24Alignment {
	case "", "auto":
		f.S24Alignment = pcm.S24AlignmentAuto
	case "lsb":
		f.S24Alignment = pcm.S24AlignmentLSB
	case "msb":
		f.S24Alignment = pcm.S24AlignmentMSB
	default:
		return f, fmt.Errorf("ingest: unknown s24 alignment %q", m.S24Alignment)
	}
	return f, f.Validate()
}
