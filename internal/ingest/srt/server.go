package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/hwdec/internal/ingest"
)

// latency is the receive delay negotiated with every peer.
const latency = 120 * time.Millisecond

// defaultStreamKey names a publisher that sent no key of its own.
const defaultStreamKey = "default"

var errBadMode = errors.New("srt: stream id asks for playback, only publishing is accepted")

func newConfig(streamID string) srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = streamID
	return cfg
}

// Server listens for SRT publishers. Each accepted connection becomes an
// ingest stream under the key carried in its stream id.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer returns a Server for addr. A nil log uses slog.Default().
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-listener"),
		addr:     addr,
		registry: registry,
	}
}

// Start serves publishers until ctx is cancelled. Only a listen failure is
// returned as an error.
func (s *Server) Start(ctx context.Context) error {
	l, err := srtgo.Listen(s.addr, newConfig(""))
	if err != nil {
		return fmt.Errorf("srt: listen %s: %w", s.addr, err)
	}
	l.SetAcceptRejectFunc(s.admit)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	s.log.Info("accepting publishers", "addr", s.addr, "latency", latency)

	for {
		conn, err := l.Accept()
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if err != nil {
			s.log.Warn("handshake failed", "error", err)
			continue
		}
		key, _ := parseStreamID(conn.StreamID())
		go func() {
			defer conn.Close()
			pump(ctx, s.registry, s.log, key, ingest.SourceSRT, conn)
		}()
	}
}

// admit vets a handshake before the connection is set up. Publishers need a
// well-formed stream id and a key no other input is using.
func (s *Server) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	key, err := parseStreamID(req.StreamID)
	switch {
	case errors.Is(err, errBadMode):
		s.log.Debug("rejecting player", "stream_id", req.StreamID, "remote", req.RemoteAddr)
		return srtgo.RejXBadMode
	case err != nil:
		s.log.Debug("rejecting malformed stream id", "stream_id", req.StreamID, "error", err)
		return srtgo.RejXBadRequest
	}
	if _, busy := s.registry.Get(key); busy {
		s.log.Info("rejecting publisher, key in use", "stream_key", key, "remote", req.RemoteAddr)
		return srtgo.RejXConflict
	}
	return 0
}

// parseStreamID maps an SRT stream id to an ingest key. Both the access
// control form "#!::r=cam1,m=publish" and plain paths such as "/live/cam1"
// are understood; an empty id maps to the default key.
func parseStreamID(id string) (string, error) {
	if rest, ok := strings.CutPrefix(id, "#!::"); ok {
		var key string
		for _, field := range strings.Split(rest, ",") {
			name, value, ok := strings.Cut(field, "=")
			if !ok {
				return "", fmt.Errorf("srt: stream id field %q has no value", field)
			}
			switch name {
			case "r":
				key = value
			case "m":
				if value != "publish" {
					return "", errBadMode
				}
			}
		}
		id = key
	}
	id = strings.TrimPrefix(id, "/")
	id = strings.TrimPrefix(id, "live/")
	if id == "" {
		return defaultStreamKey, nil
	}
	return id, nil
}

// pump feeds conn into the registry under key until either side stops.
func pump(ctx context.Context, registry *ingest.Registry, log *slog.Logger, key string, kind ingest.SourceKind, conn *srtgo.Conn) {
	remote := conn.RemoteAddr().String()
	log = log.With("stream_key", key, "remote", remote)
	log.Info("transport stream started")

	stats, err := registry.Pump(ctx, key, kind, conn, remote)
	if err != nil && ctx.Err() == nil {
		log.Warn("transport stream failed", "error", err)
	}
	log.Info("transport stream ended",
		"bytes", stats.BytesReceived, "reads", stats.ReadCount, "uptime_ms", stats.UptimeMs)
}
