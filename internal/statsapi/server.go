// Package statsapi serves player, decoder and ingest diagnostics as JSON
// over HTTP/3, along with SRT pull management.
package statsapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/hwdec/internal/certs"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/ingest"
	"github.com/zsiec/hwdec/internal/ingest/srt"
	"github.com/zsiec/hwdec/internal/player"
)

// PlayerLister returns a snapshot of every running player.
type PlayerLister func() []player.Snapshot

// IngestLister returns the stats of every connected input.
type IngestLister func() []ingest.Stats

// SRTPullFunc starts pulling a remote SRT stream.
type SRTPullFunc func(req srt.PullRequest) error

// SRTStopFunc stops the pull for a stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc lists the running pulls.
type SRTListFunc func() []srt.PullRequest

// Config configures a Server. Nil listers report empty lists; nil SRT
// hooks make the pull endpoints answer 501.
type Config struct {
	Addr    string
	Cert    *certs.CertInfo
	Players PlayerLister
	Ingest  IngestLister
	SRTPull SRTPullFunc
	SRTStop SRTStopFunc
	SRTList SRTListFunc
	Log     *slog.Logger
}

// Server is the HTTP/3 stats server.
type Server struct {
	config Config
	log    *slog.Logger
}

// NewServer creates a Server. Addr and Cert are required.
func NewServer(config Config) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("statsapi: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("statsapi: Addr is required")
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &Server{config: config, log: config.Log.With("component", "statsapi")}, nil
}

type decoderEntry struct {
	Key   string        `json:"key"`
	Stats decoder.Stats `json:"stats"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/player", s.handlePlayers)
	mux.HandleFunc("GET /api/player/{key}", s.handlePlayer)
	mux.HandleFunc("GET /api/decoder", s.handleDecoders)
	mux.HandleFunc("GET /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
}

// Handler returns the API as a plain http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the API over HTTP/3 and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http3.Server{
		Addr:    s.config.Addr,
		Handler: s.Handler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}

	s.log.Info("stats API listening", "addr", s.config.Addr, "cert_hash", s.config.Cert.FingerprintBase64())

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) players() []player.Snapshot {
	if s.config.Players == nil {
		return []player.Snapshot{}
	}
	snaps := s.config.Players()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

func (s *Server) handlePlayers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.players())
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	for _, snap := range s.players() {
		if snap.Key == key {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeError(w, http.StatusNotFound, "stream not found")
}

func (s *Server) handleDecoders(w http.ResponseWriter, _ *http.Request) {
	out := []decoderEntry{}
	for _, snap := range s.players() {
		if snap.Decoder != nil {
			out = append(out, decoderEntry{Key: snap.Key, Stats: *snap.Decoder})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngest(w http.ResponseWriter, _ *http.Request) {
	if s.config.Ingest == nil {
		writeJSON(w, http.StatusOK, []ingest.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Ingest())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// The pull endpoints dial arbitrary addresses; expose the API only to
// trusted operators.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []srt.PullRequest{})
		return
	}
	pulls := s.config.SRTList()
	sort.Slice(pulls, func(i, j int) bool { return pulls[i].StreamKey < pulls[j].StreamKey })
	writeJSON(w, http.StatusOK, pulls)
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req); err != nil {
		s.log.Warn("srt pull failed", "address", req.Address, "stream_key", req.StreamKey, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
