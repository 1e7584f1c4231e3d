// Package ingest tracks the transport-stream sources feeding the decoder.
// Each source is published under a key and exposed to the playback pipeline
// as an io.Reader, with byte counters kept for the stats API.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ReadBufferSize is the read size used when pumping a source, 10 SRT
// payloads of 7 transport packets each.
const ReadBufferSize = 1316 * 10

// SourceKind identifies where a stream's bytes come from.
type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceStdin
	SourceSRT
	SourceSRTPull
)

func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceStdin:
		return "stdin"
	case SourceSRT:
		return "srt"
	case SourceSRTPull:
		return "srt-pull"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// ErrDuplicateKey is returned by Register when the key is already live.
var ErrDuplicateKey = errors.New("ingest: stream key already registered")

// Stats captures connection-level metrics for one source.
type Stats struct {
	Key           string `json:"key"`
	Kind          string `json:"kind"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Stream is one live source. Bytes written to its pipe by the transport
// are read by the demuxer.
type Stream struct {
	Key       string
	Kind      SourceKind
	StartedAt time.Time
	pw        *io.PipeWriter

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Kind:          s.Kind.String(),
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks live streams by key and hands each new stream's reader
// to the onStream callback, which runs on its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(key string, input io.Reader)
}

// NewRegistry creates a Registry. onStream may be nil.
func NewRegistry(onStream func(key string, input io.Reader)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key and returns it with the writer the
// transport should copy into.
func (r *Registry) Register(key string, kind SourceKind) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		Kind:      kind,
		StartedAt: time.Now(),
		pw:        pw,
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr)
	}
	return stream, pw, nil
}

// Unregister removes a stream and closes its pipe, so the reader handed to
// onStream sees EOF once the buffered bytes are consumed.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
	}
}

// Get returns the stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every live stream, sorted by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Pump registers key, copies src into the stream until src ends, the
// consumer stops reading, or ctx is done, and then unregisters it. The end
// of src is not an error.
func (r *Registry) Pump(ctx context.Context, key string, kind SourceKind, src io.Reader, remote string) (Stats, error) {
	stream, w, err := r.Register(key, kind)
	if err != nil {
		return Stats{}, err
	}
	if remote != "" {
		stream.SetRemoteAddr(remote)
	}
	defer r.Unregister(key)
	stop := context.AfterFunc(ctx, func() { stream.pw.CloseWithError(ctx.Err()) })
	defer stop()

	buf := make([]byte, ReadBufferSize)
	for ctx.Err() == nil {
		n, rerr := src.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					break
				}
				return stream.Stats(), fmt.Errorf("ingest %s: pipe write: %w", key, werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return stream.Stats(), fmt.Errorf("ingest %s: read: %w", key, rerr)
		}
	}
	return stream.Stats(), nil
}
