package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/hwdec/internal/ingest"
)

const dialTimeout = 10 * time.Second

// PullRequest names a remote SRT listener and the key its stream is
// ingested under. StreamID defaults to "live/" + StreamKey.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

func (req PullRequest) check() error {
	switch {
	case req.Address == "":
		return errors.New("srt pull: address is required")
	case req.StreamKey == "":
		return errors.New("srt pull: streamKey is required")
	}
	return nil
}

func (req PullRequest) streamID() string {
	if req.StreamID != "" {
		return req.StreamID
	}
	return "live/" + req.StreamKey
}

// pull is one running or dialing pull. cancel is nil while dialing.
type pull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller connects out to remote SRT listeners and ingests what they send.
// A stream key is reserved from the moment its dial starts, so two pulls
// can never race for the same key.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*pull
}

// NewCaller returns a Caller feeding registry. A nil log uses
// slog.Default().
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*pull),
	}
}

// Pull connects to req.Address and returns once the connection is up; the
// stream is then ingested in the background until the remote side stops,
// ctx is cancelled or Stop is called.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.check(); err != nil {
		return err
	}
	p := &pull{req: req}
	if !c.reserve(p) {
		return fmt.Errorf("srt pull: stream key %q is already being pulled", req.StreamKey)
	}

	log := c.log.With("stream_key", req.StreamKey, "address", req.Address)
	log.Info("dialing remote listener")
	conn, err := dial(ctx, req)
	if err != nil {
		c.forget(req.StreamKey)
		return err
	}

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	p.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer c.forget(req.StreamKey)
		defer cancel()
		defer conn.Close()
		pump(pullCtx, c.registry, log, req.StreamKey, ingest.SourceSRTPull, conn)
	}()
	return nil
}

// dial connects to the remote listener, giving up after dialTimeout or when
// ctx is done. A connection that completes after Pull gave up is closed.
func dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	type result struct {
		conn *srtgo.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, newConfig(req.streamID()))
		done <- result{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()
	var err error
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("srt pull: dial %s: %w", req.Address, r.err)
		}
		return r.conn, nil
	case <-timer.C:
		err = fmt.Errorf("srt pull: dial %s: no answer within %s", req.Address, dialTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	go func() {
		if r := <-done; r.conn != nil {
			r.conn.Close()
		}
	}()
	return nil, err
}

func (c *Caller) reserve(p *pull) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.pulls[p.req.StreamKey]; taken {
		return false
	}
	c.pulls[p.req.StreamKey] = p
	return true
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop ends the pull for streamKey. A pull that is still dialing cannot be
// stopped.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	p, ok := c.pulls[streamKey]
	var cancel context.CancelFunc
	if ok {
		cancel = p.cancel
	}
	c.mu.Unlock()
	switch {
	case !ok:
		return fmt.Errorf("srt pull: no pull for stream key %q", streamKey)
	case cancel == nil:
		return fmt.Errorf("srt pull: stream key %q is still dialing", streamKey)
	}
	cancel()
	return nil
}

// ActivePulls returns the requests behind every pull, dialing or running.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, p := range c.pulls {
		out = append(out, p.req)
	}
	return out
}
