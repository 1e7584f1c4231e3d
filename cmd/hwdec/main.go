package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hwdec/internal/certs"
	"github.com/zsiec/hwdec/internal/codec"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/hw/sim"
	"github.com/zsiec/hwdec/internal/ingest"
	srtingest "github.com/zsiec/hwdec/internal/ingest/srt"
	"github.com/zsiec/hwdec/internal/mpegts"
	"github.com/zsiec/hwdec/internal/player"
	"github.com/zsiec/hwdec/internal/statsapi"
)

var version = "dev"

// fileStreamKey names the stream read from INPUT.
const fileStreamKey = "input"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}

	input := os.Getenv("INPUT")
	srtAddr := os.Getenv("SRT_ADDR")
	apiAddr := envOr("API_ADDR", ":4445")

	dec, simCfg := decoderConfig()
	a := &app{
		decoder: dec,
		sim:     simCfg,
		players: make(map[string]*player.Player),
		ended:   make(map[string]chan struct{}),
	}

	slog.Info("hwdec starting",
		"version", version,
		"input", input,
		"srt", srtAddr,
		"api", apiAddr,
		"hw_decode", a.decoder.Policy.HardwareDecode(),
		"deinterlace", a.decoder.Policy.Deinterlace(),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	// Built after the errgroup so streams stop when any component fails.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader) {
		a.handleNewStream(ctx, key, input)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	api, err := statsapi.NewServer(statsapi.Config{
		Addr:    apiAddr,
		Cert:    cert,
		Players: a.listPlayers,
		Ingest:  a.registry.List,
		SRTPull: func(req srtingest.PullRequest) error {
			return a.srtCaller.Pull(ctx, req)
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.srtCaller.ActivePulls,
	})
	if err != nil {
		slog.Error("failed to create stats API", "error", err)
		os.Exit(1)
	}

	// A file input ends the run once it has played out, unless SRT ingest
	// keeps the process serving.
	runCtx, finish := context.WithCancel(ctx)
	defer finish()

	g.Go(func() error {
		return api.Start(runCtx)
	})
	if srtAddr != "" {
		srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)
		g.Go(func() error {
			return srtSrv.Start(runCtx)
		})
	}
	if input != "" {
		g.Go(func() error {
			err := a.playInput(runCtx, input)
			if srtAddr == "" {
				finish()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("hwdec error", "error", err)
		os.Exit(1)
	}
}

// decoderConfig builds the decoder settings shared by every stream from
// the environment, along with the settings of the simulated hardware that
// stands in for the real decoder.
func decoderConfig() (decoder.Config, sim.Config) {
	reorder, _ := strconv.Atoi(os.Getenv("SIM_REORDER"))
	timeout, err := time.ParseDuration(envOr("INPUT_TIMEOUT", "500ms"))
	if err != nil {
		slog.Warn("invalid INPUT_TIMEOUT, using default", "value", os.Getenv("INPUT_TIMEOUT"), "error", err)
		timeout = 0
	}
	return decoder.Config{
		Policy: codec.StaticPolicy{
			Enabled: envOr("HW_DECODE", "1") != "0",
			Mode:    codec.ParseDeinterlaceMode(os.Getenv("DEINTERLACE")),
		},
		Caps:         codec.ParseCapabilities(os.Getenv("HW_CAPS")),
		InputTimeout: timeout,
	}, sim.Config{ReorderDepth: reorder}
}

type app struct {
	decoder   decoder.Config
	sim       sim.Config
	registry  *ingest.Registry
	srtCaller *srtingest.Caller

	mu      sync.Mutex
	players map[string]*player.Player
	ended   map[string]chan struct{}
}

// streamDecoder returns the decoder settings for one stream. Each stream
// gets its own simulated driver, so its components go away with it.
func (a *app) streamDecoder() decoder.Config {
	cfg := a.decoder
	cfg.Driver = sim.NewDriver(a.sim)
	return cfg
}

// playInput pumps a file, or stdin for "-", into the registry and waits
// for its player to finish.
func (a *app) playInput(ctx context.Context, path string) error {
	src, kind := io.Reader(os.Stdin), ingest.SourceStdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		src, kind = f, ingest.SourceFile
	}

	ended := a.expect(fileStreamKey)
	stats, err := a.registry.Pump(ctx, fileStreamKey, kind, src, path)
	if err != nil {
		return err
	}
	slog.Info("input read", "path", path, "bytes", stats.BytesReceived, "uptime_ms", stats.UptimeMs)

	select {
	case <-ended:
	case <-ctx.Done():
	}
	return nil
}

// expect returns a channel closed when the stream under key has ended.
func (a *app) expect(key string) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.ended[key] = ch
	return ch
}

func (a *app) listPlayers() []player.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]player.Snapshot, 0, len(a.players))
	for _, p := range a.players {
		out = append(out, p.Snapshot())
	}
	return out
}

// handleNewStream demuxes and plays one ingest stream until it ends.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader) {
	log := slog.With("stream", key)
	log.Info("new stream from ingest")

	p := player.New(player.Config{
		Key:       key,
		Decoder:   a.streamDecoder(),
		Presenter: logPresenter(log),
		Captions:  true,
	})
	a.mu.Lock()
	a.players[key] = p
	a.mu.Unlock()
	defer a.teardownStream(key)

	units := make(chan mpegts.AccessUnit, 8)
	reader := mpegts.NewReader(input, nil)

	g, gctx := errgroup.WithContext(ctx)
	// Closing the input unblocks both the reader and the ingest writer when
	// playback stops first.
	if c, ok := input.(io.Closer); ok {
		stop := context.AfterFunc(gctx, func() { c.Close() })
		defer stop()
		defer c.Close()
	}
	g.Go(func() error { return reader.Run(gctx, units) })
	g.Go(func() error { return p.Run(gctx, units) })

	err := g.Wait()
	switch {
	case err == nil || ctx.Err() != nil:
	case player.IsDecoderUnavailable(err):
		log.Warn("stream cannot be hardware decoded", "error", err)
	default:
		log.Error("stream failed", "error", err)
	}

	snap := p.Snapshot()
	rs := reader.Stats()
	log.Info("stream ended",
		"access_units", snap.AccessUnits,
		"presented", snap.Presented,
		"dropped", snap.Dropped,
		"captions", snap.Captions,
		"cc_errors", rs.CCErrors,
	)
}

func (a *app) teardownStream(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.players, key)
	if ch, ok := a.ended[key]; ok {
		close(ch)
		delete(a.ended, key)
	}
}

func logPresenter(log *slog.Logger) player.Presenter {
	return player.PresenterFunc(func(f *player.Frame) {
		log.Debug("picture",
			"pts", f.Picture.PTS,
			"width", f.Picture.Width,
			"height", f.Picture.Height,
			"display_width", f.Picture.DisplayWidth,
			"display_height", f.Picture.DisplayHeight,
		)
		for _, c := range f.Captions {
			log.Info("caption", "channel", c.Channel, "text", c.Text)
		}
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
