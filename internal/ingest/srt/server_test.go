package srt

import (
	"context"
	"errors"
	"strings"
	"testing"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/hwdec/internal/ingest"
)

func TestParseStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
		wantErr  bool
	}{
		{name: "bare key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live path", streamID: "/live/camera1", want: "camera1"},
		{name: "nested path kept", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name kept", streamID: "liveshow", want: "liveshow"},
		{name: "empty", streamID: "", want: defaultStreamKey},
		{name: "live only", streamID: "live/", want: defaultStreamKey},
		{name: "access control", streamID: "#!::r=camera1,m=publish", want: "camera1"},
		{name: "access control with user", streamID: "#!::u=ops,r=live/camera2", want: "camera2"},
		{name: "access control without resource", streamID: "#!::m=publish", want: defaultStreamKey},
		{name: "playback mode", streamID: "#!::r=camera1,m=request", wantErr: true},
		{name: "field without value", streamID: "#!::camera1", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseStreamID(tc.streamID)
			if tc.wantErr {
				if err == nil {
					t.Errorf("parseStreamID(%q) = %q, want error", tc.streamID, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("parseStreamID(%q) = %q, %v, want %q", tc.streamID, got, err, tc.want)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	reg := ingest.NewRegistry(nil)
	if _, _, err := reg.Register("busy", ingest.SourceSRT); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s := NewServer(":0", reg, nil)

	tests := []struct {
		streamID string
		want     srtgo.RejectReason
	}{
		{"live/cam1", 0},
		{"#!::r=cam1,m=publish", 0},
		{"live/busy", srtgo.RejXConflict},
		{"#!::r=cam1,m=request", srtgo.RejXBadMode},
		{"#!::cam1", srtgo.RejXBadRequest},
	}
	for _, tc := range tests {
		if got := s.admit(srtgo.ConnRequest{StreamID: tc.streamID}); got != tc.want {
			t.Errorf("admit(%q) = %v, want %v", tc.streamID, got, tc.want)
		}
	}
}

func TestPullValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	tests := []struct {
		req  PullRequest
		want string
	}{
		{PullRequest{StreamKey: "k"}, "address is required"},
		{PullRequest{Address: "127.0.0.1:9000"}, "streamKey is required"},
	}
	for _, tc := range tests {
		err := c.Pull(context.Background(), tc.req)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Pull(%+v): got %v, want error containing %q", tc.req, err, tc.want)
		}
	}
	if n := len(c.ActivePulls()); n != 0 {
		t.Errorf("active pulls: got %d, want 0", n)
	}
}

func TestPullReservesStreamKey(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	dialing := PullRequest{Address: "10.0.0.5:9000", StreamKey: "cam1"}
	if !c.reserve(&pull{req: dialing}) {
		t.Fatal("reserve of a free key failed")
	}

	err := c.Pull(context.Background(), PullRequest{Address: "10.0.0.6:9000", StreamKey: "cam1"})
	if err == nil || !strings.Contains(err.Error(), "already being pulled") {
		t.Errorf("second pull: got %v, want already being pulled", err)
	}
	if err := c.Stop("cam1"); err == nil || !strings.Contains(err.Error(), "still dialing") {
		t.Errorf("stop while dialing: got %v", err)
	}
	if pulls := c.ActivePulls(); len(pulls) != 1 || pulls[0] != dialing {
		t.Errorf("active pulls: got %+v, want [%+v]", pulls, dialing)
	}

	c.forget("cam1")
	if n := len(c.ActivePulls()); n != 0 {
		t.Errorf("active pulls after forget: got %d, want 0", n)
	}
}

func TestPullCancelledWhileDialing(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// TEST-NET-1 never answers, so the cancelled context decides.
	err := c.Pull(ctx, PullRequest{Address: "192.0.2.1:9000", StreamKey: "cam1"})
	if err == nil {
		t.Fatal("Pull with a cancelled context should fail")
	}
	if !errors.Is(err, context.Canceled) && !strings.Contains(err.Error(), "dial") {
		t.Errorf("got %v, want context.Canceled or a dial error", err)
	}
	if n := len(c.ActivePulls()); n != 0 {
		t.Errorf("active pulls: got %d, want 0", n)
	}
}

func TestStopUnknownPull(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if err := c.Stop("missing"); err == nil {
		t.Error("Stop of an unknown key should fail")
	}
}
