package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"

	"Resona/config"
	"Resona/core/node"
	"Resona/model"
)

const testGuild = snowflake.ID(81384788765712384)

// patchBody mirrors the update-player JSON loosely enough to tell an
// omitted track apart from an explicit "encoded": null stop.
type patchBody struct {
	Track *struct {
		Encoded *string `json:"encoded"`
	} `json:"track"`
	Position *int64            `json:"position"`
	Volume   *int              `json:"volume"`
	Paused   *bool             `json:"paused"`
	Filters  json.RawMessage   `json:"filters"`
	Voice    *model.VoiceState `json:"voice"`
}

type playerPatch struct {
	guild     string
	noReplace bool
	body      patchBody
}

// fakeLavalink answers the websocket handshake with a ready frame and
// records every player mutation the client sends.
type fakeLavalink struct {
	sessionID string
	upgrader  websocket.Upgrader
	patches   chan playerPatch
	deletes   chan string
}

func newFakeLavalink(sessionID string) *fakeLavalink {
	return &fakeLavalink{
		sessionID: sessionID,
		patches:   make(chan playerPatch, 32),
		deletes:   make(chan string, 8),
	}
}

func (f *fakeLavalink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v4/websocket":
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ready := fmt.Sprintf(`{"op":"ready","resumed":false,"sessionId":%q}`, f.sessionID)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ready)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}

	case strings.Contains(r.URL.Path, "/players/"):
		guild := path.Base(r.URL.Path)
		switch r.Method {
		case http.MethodPatch:
			var body patchBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.patches <- playerPatch{
				guild:     guild,
				noReplace: r.URL.Query().Get("noReplace") == "true",
				body:      body,
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"guildId":%q,"volume":100,"paused":false,"state":{"time":0,"position":0,"connected":false,"ping":-1},"voice":{"token":"","endpoint":"","sessionId":""}}`, guild)
		case http.MethodDelete:
			f.deletes <- guild
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}

	case strings.HasPrefix(r.URL.Path, "/v4/sessions/") && r.Method == http.MethodPatch:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"resuming":true,"timeout":60}`)

	default:
		http.NotFound(w, r)
	}
}

type noopRouter struct {
	ready chan string
}

func (r *noopRouter) RouteMessage(n *node.Node, msg model.Message) {}
func (r *noopRouter) NodeReady(n *node.Node, resumed bool) {
	select {
	case r.ready <- n.Name():
	default:
	}
}
func (r *noopRouter) NodeDown(n *node.Node, err error)   {}
func (r *noopRouter) NodeFailed(n *node.Node, err error) {}

type voiceCall struct {
	guildID   snowflake.ID
	channelID *snowflake.ID
	mute      bool
	deaf      bool
}

type hostRecorder struct {
	mu       sync.Mutex
	voiceErr error

	events  chan model.Event
	voice   chan voiceCall
	rebinds chan string
}

func newHostRecorder() *hostRecorder {
	return &hostRecorder{
		events:  make(chan model.Event, 64),
		voice:   make(chan voiceCall, 8),
		rebinds: make(chan string, 8),
	}
}

func (h *hostRecorder) Emit(ev model.Event) { h.events <- ev }

func (h *hostRecorder) UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, mute, deaf bool) error {
	h.voice <- voiceCall{guildID: guildID, channelID: channelID, mute: mute, deaf: deaf}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.voiceErr
}

func (h *hostRecorder) RequestRebind(guildID snowflake.ID, exclude string) {
	select {
	case h.rebinds <- exclude:
	default:
	}
}

type harness struct {
	t    *testing.T
	cfg  *config.Config
	nreg *node.Registry
	preg *Registry
	host *hostRecorder

	router *noopRouter
	fakes  map[string]*fakeLavalink
	srvs   []*httptest.Server
}

func testPlayerConfig() *config.Config {
	return &config.Config{
		UserID:             "81384788765712384",
		WSReadTimeout:      5 * time.Second,
		WSHandshakeTimeout: 2 * time.Second,
		ReconnectAttempts:  3,
		BackoffBase:        10 * time.Millisecond,
		BackoffCap:         50 * time.Millisecond,
		RestTimeout:        2 * time.Second,
		RestRate:           200,
		RestBurst:          200,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	host := newHostRecorder()
	router := &noopRouter{ready: make(chan string, 8)}
	h := &harness{
		t:      t,
		cfg:    cfg,
		nreg:   node.NewRegistry(cfg, router),
		preg:   NewRegistry(cfg, host),
		host:   host,
		router: router,
		fakes:  make(map[string]*fakeLavalink),
	}
	h.nreg.Start()
	t.Cleanup(func() {
		h.preg.Close(context.Background())
		h.nreg.Close()
		for _, srv := range h.srvs {
			srv.Close()
		}
	})
	return h
}

// addNode spins up a fake node and waits for its session to come up.
func (h *harness) addNode(name, sessionID string) *node.Node {
	h.t.Helper()
	fake := newFakeLavalink(sessionID)
	srv := httptest.NewServer(fake)
	h.srvs = append(h.srvs, srv)

	u, err := url.Parse(srv.URL)
	if err != nil {
		h.t.Fatalf("parse server url: %v", err)
	}
	hostPart, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		h.t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		h.t.Fatalf("parse port: %v", err)
	}

	n, err := h.nreg.AddNode(config.NodeConfig{Name: name, Host: hostPart, Port: port, Password: "hunter2"})
	if err != nil {
		h.t.Fatalf("AddNode(%s) error = %v", name, err)
	}
	h.fakes[name] = fake

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ready := <-h.router.ready:
			if ready == name {
				return n
			}
		case <-deadline:
			h.t.Fatalf("node %s never became ready", name)
		}
	}
}

func (h *harness) awaitPatch(name string) playerPatch {
	h.t.Helper()
	select {
	case p := <-h.fakes[name].patches:
		return p
	case <-time.After(3 * time.Second):
		h.t.Fatalf("timed out waiting for player patch on %s", name)
		return playerPatch{}
	}
}

func (h *harness) awaitDelete(name string) string {
	h.t.Helper()
	select {
	case g := <-h.fakes[name].deletes:
		return g
	case <-time.After(3 * time.Second):
		h.t.Fatalf("timed out waiting for player delete on %s", name)
		return ""
	}
}

func awaitEvent(t *testing.T, h *hostRecorder, name string) model.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.EventName() == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
			return nil
		}
	}
}

func awaitState(t *testing.T, p *Player, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", p.State(), want)
}

func testTrack(id string, length int64) model.Track {
	return model.Track{
		Encoded: "enc-" + id,
		Info: model.TrackInfo{
			Identifier: id,
			IsSeekable: true,
			Author:     "author",
			Length:     length,
			Title:      "title-" + id,
			SourceName: "http",
		},
	}
}

func streamTrack(id string) model.Track {
	tr := testTrack(id, 0)
	tr.Info.IsSeekable = false
	tr.Info.IsStream = true
	return tr
}

// TestPlayerPlayFlow tests the Idle -> Loading -> Playing path and that the
// play request carries the encoded track with the pause flag reset.
func TestPlayerPlayFlow(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	if got := p.State(); got != StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if got := p.State(); got != StateLoading {
		t.Errorf("state after Play = %v, want loading", got)
	}

	patch := h.awaitPatch("alpha")
	if patch.guild != testGuild.String() {
		t.Errorf("patch guild = %q, want %s", patch.guild, testGuild)
	}
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-a" {
		t.Errorf("patch track = %+v, want enc-a", patch.body.Track)
	}
	if patch.body.Paused == nil || *patch.body.Paused {
		t.Errorf("patch paused = %v, want explicit false", patch.body.Paused)
	}

	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	ev := awaitEvent(t, h.host, "TrackStart")
	if start := ev.(*model.TrackStartEvent); start.Track.Encoded != "enc-a" {
		t.Errorf("TrackStart track = %q", start.Track.Encoded)
	}
	awaitState(t, p, StatePlaying)
	if cur := p.Current(); cur == nil || cur.Encoded != "enc-a" {
		t.Errorf("Current() = %+v, want enc-a", cur)
	}
}

// TestPlayerQueueAdvance tests finish-driven advancement and the queue-end
// transition back to idle.
func TestPlayerQueueAdvance(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	trackA := testTrack("a", 180000)
	trackB := testTrack("b", 200000)

	if err := p.Enqueue(ctx, trackA, trackB); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := p.Play(ctx, nil); err != nil {
		t.Fatalf("Play(nil) error = %v", err)
	}
	h.awaitPatch("alpha") // play A
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)

	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackA, Reason: model.TrackEndFinished})

	patch := h.awaitPatch("alpha") // play B
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-b" {
		t.Fatalf("advance patch = %+v, want enc-b", patch.body.Track)
	}
	awaitEvent(t, h.host, "TrackEnd")
	next := awaitEvent(t, h.host, "QueueNext").(*model.QueueNextEvent)
	if next.Track.Encoded != "enc-b" || next.OldTrack.Encoded != "enc-a" {
		t.Errorf("QueueNext = %q after %q", next.Track.Encoded, next.OldTrack.Encoded)
	}

	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackB})
	awaitState(t, p, StatePlaying)
	if got := p.Snapshot().QueueLen; got != 0 {
		t.Errorf("QueueLen = %d, want 0", got)
	}

	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackB, Reason: model.TrackEndFinished})
	end := awaitEvent(t, h.host, "QueueEnd").(*model.QueueEndEvent)
	if end.LastTrack.Encoded != "enc-b" {
		t.Errorf("QueueEnd last track = %q, want enc-b", end.LastTrack.Encoded)
	}
	awaitState(t, p, StateIdle)
}

// TestPlayerLoadFailedAdvances tests that a load failure surfaces exactly
// one recoverable error and still advances the queue.
func TestPlayerLoadFailedAdvances(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)

	if err := p.Enqueue(ctx, testTrack("b", 1000), testTrack("c", 1000)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackA, Reason: model.TrackEndLoadFailed})

	patch := h.awaitPatch("alpha")
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-b" {
		t.Fatalf("advance patch = %+v, want enc-b", patch.body.Track)
	}

	perr := awaitEvent(t, h.host, "PlaybackError").(*model.PlaybackErrorEvent)
	if perr.Track == nil || perr.Track.Encoded != "enc-a" {
		t.Errorf("PlaybackError track = %+v, want enc-a", perr.Track)
	}
	if got := p.Snapshot().QueueLen; got != 1 {
		t.Errorf("QueueLen = %d, want 1", got)
	}

	// Exactly one error event for the failure.
	select {
	case ev := <-h.host.events:
		if ev.EventName() == "PlaybackError" {
			t.Errorf("second PlaybackError event: %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// TestPlayerLoopModes tests track replay and queue wrap-around advancement.
func TestPlayerLoopModes(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	trackA := testTrack("a", 180000)
	trackB := testTrack("b", 200000)

	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)
	if err := p.Enqueue(ctx, trackB); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := p.SetLoop(ctx, LoopTrack); err != nil {
		t.Fatalf("SetLoop(track) error = %v", err)
	}
	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackA, Reason: model.TrackEndFinished})
	patch := h.awaitPatch("alpha")
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-a" {
		t.Fatalf("track loop patch = %+v, want enc-a replay", patch.body.Track)
	}
	if got := p.Snapshot().QueueLen; got != 1 {
		t.Errorf("QueueLen = %d under track loop, want 1", got)
	}
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)

	if err := p.SetLoop(ctx, LoopQueue); err != nil {
		t.Fatalf("SetLoop(queue) error = %v", err)
	}
	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackA, Reason: model.TrackEndFinished})
	patch = h.awaitPatch("alpha")
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-b" {
		t.Fatalf("queue loop patch = %+v, want enc-b", patch.body.Track)
	}
	// A went back to the tail.
	tracks, err := p.Tracks(ctx)
	if err != nil {
		t.Fatalf("Tracks() error = %v", err)
	}
	if len(tracks) != 1 || tracks[0].Encoded != "enc-a" {
		t.Errorf("queue after wrap = %+v, want [enc-a]", tracks)
	}
}

// TestPlayerSkip tests the stop request and loop-aware advancement on the
// resulting end event.
func TestPlayerSkip(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	if err := p.Skip(ctx); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("Skip() with nothing playing error = %v, want ErrNothingPlaying", err)
	}

	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)
	if err := p.Enqueue(ctx, testTrack("b", 1000)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := p.Skip(ctx); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	patch := h.awaitPatch("alpha")
	if patch.body.Track == nil || patch.body.Track.Encoded != nil {
		t.Fatalf("skip patch = %+v, want explicit encoded null", patch.body.Track)
	}

	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackA, Reason: model.TrackEndStopped})
	patch = h.awaitPatch("alpha")
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-b" {
		t.Fatalf("post-skip patch = %+v, want enc-b", patch.body.Track)
	}
}

// TestPlayerReplacedSuppression tests that a replace we initiated does not
// advance the queue, while a node-side replace does.
func TestPlayerReplacedSuppression(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	trackA := testTrack("a", 180000)
	trackB := testTrack("b", 200000)
	trackC := testTrack("c", 90000)

	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play(a) error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)
	if err := p.Enqueue(ctx, trackC); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Our own replace: end(replaced) for A must not advance.
	if err := p.Play(ctx, &trackB); err != nil {
		t.Fatalf("Play(b) error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackA, Reason: model.TrackEndReplaced})
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackB})
	awaitState(t, p, StatePlaying)
	if cur := p.Current(); cur == nil || cur.Encoded != "enc-b" {
		t.Fatalf("Current() = %+v, want enc-b", cur)
	}
	if got := p.Snapshot().QueueLen; got != 1 {
		t.Fatalf("QueueLen = %d after suppressed replace, want 1", got)
	}

	// Node-side replace we did not initiate: advance to the queue head.
	p.Deliver(&model.TrackEndEvent{GuildID: testGuild, Track: trackB, Reason: model.TrackEndReplaced})
	patch := h.awaitPatch("alpha")
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-c" {
		t.Fatalf("node-side replace patch = %+v, want enc-c", patch.body.Track)
	}
}

// TestPlayerControls tests pause, seek clamping, volume clamping and
// filter forwarding.
func TestPlayerControls(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)

	if err := p.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused(true) error = %v", err)
	}
	patch := h.awaitPatch("alpha")
	if patch.body.Paused == nil || !*patch.body.Paused {
		t.Errorf("pause patch = %+v", patch.body.Paused)
	}
	if got := p.State(); got != StatePaused {
		t.Errorf("state = %v, want paused", got)
	}

	if err := p.SetPaused(ctx, false); err != nil {
		t.Fatalf("SetPaused(false) error = %v", err)
	}
	h.awaitPatch("alpha")
	if got := p.State(); got != StatePlaying {
		t.Errorf("state = %v, want playing", got)
	}

	if err := p.Seek(ctx, 200*time.Second); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	patch = h.awaitPatch("alpha")
	if patch.body.Position == nil || *patch.body.Position != 180000 {
		t.Errorf("seek patch position = %v, want clamp to 180000", patch.body.Position)
	}

	if err := p.Seek(ctx, -5*time.Second); err != nil {
		t.Fatalf("Seek(-5s) error = %v", err)
	}
	patch = h.awaitPatch("alpha")
	if patch.body.Position == nil || *patch.body.Position != 0 {
		t.Errorf("seek patch position = %v, want clamp to 0", patch.body.Position)
	}

	if err := p.SetVolume(ctx, 1500); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	patch = h.awaitPatch("alpha")
	if patch.body.Volume == nil || *patch.body.Volume != 1000 {
		t.Errorf("volume patch = %v, want clamp to 1000", patch.body.Volume)
	}
	if got := p.Snapshot().Volume; got != 1000 {
		t.Errorf("snapshot volume = %d, want 1000", got)
	}

	filters := json.RawMessage(`{"timescale":{"speed":1.25}}`)
	if err := p.SetFilters(ctx, filters); err != nil {
		t.Fatalf("SetFilters() error = %v", err)
	}
	patch = h.awaitPatch("alpha")
	if string(patch.body.Filters) != string(filters) {
		t.Errorf("filters patch = %s, want %s", patch.body.Filters, filters)
	}
}

// TestPlayerSeekStream tests that streams refuse to seek.
func TestPlayerSeekStream(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	live := streamTrack("live")
	if err := p.Play(ctx, &live); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")

	if err := p.Seek(ctx, 10*time.Second); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("Seek() on stream error = %v, want ErrNotSeekable", err)
	}
}

// TestPlayerDestroy tests the terminal transition: remote delete, command
// refusal, event drop and registry removal.
func TestPlayerDestroy(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")

	if err := p.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if got := h.awaitDelete("alpha"); got != testGuild.String() {
		t.Errorf("delete guild = %q, want %s", got, testGuild)
	}
	if got := p.State(); got != StateDestroyed {
		t.Errorf("state = %v, want destroyed", got)
	}
	if _, ok := h.preg.Get(testGuild); ok {
		t.Errorf("destroyed player still registered")
	}
	if got := n.Snapshot().Players; got != 0 {
		t.Errorf("node player count = %d, want 0", got)
	}

	if err := p.Play(ctx, &trackA); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Play() after destroy error = %v, want ErrDestroyed", err)
	}

	// Late events for the guild drop without effect.
	h.preg.Deliver(testGuild, &model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	select {
	case ev := <-h.host.events:
		t.Errorf("event emitted after destroy: %s", ev.EventName())
	case <-time.After(200 * time.Millisecond):
	}
}

// TestPlayerVoicePlumbing tests connect/disconnect gateway calls and the
// credential forward to the node.
func TestPlayerVoicePlumbing(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	channel := snowflake.ID(99887766)
	if err := p.Connect(ctx, channel, false, true); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	call := <-h.host.voice
	if call.channelID == nil || *call.channelID != channel {
		t.Errorf("voice call channel = %v, want %s", call.channelID, channel)
	}
	if call.mute || !call.deaf {
		t.Errorf("voice call mute=%v deaf=%v, want false/true", call.mute, call.deaf)
	}

	vs := model.VoiceState{Token: "tok", Endpoint: "us-west.discord.media", SessionID: "vsess"}
	if err := p.UpdateVoice(ctx, vs); err != nil {
		t.Fatalf("UpdateVoice() error = %v", err)
	}
	patch := h.awaitPatch("alpha")
	if patch.body.Voice == nil || *patch.body.Voice != vs {
		t.Errorf("voice patch = %+v, want %+v", patch.body.Voice, vs)
	}

	if err := p.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	call = <-h.host.voice
	if call.channelID != nil {
		t.Errorf("disconnect voice call channel = %v, want nil", call.channelID)
	}
}

// TestPlayerVoiceLossRequestsRebind tests the sustained-disconnect grace
// window.
func TestPlayerVoiceLossRequestsRebind(t *testing.T) {
	cfg := testPlayerConfig()
	cfg.VoiceLossGrace = 120 * time.Millisecond
	h := newHarness(t, cfg)
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)
	ctx := context.Background()

	if err := p.Connect(ctx, snowflake.ID(1234), false, false); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-h.host.voice

	p.Deliver(&model.PlayerUpdateMessage{GuildID: testGuild, State: model.PlayerState{Connected: true, Ping: 12}})
	awaitEvent(t, h.host, "PlayerUpdate")

	// A short blip inside the grace window must not trigger a rebind.
	p.Deliver(&model.PlayerUpdateMessage{GuildID: testGuild, State: model.PlayerState{Connected: false, Ping: -1}})
	p.Deliver(&model.PlayerUpdateMessage{GuildID: testGuild, State: model.PlayerState{Connected: true, Ping: 15}})
	select {
	case exclude := <-h.host.rebinds:
		t.Fatalf("rebind requested during blip, exclude=%q", exclude)
	case <-time.After(250 * time.Millisecond):
	}

	p.Deliver(&model.PlayerUpdateMessage{GuildID: testGuild, State: model.PlayerState{Connected: false, Ping: -1}})
	select {
	case exclude := <-h.host.rebinds:
		if exclude != "alpha" {
			t.Errorf("rebind exclude = %q, want alpha", exclude)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for rebind request")
	}
}

// TestPlayerRebind tests that a rebind replays the full player state on the
// new node and cleans up the old one.
func TestPlayerRebind(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	alpha := h.addNode("alpha", "sess-a")
	beta := h.addNode("beta", "sess-b")
	p := h.preg.Create(testGuild, alpha)
	ctx := context.Background()

	vs := model.VoiceState{Token: "tok", Endpoint: "ep", SessionID: "vsess"}
	if err := p.UpdateVoice(ctx, vs); err != nil {
		t.Fatalf("UpdateVoice() error = %v", err)
	}
	h.awaitPatch("alpha")

	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)

	if err := p.SetVolume(ctx, 250); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	h.awaitPatch("alpha")
	if err := p.Enqueue(ctx, testTrack("b", 1000)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	p.Deliver(&model.PlayerUpdateMessage{GuildID: testGuild, State: model.PlayerState{Position: 42000, Connected: true, Ping: 10}})
	awaitEvent(t, h.host, "PlayerUpdate")

	if err := p.Rebind(ctx, beta); err != nil {
		t.Fatalf("Rebind() error = %v", err)
	}

	patch := h.awaitPatch("beta")
	if patch.body.Track == nil || patch.body.Track.Encoded == nil || *patch.body.Track.Encoded != "enc-a" {
		t.Errorf("rebind patch track = %+v, want enc-a", patch.body.Track)
	}
	if patch.body.Position == nil || *patch.body.Position != 42000 {
		t.Errorf("rebind patch position = %v, want 42000", patch.body.Position)
	}
	if patch.body.Volume == nil || *patch.body.Volume != 250 {
		t.Errorf("rebind patch volume = %v, want 250", patch.body.Volume)
	}
	if patch.body.Voice == nil || *patch.body.Voice != vs {
		t.Errorf("rebind patch voice = %+v, want %+v", patch.body.Voice, vs)
	}

	if got := h.awaitDelete("alpha"); got != testGuild.String() {
		t.Errorf("stale delete guild = %q, want %s", got, testGuild)
	}
	if got := p.Node().Name(); got != "beta" {
		t.Errorf("bound node = %q, want beta", got)
	}
	if got := p.Snapshot().QueueLen; got != 1 {
		t.Errorf("QueueLen = %d after rebind, want 1", got)
	}
	if cur := p.Current(); cur == nil || cur.Encoded != "enc-a" {
		t.Errorf("Current() = %+v, want enc-a preserved", cur)
	}
	awaitState(t, p, StateLoading)

	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)
}

// TestRegistryRebindAll tests failover of every player on a dead node and
// the no-target error path.
func TestRegistryRebindAll(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	alpha := h.addNode("alpha", "sess-a")
	beta := h.addNode("beta", "sess-b")
	ctx := context.Background()

	p := h.preg.Create(testGuild, alpha)
	trackA := testTrack("a", 180000)
	if err := p.Play(ctx, &trackA); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.awaitPatch("alpha")
	p.Deliver(&model.TrackStartEvent{GuildID: testGuild, Track: trackA})
	awaitState(t, p, StatePlaying)
	if err := p.Enqueue(ctx, testTrack("b", 1000)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if got := h.preg.CountForNode("alpha"); got != 1 {
		t.Errorf("CountForNode(alpha) = %d, want 1", got)
	}

	picks := 0
	h.preg.RebindAll(ctx, "alpha", func(exclude ...string) (*node.Node, error) {
		picks++
		for _, name := range exclude {
			if name == "beta" {
				t.Errorf("pick excluded the healthy node")
			}
		}
		return beta, nil
	})
	if picks != 1 {
		t.Errorf("pick called %d times, want 1", picks)
	}
	h.awaitPatch("beta")
	if got := p.Node().Name(); got != "beta" {
		t.Errorf("bound node = %q, want beta", got)
	}
	if got := p.Snapshot().QueueLen; got != 1 {
		t.Errorf("QueueLen = %d after failover, want 1", got)
	}
	if cur := p.Current(); cur == nil || cur.Encoded != "enc-a" {
		t.Errorf("Current() = %+v, want enc-a preserved", cur)
	}
	if got := h.preg.CountForNode("beta"); got != 1 {
		t.Errorf("CountForNode(beta) = %d, want 1", got)
	}

	// No target available: state kept, error surfaced, binding kept.
	h.preg.RebindAll(ctx, "beta", func(exclude ...string) (*node.Node, error) {
		return nil, node.ErrNoAvailableNode
	})
	perr := awaitEvent(t, h.host, "PlaybackError").(*model.PlaybackErrorEvent)
	if !errors.Is(perr.Err, node.ErrNoAvailableNode) {
		t.Errorf("PlaybackError err = %v, want ErrNoAvailableNode", perr.Err)
	}
	if got := p.Node().Name(); got != "beta" {
		t.Errorf("bound node = %q after failed failover, want beta", got)
	}
	if cur := p.Current(); cur == nil || cur.Encoded != "enc-a" {
		t.Errorf("Current() = %+v after failed failover, want enc-a", cur)
	}
}

// TestPlayerPlayEmptyQueue tests the queue-driven play with nothing queued.
func TestPlayerPlayEmptyQueue(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")
	p := h.preg.Create(testGuild, n)

	if err := p.Play(context.Background(), nil); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Play(nil) error = %v, want ErrQueueEmpty", err)
	}
}

// TestRegistryCreateIdempotent tests the one-live-player-per-guild rule.
func TestRegistryCreateIdempotent(t *testing.T) {
	h := newHarness(t, testPlayerConfig())
	n := h.addNode("alpha", "sess-a")

	p1 := h.preg.Create(testGuild, n)
	p2 := h.preg.Create(testGuild, n)
	if p1 != p2 {
		t.Errorf("Create returned a second player for the same guild")
	}
	if got := n.Snapshot().Players; got != 1 {
		t.Errorf("node player count = %d, want 1", got)
	}
}
