package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"Resona/config"
	"Resona/core/node"
	"Resona/logger"
	"Resona/model"
)

// State is the playback lifecycle of one player.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Host is the player's upward surface, implemented by the owning client.
// Emit and RequestRebind must not call back into the same player
// synchronously; RequestRebind is a hint, the host picks a target node on
// its own goroutine and calls Rebind.
type Host interface {
	Emit(event model.Event)
	UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, mute, deaf bool) error
	RequestRebind(guildID snowflake.ID, exclude string)
}

// Snapshot is a point-in-time copy of player state, safe to read from any
// goroutine.
type Snapshot struct {
	GuildID   snowflake.ID
	Node      string
	State     State
	Track     *model.Track
	Position  int64 // ms
	Ping      int64 // ms
	Connected bool
	Paused    bool
	Volume    int
	QueueLen  int
	Loop      LoopMode
	IdleSince time.Time
}

type command struct {
	fn    func() error
	reply chan error
}

// Player is the per-guild playback actor. A single goroutine owns all
// mutable state; host commands and node events funnel through it, so
// per-guild ordering is deterministic and no field needs its own lock.
type Player struct {
	guildID snowflake.ID
	cfg     *config.Config
	host    Host

	cmds   chan command
	events chan model.Event
	done   chan struct{}

	playMu     sync.Mutex
	playCancel context.CancelFunc

	onDestroy func(*Player)

	snapMu sync.RWMutex
	snap   Snapshot
	bound  *node.Node

	// 以下字段仅由 actor goroutine 访问
	n                *node.Node
	state            State
	current          *model.Track
	queue            Queue
	loop             LoopMode
	volume           int
	paused           bool
	filters          json.RawMessage
	voice            model.VoiceState
	channelID        *snowflake.ID
	position         int64
	ping             int64
	connected        bool
	disconnectedAt   time.Time
	idleSince        time.Time
	suppressReplaced int
}

// New creates a player bound to n and starts its loop. onDestroy runs
// inside the loop during the terminal transition, before later events for
// the guild start dropping.
func New(guildID snowflake.ID, n *node.Node, cfg *config.Config, host Host, onDestroy func(*Player)) *Player {
	p := &Player{
		guildID:   guildID,
		cfg:       cfg,
		host:      host,
		cmds:      make(chan command, 16),
		events:    make(chan model.Event, 128),
		done:      make(chan struct{}),
		onDestroy: onDestroy,
		n:         n,
		state:     StateIdle,
		volume:    100,
		ping:      -1,
		idleSince: time.Now(),
	}
	p.publish()
	go p.loop()
	return p
}

// GuildID returns the guild this player belongs to.
func (p *Player) GuildID() snowflake.ID {
	return p.guildID
}

// Node returns the currently bound node.
func (p *Player) Node() *node.Node {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.bound
}

// State returns the current lifecycle state.
func (p *Player) State() State {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.State
}

// Current returns a copy of the current track, nil when nothing is loaded.
func (p *Player) Current() *model.Track {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	if p.snap.Track == nil {
		return nil
	}
	t := *p.snap.Track
	return &t
}

// Snapshot returns a point-in-time copy of the player state.
func (p *Player) Snapshot() Snapshot {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap
}

// Tracks returns a copy of the queued tracks in play order.
func (p *Player) Tracks(ctx context.Context) ([]model.Track, error) {
	var out []model.Track
	err := p.exec(ctx, func() error {
		out = p.queue.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deliver hands a node message to the player loop. Events for a destroyed
// player are dropped; the registry logs that once per guild.
func (p *Player) Deliver(event model.Event) {
	select {
	case p.events <- event:
	case <-p.done:
	}
}

// Connect asks the host's voice gateway to join the channel. The voice
// credentials arrive asynchronously through the client and are forwarded
// to the node as they land.
func (p *Player) Connect(ctx context.Context, channelID snowflake.ID, mute, deaf bool) error {
	return p.exec(ctx, func() error {
		if err := p.host.UpdateVoiceState(ctx, p.guildID, &channelID, mute, deaf); err != nil {
			return err
		}
		p.channelID = &channelID
		return nil
	})
}

// Disconnect leaves the voice channel. Playback state is left as-is; the
// node reports the voice teardown on its own.
func (p *Player) Disconnect(ctx context.Context) error {
	return p.exec(ctx, func() error {
		if err := p.host.UpdateVoiceState(ctx, p.guildID, nil, false, false); err != nil {
			return err
		}
		p.channelID = nil
		p.connected = false
		p.disconnectedAt = time.Time{}
		return nil
	})
}

// UpdateVoice stores fresh voice credentials and forwards them to the node.
// Credentials arriving before the node session is ready are kept for replay.
func (p *Player) UpdateVoice(ctx context.Context, vs model.VoiceState) error {
	return p.exec(ctx, func() error {
		p.voice = vs
		sid := p.n.SessionID()
		if sid == "" {
			return nil
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		v := vs
		_, err := p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, &model.PlayerUpdate{Voice: &v}, false)
		return err
	})
}

// Play starts a track. A nil track plays the queue head; a non-nil track
// becomes the current track and leaves the queue untouched. Play resets the
// pause flag. While a Play's request is in flight a newer Play wins: the
// older request is canceled and its call returns context.Canceled.
func (p *Player) Play(ctx context.Context, track *model.Track) error {
	p.playMu.Lock()
	if p.playCancel != nil {
		p.playCancel()
	}
	playCtx, cancel := context.WithCancel(ctx)
	p.playCancel = cancel
	p.playMu.Unlock()
	defer cancel()

	return p.exec(ctx, func() error {
		if track == nil {
			head, ok := p.queue.PeekHead()
			if !ok {
				return ErrQueueEmpty
			}
			if err := p.startTrack(playCtx, &head, true); err != nil {
				return err
			}
			p.queue.PopHead()
			return nil
		}
		return p.startTrack(playCtx, track, true)
	})
}

// Enqueue appends tracks to the queue.
func (p *Player) Enqueue(ctx context.Context, tracks ...model.Track) error {
	return p.exec(ctx, func() error {
		p.queue.Enqueue(tracks...)
		return nil
	})
}

// Remove deletes and returns the queued track at index.
func (p *Player) Remove(ctx context.Context, index int) (model.Track, error) {
	var removed model.Track
	err := p.exec(ctx, func() error {
		tr, ok := p.queue.Remove(index)
		if !ok {
			return fmt.Errorf("queue index %d out of range", index)
		}
		removed = tr
		return nil
	})
	if err != nil {
		return model.Track{}, err
	}
	return removed, nil
}

// Clear drops all queued tracks and reports how many were dropped.
func (p *Player) Clear(ctx context.Context) (int, error) {
	var n int
	err := p.exec(ctx, func() error {
		n = p.queue.Clear()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Shuffle permutes the queue. While a track is active the head stays put.
func (p *Player) Shuffle(ctx context.Context) error {
	return p.exec(ctx, func() error {
		p.queue.Shuffle(p.current != nil)
		return nil
	})
}

// SetLoop switches the loop mode.
func (p *Player) SetLoop(ctx context.Context, mode LoopMode) error {
	return p.exec(ctx, func() error {
		if mode < LoopOff || mode > LoopQueue {
			return fmt.Errorf("unknown loop mode %d", mode)
		}
		p.loop = mode
		return nil
	})
}

// Skip asks the node to stop the current track. Queue advancement happens
// when the resulting end event arrives, honoring the loop mode.
func (p *Player) Skip(ctx context.Context) error {
	return p.exec(ctx, func() error {
		if p.current == nil {
			return ErrNothingPlaying
		}
		sid, err := p.sessionID()
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		update := &model.PlayerUpdate{Track: &model.PlayerUpdateTrack{Encoded: nil}}
		_, err = p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, update, false)
		return err
	})
}

// SetPaused pauses or resumes playback.
func (p *Player) SetPaused(ctx context.Context, paused bool) error {
	return p.exec(ctx, func() error {
		if p.current == nil {
			return ErrNothingPlaying
		}
		sid, err := p.sessionID()
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		v := paused
		if _, err := p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, &model.PlayerUpdate{Paused: &v}, false); err != nil {
			return err
		}
		p.paused = paused
		switch {
		case paused && p.state == StatePlaying:
			p.state = StatePaused
		case !paused && p.state == StatePaused:
			p.state = StatePlaying
		}
		return nil
	})
}

// Seek moves the play position, clamped to the track bounds. Streams and
// unseekable tracks refuse with ErrNotSeekable.
func (p *Player) Seek(ctx context.Context, pos time.Duration) error {
	return p.exec(ctx, func() error {
		if p.current == nil {
			return ErrNothingPlaying
		}
		info := p.current.Info
		if info.IsStream || !info.IsSeekable {
			return ErrNotSeekable
		}
		ms := pos.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		if ms > info.Length {
			ms = info.Length
		}
		sid, err := p.sessionID()
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		if _, err := p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, &model.PlayerUpdate{Position: &ms}, false); err != nil {
			return err
		}
		p.position = ms
		return nil
	})
}

// SetVolume sets the playback volume, clamped to 0..1000.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	return p.exec(ctx, func() error {
		if volume < 0 {
			volume = 0
		}
		if volume > 1000 {
			volume = 1000
		}
		sid, err := p.sessionID()
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		if _, err := p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, &model.PlayerUpdate{Volume: &volume}, false); err != nil {
			return err
		}
		p.volume = volume
		return nil
	})
}

// SetFilters forwards a filter payload verbatim and keeps it for replay on
// rebind.
func (p *Player) SetFilters(ctx context.Context, filters json.RawMessage) error {
	return p.exec(ctx, func() error {
		sid, err := p.sessionID()
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		if _, err := p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, &model.PlayerUpdate{Filters: filters}, false); err != nil {
			return err
		}
		p.filters = filters
		return nil
	})
}

// Destroy tears the player down: in-flight plays are canceled, the remote
// player is deleted best-effort, the player deregisters and the loop stops.
// Terminal; later commands return ErrDestroyed.
func (p *Player) Destroy(ctx context.Context) error {
	p.playMu.Lock()
	if p.playCancel != nil {
		p.playCancel()
		p.playCancel = nil
	}
	p.playMu.Unlock()

	return p.exec(ctx, func() error {
		p.destroy()
		return nil
	})
}

// Rebind moves the player to target, replaying voice credentials, the
// current track at its last known position, volume, pause flag and filters.
// Queue and loop mode are local state and survive untouched. On failure the
// player keeps its old binding and state.
func (p *Player) Rebind(ctx context.Context, target *node.Node) error {
	return p.exec(ctx, func() error {
		if target == nil {
			return errors.New("rebind: nil target node")
		}
		sid := target.SessionID()
		if sid == "" {
			return &model.NodeError{Node: target.Name(), Err: errors.New("node session not ready")}
		}

		update := &model.PlayerUpdate{}
		if p.voice.Token != "" && p.voice.Endpoint != "" && p.voice.SessionID != "" {
			v := p.voice
			update.Voice = &v
		}
		vol := p.volume
		update.Volume = &vol
		if len(p.filters) > 0 {
			update.Filters = p.filters
		}
		if p.current != nil {
			enc := p.current.Encoded
			pos := p.position
			pause := p.paused
			update.Track = &model.PlayerUpdateTrack{Encoded: &enc, UserData: p.current.UserData}
			update.Position = &pos
			update.Paused = &pause
		}

		rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
		defer cancel()
		if _, err := target.Rest().UpdatePlayer(rctx, sid, p.guildID, update, false); err != nil {
			return err
		}

		old := p.n
		if old != target {
			// 旧节点若还活着,顺手清掉遗留的远端播放器,避免双声道
			if osid := old.SessionID(); osid != "" {
				dctx, dcancel := context.WithTimeout(context.Background(), p.cfg.RestTimeout)
				if err := old.Rest().DestroyPlayer(dctx, osid, p.guildID); err != nil {
					logger.Debug("stale player delete failed",
						logger.String("guild", p.guildID.String()),
						logger.String("node", old.Name()),
						logger.ErrorField(err))
				}
				dcancel()
			}
			old.AddPlayers(-1)
			target.AddPlayers(1)
		}
		p.n = target
		p.connected = false
		p.disconnectedAt = time.Time{}
		if p.current != nil {
			p.state = StateLoading
		}
		logger.Info("player rebound",
			logger.String("guild", p.guildID.String()),
			logger.String("from", old.Name()),
			logger.String("to", target.Name()),
			logger.Bool("resumedTrack", p.current != nil))
		return nil
	})
}

// exec runs fn on the player loop and waits for its result.
func (p *Player) exec(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case p.cmds <- cmd:
	case <-p.done:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		// 销毁赶在回复之前,若命令恰好已执行则取其结果
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrDestroyed
		}
	}
}

func (p *Player) loop() {
	tick := time.Second
	if g := p.cfg.VoiceLossGrace; g > 0 && g/4 < tick {
		tick = g / 4
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-p.cmds:
			err := cmd.fn()
			p.publish()
			cmd.reply <- err
		case ev := <-p.events:
			p.handleEvent(ev)
			p.publish()
		case <-ticker.C:
			p.checkVoiceLoss()
			p.publish()
		}
		if p.state == StateDestroyed {
			p.drainCommands()
			return
		}
	}
}

func (p *Player) drainCommands() {
	for {
		select {
		case cmd := <-p.cmds:
			cmd.reply <- ErrDestroyed
		default:
			return
		}
	}
}

// publish refreshes the read-side snapshot after every loop step.
func (p *Player) publish() {
	var track *model.Track
	if p.current != nil {
		t := *p.current
		track = &t
	}
	p.snapMu.Lock()
	p.bound = p.n
	p.snap = Snapshot{
		GuildID:   p.guildID,
		Node:      p.n.Name(),
		State:     p.state,
		Track:     track,
		Position:  p.position,
		Ping:      p.ping,
		Connected: p.connected,
		Paused:    p.paused,
		Volume:    p.volume,
		QueueLen:  p.queue.Len(),
		Loop:      p.loop,
		IdleSince: p.idleSince,
	}
	p.snapMu.Unlock()
}

func (p *Player) sessionID() (string, error) {
	id := p.n.SessionID()
	if id == "" {
		return "", &model.NodeError{Node: p.n.Name(), Err: errors.New("node session not ready")}
	}
	return id, nil
}

// startTrack pushes track to the node and goes Loading. Runs in the loop.
// resetPause clears the pause flag the way an explicit play does.
func (p *Player) startTrack(ctx context.Context, track *model.Track, resetPause bool) error {
	sid, err := p.sessionID()
	if err != nil {
		return err
	}

	prevState, prevCurrent := p.state, p.current
	replacing := prevState == StateLoading || prevState == StatePlaying || prevState == StatePaused

	encoded := track.Encoded
	update := &model.PlayerUpdate{
		Track: &model.PlayerUpdateTrack{Encoded: &encoded, UserData: track.UserData},
	}
	if resetPause {
		f := false
		update.Paused = &f
	}

	p.state = StateLoading
	p.current = track
	p.position = 0

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RestTimeout)
	defer cancel()
	if _, err := p.n.Rest().UpdatePlayer(rctx, sid, p.guildID, update, false); err != nil {
		p.state = prevState
		p.current = prevCurrent
		return err
	}

	if resetPause {
		p.paused = false
	}
	if replacing {
		// 节点将为被替换的曲目发 TrackEnd(replaced),不能推进队列
		p.suppressReplaced++
	}
	return nil
}

func (p *Player) handleEvent(event model.Event) {
	if p.state == StateDestroyed {
		return
	}
	switch ev := event.(type) {
	case *model.PlayerUpdateMessage:
		was := p.connected
		p.position = ev.State.Position
		p.ping = ev.State.Ping
		p.connected = ev.State.Connected
		if ev.State.Connected {
			p.disconnectedAt = time.Time{}
		} else if was && p.disconnectedAt.IsZero() && p.channelID != nil {
			p.disconnectedAt = time.Now()
		}

	case *model.TrackStartEvent:
		if p.current == nil || p.current.Encoded == ev.Track.Encoded {
			tr := ev.Track
			p.current = &tr
			p.idleSince = time.Time{}
			if p.paused {
				p.state = StatePaused
			} else {
				p.state = StatePlaying
			}
		}
		// 与 current 不符的开始事件属于已被替换的旧曲目,忽略

	case *model.TrackEndEvent:
		locals := p.handleTrackEnd(ev)
		p.host.Emit(ev)
		for _, local := range locals {
			p.host.Emit(local)
		}
		return

	case *model.TrackExceptionEvent:
		if ev.Exception.Severity == model.SeverityFault && p.current != nil && p.current.Encoded == ev.Track.Encoded {
			// FAULT 级异常后节点不会再推进,本地强制停止避免状态卡死
			logger.Warn("fault exception, stopping locally",
				logger.String("guild", p.guildID.String()),
				logger.String("cause", ev.Exception.Cause))
			p.current = nil
			p.position = 0
			p.state = StateStopped
			p.idleSince = time.Now()
		}

	case *model.TrackStuckEvent:
		// 仅上抛,节点随后要么恢复要么发 TrackEnd

	case *model.WebSocketClosedEvent:
		if p.connected {
			p.connected = false
			if p.disconnectedAt.IsZero() && p.channelID != nil {
				p.disconnectedAt = time.Now()
			}
		}

	default:
		logger.Debug("player ignoring event",
			logger.String("guild", p.guildID.String()),
			logger.String("event", event.EventName()))
		return
	}
	p.host.Emit(event)
}

// handleTrackEnd mutates state for an end event and returns the local
// events to publish after it.
func (p *Player) handleTrackEnd(ev *model.TrackEndEvent) []model.Event {
	if ev.Reason == model.TrackEndCleanup {
		// 节点主动清理,保留队列等待宿主重新指令
		p.current = nil
		p.position = 0
		p.markIdle()
		return nil
	}
	if ev.Reason == model.TrackEndReplaced && p.suppressReplaced > 0 {
		// 本端 play 触发的替换,新曲目的 TrackStart 即将到达
		p.suppressReplaced--
		return nil
	}
	if p.current != nil && p.current.Encoded != ev.Track.Encoded {
		// 迟到的结束事件,曲目早已换过
		if p.suppressReplaced > 0 {
			p.suppressReplaced--
		}
		return nil
	}

	ended := ev.Track
	p.current = nil
	p.position = 0
	p.state = StateStopped
	p.idleSince = time.Now()

	var locals []model.Event
	if ev.Reason == model.TrackEndLoadFailed {
		locals = append(locals, &model.PlaybackErrorEvent{
			GuildID: p.guildID,
			Track:   &ended,
			Err:     errors.New("track failed to load"),
		})
	}
	return append(locals, p.advance(&ended, ev.Reason)...)
}

// advance picks and starts the next track per loop mode. Runs in the loop.
func (p *Player) advance(ended *model.Track, reason model.TrackEndReason) []model.Event {
	var next *model.Track
	if reason != model.TrackEndLoadFailed {
		switch p.loop {
		case LoopTrack:
			next = ended
		case LoopQueue:
			if ended != nil {
				p.queue.Enqueue(*ended)
			}
		}
	}
	if next == nil {
		if head, ok := p.queue.PopHead(); ok {
			next = &head
		}
	}
	if next == nil {
		p.markIdle()
		if ended != nil {
			return []model.Event{&model.QueueEndEvent{GuildID: p.guildID, LastTrack: *ended}}
		}
		return nil
	}

	var locals []model.Event
	if ended != nil {
		locals = append(locals, &model.QueueNextEvent{GuildID: p.guildID, Track: *next, OldTrack: *ended})
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RestTimeout)
	err := p.startTrack(ctx, next, false)
	cancel()
	if err != nil {
		logger.Warn("advance failed to start next track",
			logger.String("guild", p.guildID.String()),
			logger.String("title", next.Info.Title),
			logger.ErrorField(err))
		locals = append(locals, &model.PlaybackErrorEvent{GuildID: p.guildID, Track: next, Err: err})
	}
	return locals
}

func (p *Player) markIdle() {
	p.state = StateIdle
	p.idleSince = time.Now()
}

// checkVoiceLoss requests a rebind once the node has reported the voice
// connection gone for longer than the grace window.
func (p *Player) checkVoiceLoss() {
	grace := p.cfg.VoiceLossGrace
	if grace <= 0 || p.channelID == nil || p.disconnectedAt.IsZero() {
		return
	}
	if time.Since(p.disconnectedAt) < grace {
		return
	}
	logger.Warn("voice connection lost beyond grace, requesting rebind",
		logger.String("guild", p.guildID.String()),
		logger.String("node", p.n.Name()),
		logger.Duration("grace", grace))
	// 重置计时,下个宽限期后若仍未恢复会再次请求
	p.disconnectedAt = time.Now()
	p.host.RequestRebind(p.guildID, p.n.Name())
}

// destroy is the terminal transition. Runs in the loop.
func (p *Player) destroy() {
	if p.state == StateDestroyed {
		return
	}
	if sid := p.n.SessionID(); sid != "" {
		rctx, cancel := context.WithTimeout(context.Background(), p.cfg.RestTimeout)
		if err := p.n.Rest().DestroyPlayer(rctx, sid, p.guildID); err != nil {
			logger.Warn("remote player delete failed",
				logger.String("guild", p.guildID.String()),
				logger.String("node", p.n.Name()),
				logger.ErrorField(err))
		}
		cancel()
	}
	p.state = StateDestroyed
	p.current = nil
	p.queue.Clear()
	if p.onDestroy != nil {
		p.onDestroy(p)
	}
	close(p.done)
}
