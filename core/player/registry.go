package player

import (
	"context"
	"sort"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"Resona/config"
	"Resona/core/node"
	"Resona/logger"
	"Resona/model"
)

// Registry owns every live player, keyed by guild. One live player per
// guild; destroyed players leave the map inside their terminal transition,
// so no event is ever routed to a half-destroyed player.
type Registry struct {
	cfg  *config.Config
	host Host

	mu         sync.RWMutex
	players    map[snowflake.ID]*Player
	tombstones map[snowflake.ID]bool // value: drop already logged
}

func NewRegistry(cfg *config.Config, host Host) *Registry {
	return &Registry{
		cfg:        cfg,
		host:       host,
		players:    make(map[snowflake.ID]*Player),
		tombstones: make(map[snowflake.ID]bool),
	}
}

// Create returns the guild's live player, making one bound to n if absent.
func (r *Registry) Create(guildID snowflake.ID, n *node.Node) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[guildID]; ok {
		return p
	}
	p := New(guildID, n, r.cfg, r.host, r.deregister)
	r.players[guildID] = p
	delete(r.tombstones, guildID)
	n.AddPlayers(1)
	logger.Info("player created",
		logger.String("guild", guildID.String()),
		logger.String("node", n.Name()))
	return p
}

// Get returns the guild's live player.
func (r *Registry) Get(guildID snowflake.ID) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[guildID]
	return p, ok
}

// Remove destroys the guild's player. Removing an absent guild is a no-op.
func (r *Registry) Remove(ctx context.Context, guildID snowflake.ID) error {
	p, ok := r.Get(guildID)
	if !ok {
		return nil
	}
	return p.Destroy(ctx)
}

// Players returns the live players in stable guild order.
func (r *Registry) Players() []*Player {
	r.mu.RLock()
	out := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID() < out[j].GuildID() })
	return out
}

// CountForNode reports how many players are bound to the named node.
func (r *Registry) CountForNode(name string) int {
	n := 0
	r.mu.RLock()
	for _, p := range r.players {
		if p.Node().Name() == name {
			n++
		}
	}
	r.mu.RUnlock()
	return n
}

// ForNode returns the players bound to the named node in stable guild order.
func (r *Registry) ForNode(name string) []*Player {
	var out []*Player
	for _, p := range r.Players() {
		if p.Node().Name() == name {
			out = append(out, p)
		}
	}
	return out
}

// Deliver routes a guild-addressed node message to its player. Events for a
// destroyed guild drop with a single log line until a new player exists.
func (r *Registry) Deliver(guildID snowflake.ID, event model.Event) {
	r.mu.RLock()
	p, ok := r.players[guildID]
	r.mu.RUnlock()
	if ok {
		p.Deliver(event)
		return
	}

	r.mu.Lock()
	logged, dead := r.tombstones[guildID]
	if dead && !logged {
		r.tombstones[guildID] = true
	}
	r.mu.Unlock()

	if dead && !logged {
		logger.Info("dropping events for destroyed player",
			logger.String("guild", guildID.String()),
			logger.String("event", event.EventName()))
	} else if !dead {
		logger.Debug("dropping event for unknown guild",
			logger.String("guild", guildID.String()),
			logger.String("event", event.EventName()))
	}
}

// RebindAll moves every player off the named node, selecting a target per
// player through pick. Players that cannot be placed keep their state and
// binding; the failure surfaces as a playback error and the move is retried
// when a node recovers.
func (r *Registry) RebindAll(ctx context.Context, from string, pick func(exclude ...string) (*node.Node, error)) {
	for _, p := range r.ForNode(from) {
		target, err := pick(from)
		if err != nil {
			logger.Warn("no failover target",
				logger.String("guild", p.GuildID().String()),
				logger.String("from", from),
				logger.ErrorField(err))
			r.host.Emit(&model.PlaybackErrorEvent{GuildID: p.GuildID(), Track: p.Current(), Err: err})
			continue
		}
		if err := p.Rebind(ctx, target); err != nil {
			logger.Warn("rebind failed",
				logger.String("guild", p.GuildID().String()),
				logger.String("from", from),
				logger.String("to", target.Name()),
				logger.ErrorField(err))
			r.host.Emit(&model.PlaybackErrorEvent{GuildID: p.GuildID(), Track: p.Current(), Err: err})
		}
	}
}

// Close destroys every player, best effort.
func (r *Registry) Close(ctx context.Context) {
	for _, p := range r.Players() {
		if err := p.Destroy(ctx); err != nil && err != ErrDestroyed {
			logger.Warn("player destroy on close failed",
				logger.String("guild", p.GuildID().String()),
				logger.ErrorField(err))
		}
	}
}

// deregister runs inside the player loop during the terminal transition.
func (r *Registry) deregister(p *Player) {
	r.mu.Lock()
	if r.players[p.GuildID()] == p {
		delete(r.players, p.GuildID())
		r.tombstones[p.GuildID()] = false
	}
	r.mu.Unlock()
	p.Node().AddPlayers(-1)
	logger.Info("player destroyed",
		logger.String("guild", p.GuildID().String()),
		logger.String("node", p.Node().Name()))
}
