package client

import (
	"context"
	"errors"
	"time"

	"Resona/core/node"
	"Resona/core/player"
	"Resona/logger"
	"Resona/model"
)

// RouteMessage implements node.Router. Guild-scoped traffic goes to the
// guild's player; node-scoped traffic goes straight to the listeners.
func (c *Client) RouteMessage(n *node.Node, msg model.Message) {
	switch m := msg.(type) {
	case *model.PlayerUpdateMessage:
		c.players.Deliver(m.GuildID, m)
	case *model.TrackStartEvent:
		c.players.Deliver(m.GuildID, m)
	case *model.TrackEndEvent:
		c.players.Deliver(m.GuildID, m)
	case *model.TrackExceptionEvent:
		c.players.Deliver(m.GuildID, m)
	case *model.TrackStuckEvent:
		c.players.Deliver(m.GuildID, m)
	case *model.WebSocketClosedEvent:
		c.players.Deliver(m.GuildID, m)
	case *model.StatsMessage:
		// 统计数字已由注册表落账,这里只转发给监听器
		c.Emit(m)
	default:
		logger.Debug("unrouted message",
			logger.String("node", n.Name()),
			logger.String("event", msg.EventName()))
	}
}

// NodeReady implements node.Router. A ready without a resumed session after
// players were bound means the node lost them; their state replays from the
// local side.
func (c *Client) NodeReady(n *node.Node, resumed bool) {
	c.Emit(&model.NodeHealthEvent{Node: n.Name(), Healthy: true, Resumed: resumed})
	if !resumed {
		c.replayPlayers(n)
	}
}

// NodeDown implements node.Router.
func (c *Client) NodeDown(n *node.Node, err error) {
	c.Emit(&model.NodeHealthEvent{Node: n.Name(), Healthy: false, Err: err})
}

// NodeFailed implements node.Router. The node burned its reconnect budget,
// so its players move to the surviving nodes.
func (c *Client) NodeFailed(n *node.Node, err error) {
	c.Emit(&model.NodeHealthEvent{Node: n.Name(), Healthy: false, Err: err})

	select {
	case <-c.done:
		return
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.players.RebindAll(ctx, n.Name(), c.nodes.Select)
	}()
}

// Emit implements player.Host: events fan out to every listener
// synchronously in registration order.
func (c *Client) Emit(event model.Event) {
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// replayPlayers pushes full local state back to a node that came up with a
// fresh session. Rebinding onto the same node replays voice, track,
// position, volume, pause flag and filters in one update.
func (c *Client) replayPlayers(n *node.Node) {
	players := c.players.ForNode(n.Name())
	if len(players) == 0 {
		return
	}

	select {
	case <-c.done:
		return
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Info("session not resumed, replaying player state",
			logger.String("node", n.Name()),
			logger.Int("players", len(players)))
		for _, p := range players {
			ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.RestTimeout)
			err := p.Rebind(ctx, n)
			cancel()
			if err != nil && !errors.Is(err, player.ErrDestroyed) {
				logger.Warn("player replay failed",
					logger.String("guild", p.GuildID().String()),
					logger.String("node", n.Name()),
					logger.ErrorField(err))
				c.Emit(&model.PlaybackErrorEvent{GuildID: p.GuildID(), Track: p.Current(), Err: err})
			}
		}
	}()
}

func (c *Client) reapLoop() {
	defer c.wg.Done()

	interval := c.cfg.PlayerIdleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reapIdle()
		case <-c.done:
			return
		}
	}
}

// reapIdle destroys players that have sat idle past the configured timeout:
// nothing playing, no voice connection, and no command since IdleSince.
func (c *Client) reapIdle() {
	cutoff := time.Now().Add(-c.cfg.PlayerIdleTimeout)
	for _, p := range c.players.Players() {
		snap := p.Snapshot()
		if snap.Track != nil || snap.Connected {
			continue
		}
		if snap.State != player.StateIdle && snap.State != player.StateStopped {
			continue
		}
		if snap.IdleSince.IsZero() || snap.IdleSince.After(cutoff) {
			continue
		}

		logger.Info("destroying idle player",
			logger.String("guild", snap.GuildID.String()),
			logger.String("node", snap.Node),
			logger.Duration("idle", time.Since(snap.IdleSince)))
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
		if err := p.Destroy(ctx); err != nil && !errors.Is(err, player.ErrDestroyed) {
			logger.Warn("idle player destroy failed",
				logger.String("guild", snap.GuildID.String()),
				logger.ErrorField(err))
		}
		cancel()
	}
}
