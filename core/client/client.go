package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Resona/cache"
	"Resona/config"
	"Resona/core/node"
	"Resona/core/player"
	"Resona/logger"
	"Resona/model"
	"Resona/server"

	"github.com/disgoorg/snowflake/v2"
)

// Client is the process-wide facade: it owns the node registry, the player
// registry, the optional redis cache and the optional diagnostics server,
// and fans node traffic out to per-guild players and registered listeners.
//
// It implements node.Router and player.Host so traffic flows
// session -> registry -> client -> player without an import cycle.
type Client struct {
	cfg *config.Config

	nodes   *node.Registry
	players *player.Registry
	diag    *server.Server
	watcher *config.Watcher

	gatewayMu sync.RWMutex
	gateway   VoiceGateway

	listenerMu sync.RWMutex
	listeners  []func(model.Event)

	// 声网凭据按公会配对,两半都到齐才下发给节点
	voiceMu sync.Mutex
	voice   map[snowflake.ID]*voiceCredentials

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wires a client from cfg. Call Start to connect.
func New(cfg *config.Config) *Client {
	c := &Client{
		cfg:   cfg,
		voice: make(map[snowflake.ID]*voiceCredentials),
		done:  make(chan struct{}),
	}
	c.nodes = node.NewRegistry(cfg, c)
	c.players = player.NewRegistry(cfg, c)
	if cfg.DiagAddr != "" {
		c.diag = server.New(cfg, c)
	}
	return c
}

// SetVoiceGateway installs the host's Discord gateway hook. Players cannot
// join voice channels without one.
func (c *Client) SetVoiceGateway(gw VoiceGateway) {
	c.gatewayMu.Lock()
	c.gateway = gw
	c.gatewayMu.Unlock()
}

// SetSelector replaces the node selection order. Call before Start.
func (c *Client) SetSelector(s node.Selector) {
	c.nodes.SetSelector(s)
}

// AddListener registers an event listener. Listeners run synchronously in
// registration order, so they must not block.
func (c *Client) AddListener(fn func(model.Event)) {
	if fn == nil {
		return
	}
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenerMu.Unlock()
}

// Start loads the node set, connects every session and brings up the
// supporting loops. Cancelling ctx closes the client.
func (c *Client) Start(ctx context.Context) error {
	nodeConfigs, err := config.LoadNodes(c.cfg)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	for _, nc := range nodeConfigs {
		if _, err := c.nodes.AddNode(nc); err != nil {
			return fmt.Errorf("add node: %w", err)
		}
	}

	if c.cfg.CacheEnabled {
		if err := cache.ConnectRedis(c.cfg); err != nil {
			// 缓存不可用只降级,加载走REST直连
			logger.Warn("redis unavailable, load cache disabled", logger.ErrorField(err))
		}
	}

	c.nodes.Start()

	c.watcher = config.NewWatcher(c.cfg.NodesFile)
	if err := c.watcher.Start(); err != nil {
		logger.Warn("config watcher failed to start", logger.ErrorField(err))
		c.watcher = nil
	}

	if c.diag != nil {
		c.diag.Start()
	}

	if c.cfg.PlayerIdleTimeout > 0 {
		c.wg.Add(1)
		go c.reapLoop()
	}

	// 该goroutine不入wg,它自己可能就是Close的调用方
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	logger.Info("client started",
		logger.Int("nodes", len(nodeConfigs)),
		logger.Bool("cache", cache.Enabled()),
		logger.Bool("diag", c.diag != nil))
	return nil
}

// Close tears the client down: players are destroyed best-effort while the
// sessions are still up, then sessions, diagnostics and redis follow.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.players.Close(ctx)

		c.nodes.Close()
		if c.watcher != nil {
			c.watcher.Stop()
		}
		if c.diag != nil {
			c.diag.Stop()
		}
		if err := cache.CloseRedis(); err != nil {
			logger.Warn("redis close failed", logger.ErrorField(err))
		}
		c.wg.Wait()
		logger.Info("client stopped")
	})
}

// CreatePlayer returns the guild's player, creating one on the best
// available node first. Creation is local; the node sees the player on the
// first update.
func (c *Client) CreatePlayer(ctx context.Context, guildID snowflake.ID) (*player.Player, error) {
	if p, ok := c.players.Get(guildID); ok {
		return p, nil
	}
	n, err := c.nodes.Select()
	if err != nil {
		return nil, err
	}
	return c.players.Create(guildID, n), nil
}

// Player returns the guild's live player.
func (c *Client) Player(guildID snowflake.ID) (*player.Player, bool) {
	return c.players.Get(guildID)
}

// DestroyPlayer destroys the guild's player. Destroying an absent guild is
// a no-op.
func (c *Client) DestroyPlayer(ctx context.Context, guildID snowflake.ID) error {
	return c.players.Remove(ctx, guildID)
}

// Nodes returns the node registry for direct REST access.
func (c *Client) Nodes() *node.Registry {
	return c.nodes
}

// Players returns every live player.
func (c *Client) Players() []*player.Player {
	return c.players.Players()
}

// LoadTracks resolves an identifier through the cache or the best node.
// Only track, playlist and search results are cached; empty and error
// results always re-query.
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*model.LoadResult, error) {
	cached, err := cache.GetLoadResult(ctx, identifier)
	if err != nil {
		logger.Warn("load cache read failed",
			logger.String("identifier", identifier),
			logger.ErrorField(err))
	}
	if cached != nil {
		logger.Debug("load cache hit", logger.String("identifier", identifier))
		return cached, nil
	}

	n, err := c.nodes.Select()
	if err != nil {
		return nil, err
	}
	result, err := n.Rest().LoadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}

	switch result.Type {
	case model.LoadTypeTrack, model.LoadTypePlaylist, model.LoadTypeSearch:
		if err := cache.SetLoadResult(ctx, identifier, result, c.cfg.CacheTTL); err != nil {
			logger.Warn("load cache write failed",
				logger.String("identifier", identifier),
				logger.ErrorField(err))
		}
	}
	return result, nil
}

// NodeSnapshots implements server.StateSource.
func (c *Client) NodeSnapshots() []node.Snapshot {
	return c.nodes.Snapshots()
}

// PlayerSnapshots implements server.StateSource.
func (c *Client) PlayerSnapshots() []player.Snapshot {
	players := c.players.Players()
	snaps := make([]player.Snapshot, 0, len(players))
	for _, p := range players {
		snaps = append(snaps, p.Snapshot())
	}
	return snaps
}
