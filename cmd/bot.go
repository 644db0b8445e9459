package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"Resona/core/client"
	"Resona/logger"
	"Resona/model"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"github.com/spf13/cobra"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "启动演示Discord机器人",
	Long:  `连接Discord网关与音频节点,就绪后加入BOT_CHANNEL_ID指定的语音频道并播放BOT_QUERY的解析结果。用于冒烟验证凭据转发与播放链路。`,
	Run:   runBot,
}

func init() {
	rootCmd.AddCommand(botCmd)
}

// demoBot 把Discord网关事件接到控制客户端上
type demoBot struct {
	resona    *client.Client
	discord   bot.Client
	guildID   snowflake.ID
	channelID snowflake.ID
	query     string
	playOnce  sync.Once
}

// UpdateVoiceState 通过Discord网关下发语音状态
func (b *demoBot) UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, mute, deaf bool) error {
	return b.discord.UpdateVoiceState(ctx, guildID, channelID, mute, deaf)
}

func (b *demoBot) onReady(event *events.Ready) {
	logger.Info("discord gateway ready",
		logger.String("user", event.User.Username),
		logger.String("id", event.User.ID.String()))
	// Ready可能因网关重连重复触发,演示播放只跑一次
	b.playOnce.Do(func() {
		go b.joinAndPlay()
	})
}

func (b *demoBot) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	// 只关心机器人自己的语音状态
	if event.VoiceState.UserID != b.discord.ApplicationID() {
		return
	}
	b.resona.OnVoiceStateUpdate(event.VoiceState.GuildID, event.VoiceState.ChannelID, event.VoiceState.SessionID)
}

func (b *demoBot) onVoiceServerUpdate(event *events.VoiceServerUpdate) {
	b.resona.OnVoiceServerUpdate(event.GuildID, event.Token, event.Endpoint)
}

// joinAndPlay 加入配置的语音频道并播放查询结果
func (b *demoBot) joinAndPlay() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := b.resona.CreatePlayer(ctx, b.guildID)
	if err != nil {
		logger.Error("create player failed", logger.ErrorField(err))
		return
	}
	if err := p.Connect(ctx, b.channelID, false, true); err != nil {
		logger.Error("join voice channel failed", logger.ErrorField(err))
		return
	}
	if b.query == "" {
		logger.Info("no BOT_QUERY configured, staying connected")
		return
	}

	identifier := b.query
	if !strings.Contains(identifier, "://") && !strings.Contains(identifier, ":") {
		identifier = "ytsearch:" + identifier
	}
	result, err := b.resona.LoadTracks(ctx, identifier)
	if err != nil {
		logger.Error("load tracks failed", logger.String("identifier", identifier), logger.ErrorField(err))
		return
	}

	switch result.Type {
	case model.LoadTypeTrack:
		err = p.Play(ctx, result.Track)
	case model.LoadTypeSearch:
		if len(result.Tracks) == 0 {
			logger.Warn("search returned no tracks", logger.String("identifier", identifier))
			return
		}
		err = p.Play(ctx, &result.Tracks[0])
	case model.LoadTypePlaylist:
		tracks := result.Playlist.Tracks
		if len(tracks) == 0 {
			logger.Warn("playlist is empty", logger.String("identifier", identifier))
			return
		}
		if err = p.Play(ctx, &tracks[0]); err == nil && len(tracks) > 1 {
			err = p.Enqueue(ctx, tracks[1:]...)
		}
	case model.LoadTypeEmpty:
		logger.Warn("nothing found", logger.String("identifier", identifier))
		return
	case model.LoadTypeError:
		logger.Error("node rejected the query", logger.ErrorField(result.Error))
		return
	}
	if err != nil {
		logger.Error("start playback failed", logger.ErrorField(err))
	}
}

func runBot(cmd *cobra.Command, args []string) {
	if cfg.DiscordToken == "" {
		logger.Error("DISCORD_TOKEN is required for the bot")
		os.Exit(1)
	}
	guildID, err := snowflake.Parse(cfg.BotGuildID)
	if err != nil {
		logger.Error("invalid BOT_GUILD_ID", logger.String("value", cfg.BotGuildID))
		os.Exit(1)
	}
	channelID, err := snowflake.Parse(cfg.BotChannelID)
	if err != nil {
		logger.Error("invalid BOT_CHANNEL_ID", logger.String("value", cfg.BotChannelID))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := &demoBot{
		resona:    client.New(cfg),
		guildID:   guildID,
		channelID: channelID,
		query:     cfg.BotQuery,
	}
	b.resona.SetVoiceGateway(b)
	b.resona.AddListener(logPlaybackEvents)

	discord, err := disgo.New(cfg.DiscordToken,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildVoiceStates,
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagVoiceStates),
		),
		bot.WithEventListenerFunc(b.onReady),
		bot.WithEventListenerFunc(b.onVoiceStateUpdate),
		bot.WithEventListenerFunc(b.onVoiceServerUpdate),
	)
	if err != nil {
		logger.Error("create discord client failed", logger.ErrorField(err))
		os.Exit(1)
	}
	b.discord = discord

	// 节点握手需要机器人的用户ID,从token推导,先于Start设置
	cfg.UserID = discord.ApplicationID().String()

	if err := b.resona.Start(ctx); err != nil {
		logger.Error("client start failed", logger.ErrorField(err))
		logger.Sync()
		os.Exit(1)
	}
	if err := discord.OpenGateway(ctx); err != nil {
		logger.Error("open discord gateway failed", logger.ErrorField(err))
		b.resona.Close()
		logger.Sync()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	discord.Close(context.Background())
	b.resona.Close()
	logger.Sync()
}

// logPlaybackEvents 把播放事件打到日志,演示监听器用法
func logPlaybackEvents(ev model.Event) {
	switch e := ev.(type) {
	case *model.TrackStartEvent:
		logger.Info("track started",
			logger.String("guild", e.GuildID.String()),
			logger.String("title", e.Track.Info.Title))
	case *model.TrackEndEvent:
		logger.Info("track ended",
			logger.String("guild", e.GuildID.String()),
			logger.String("reason", string(e.Reason)))
	case *model.QueueEndEvent:
		logger.Info("queue drained", logger.String("guild", e.GuildID.String()))
	case *model.TrackExceptionEvent:
		logger.Warn("track exception",
			logger.String("guild", e.GuildID.String()),
			logger.ErrorField(&e.Exception))
	case *model.NodeHealthEvent:
		logger.Info("node health changed",
			logger.String("node", e.Node),
			logger.Bool("healthy", e.Healthy))
	}
}
