package client

import (
	"context"
	"errors"
	"time"

	"Resona/logger"
	"Resona/model"

	"github.com/disgoorg/snowflake/v2"
)

// ErrNoVoiceGateway is returned when a player tries to join a voice channel
// before SetVoiceGateway.
var ErrNoVoiceGateway = errors.New("no voice gateway configured")

// VoiceGateway sends voice state updates to Discord on the client's behalf.
// The host implements it over its gateway connection.
type VoiceGateway interface {
	UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, mute, deaf bool) error
}

// voiceCredentials collects the two Discord dispatch halves for one guild.
type voiceCredentials struct {
	token     string
	endpoint  string
	sessionID string
	hasServer bool
	hasState  bool
}

func (v *voiceCredentials) complete() bool {
	return v.hasServer && v.hasState
}

func (v *voiceCredentials) state() model.VoiceState {
	return model.VoiceState{Token: v.token, Endpoint: v.endpoint, SessionID: v.sessionID}
}

// OnVoiceServerUpdate feeds a VOICE_SERVER_UPDATE dispatch into the client.
// A nil endpoint means Discord is still allocating a voice server; the
// update carrying the real endpoint follows.
func (c *Client) OnVoiceServerUpdate(guildID snowflake.ID, token string, endpoint *string) {
	if endpoint == nil {
		logger.Debug("voice server update without endpoint, waiting",
			logger.String("guild", guildID.String()))
		return
	}

	c.voiceMu.Lock()
	creds := c.credsLocked(guildID)
	creds.token = token
	creds.endpoint = *endpoint
	creds.hasServer = true
	ready := creds.complete()
	vs := creds.state()
	c.voiceMu.Unlock()

	if ready {
		c.forwardVoice(guildID, vs)
	}
}

// OnVoiceStateUpdate feeds the bot user's VOICE_STATE_UPDATE dispatch into
// the client. A nil channel means the bot left or was removed; pending
// credentials are dropped so a stale session id never reaches a node.
func (c *Client) OnVoiceStateUpdate(guildID snowflake.ID, channelID *snowflake.ID, sessionID string) {
	c.voiceMu.Lock()
	if channelID == nil {
		delete(c.voice, guildID)
		c.voiceMu.Unlock()
		logger.Debug("voice state cleared", logger.String("guild", guildID.String()))
		return
	}
	creds := c.credsLocked(guildID)
	creds.sessionID = sessionID
	creds.hasState = true
	ready := creds.complete()
	vs := creds.state()
	c.voiceMu.Unlock()

	if ready {
		c.forwardVoice(guildID, vs)
	}
}

func (c *Client) credsLocked(guildID snowflake.ID) *voiceCredentials {
	creds, ok := c.voice[guildID]
	if !ok {
		creds = &voiceCredentials{}
		c.voice[guildID] = creds
	}
	return creds
}

// forwardVoice hands complete credentials to the guild's player, verbatim.
func (c *Client) forwardVoice(guildID snowflake.ID, vs model.VoiceState) {
	p, ok := c.players.Get(guildID)
	if !ok {
		logger.Debug("voice credentials for guild without player",
			logger.String("guild", guildID.String()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RestTimeout)
	defer cancel()
	if err := p.UpdateVoice(ctx, vs); err != nil {
		logger.Warn("voice update failed",
			logger.String("guild", guildID.String()),
			logger.ErrorField(err))
	}
}

// UpdateVoiceState implements player.Host by delegating to the installed
// gateway.
func (c *Client) UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, mute, deaf bool) error {
	c.gatewayMu.RLock()
	gw := c.gateway
	c.gatewayMu.RUnlock()
	if gw == nil {
		return ErrNoVoiceGateway
	}
	return gw.UpdateVoiceState(ctx, guildID, channelID, mute, deaf)
}

// RequestRebind implements player.Host. The move runs off the caller's
// goroutine: the request comes from inside a player loop, and a rebind has
// to run commands on that same loop.
func (c *Client) RequestRebind(guildID snowflake.ID, exclude string) {
	select {
	case <-c.done:
		return
	default:
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p, ok := c.players.Get(guildID)
		if !ok {
			return
		}
		target, err := c.nodes.Select(exclude)
		if err != nil {
			logger.Warn("no rebind target",
				logger.String("guild", guildID.String()),
				logger.String("exclude", exclude),
				logger.ErrorField(err))
			c.Emit(&model.PlaybackErrorEvent{GuildID: guildID, Track: p.Current(), Err: err})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.RestTimeout)
		defer cancel()
		if err := p.Rebind(ctx, target); err != nil {
			logger.Warn("requested rebind failed",
				logger.String("guild", guildID.String()),
				logger.String("to", target.Name()),
				logger.ErrorField(err))
			c.Emit(&model.PlaybackErrorEvent{GuildID: guildID, Track: p.Current(), Err: err})
		}
	}()
}
