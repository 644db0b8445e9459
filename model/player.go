package model

import (
	"encoding/json"

	"github.com/disgoorg/snowflake/v2"
)

// PlayerInfo is the node's REST representation of a remote player.
type PlayerInfo struct {
	GuildID snowflake.ID    `json:"guildId"`
	Track   *Track          `json:"track"`
	Volume  int             `json:"volume"`
	Paused  bool            `json:"paused"`
	State   PlayerState     `json:"state"`
	Voice   VoiceState      `json:"voice"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// PlayerState is the live playback state pushed by the node.
type PlayerState struct {
	Time      int64 `json:"time"`     // Unix timestamp in milliseconds
	Position  int64 `json:"position"` // Track position in milliseconds
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"` // Voice gateway ping in milliseconds, -1 when not connected
}

// VoiceState holds the Discord voice credentials forwarded verbatim to the node.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// PlayerUpdate is the PATCH body for mutating a remote player.
// Nil members are omitted and leave the corresponding field unchanged.
type PlayerUpdate struct {
	Track    *PlayerUpdateTrack `json:"track,omitempty"`
	Position *int64             `json:"position,omitempty"`
	EndTime  *int64             `json:"endTime,omitempty"`
	Volume   *int               `json:"volume,omitempty"`
	Paused   *bool              `json:"paused,omitempty"`
	Filters  json.RawMessage    `json:"filters,omitempty"`
	Voice    *VoiceState        `json:"voice,omitempty"`
}

// PlayerUpdateTrack selects the track to play. Encoded nil encodes as JSON
// null, which instructs the node to stop the current track.
type PlayerUpdateTrack struct {
	Encoded  *string         `json:"encoded"`
	UserData json.RawMessage `json:"userData,omitempty"`
}
