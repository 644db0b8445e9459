package model

import (
	"encoding/json"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// OpType is the first discriminator of a websocket payload.
type OpType string

const (
	OpReady        OpType = "ready"
	OpPlayerUpdate OpType = "playerUpdate"
	OpStats        OpType = "stats"
	OpEvent        OpType = "event"
)

// Wire event type strings, the second discriminator under op "event".
const (
	EventTypeTrackStart      = "TrackStartEvent"
	EventTypeTrackEnd        = "TrackEndEvent"
	EventTypeTrackException  = "TrackExceptionEvent"
	EventTypeTrackStuck      = "TrackStuckEvent"
	EventTypeWebSocketClosed = "WebSocketClosedEvent"
)

// Event is implemented by everything delivered to listeners: decoded node
// payloads plus locally raised notifications.
type Event interface {
	EventName() string
}

// Message is a decoded node websocket payload.
type Message interface {
	Event
	Op() OpType
}

// ReadyMessage is the first payload a node sends after the handshake.
// SessionID doubles as the resume key for later reconnects.
type ReadyMessage struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

func (ReadyMessage) Op() OpType        { return OpReady }
func (ReadyMessage) EventName() string { return "Ready" }

// PlayerUpdateMessage is the periodic per-guild state push.
type PlayerUpdateMessage struct {
	GuildID snowflake.ID `json:"guildId"`
	State   PlayerState  `json:"state"`
}

func (PlayerUpdateMessage) Op() OpType        { return OpPlayerUpdate }
func (PlayerUpdateMessage) EventName() string { return "PlayerUpdate" }

// StatsMessage is the periodic node resource report. The stats fields sit
// flat beside the op discriminator on the wire.
type StatsMessage struct {
	NodeStats
}

func (StatsMessage) Op() OpType        { return OpStats }
func (StatsMessage) EventName() string { return "Stats" }

// TrackEndReason explains why a track stopped playing.
type TrackEndReason string

const (
	TrackEndFinished   TrackEndReason = "finished"
	TrackEndLoadFailed TrackEndReason = "loadFailed"
	TrackEndStopped    TrackEndReason = "stopped"
	TrackEndReplaced   TrackEndReason = "replaced"
	TrackEndCleanup    TrackEndReason = "cleanup"
)

// UnmarshalJSON rejects reasons outside the protocol set.
func (r *TrackEndReason) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch TrackEndReason(raw) {
	case TrackEndFinished, TrackEndLoadFailed, TrackEndStopped, TrackEndReplaced, TrackEndCleanup:
		*r = TrackEndReason(raw)
		return nil
	default:
		return fmt.Errorf("unknown track end reason %q", raw)
	}
}

// TrackStartEvent reports that a track started playing.
type TrackStartEvent struct {
	GuildID snowflake.ID `json:"guildId"`
	Track   Track        `json:"track"`
}

func (TrackStartEvent) Op() OpType        { return OpEvent }
func (TrackStartEvent) EventName() string { return "TrackStart" }

// TrackEndEvent reports that a track stopped playing and why.
type TrackEndEvent struct {
	GuildID snowflake.ID   `json:"guildId"`
	Track   Track          `json:"track"`
	Reason  TrackEndReason `json:"reason"`
}

func (TrackEndEvent) Op() OpType        { return OpEvent }
func (TrackEndEvent) EventName() string { return "TrackEnd" }

// TrackExceptionEvent reports a playback exception for the current track.
type TrackExceptionEvent struct {
	GuildID   snowflake.ID   `json:"guildId"`
	Track     Track          `json:"track"`
	Exception ExceptionError `json:"exception"`
}

func (TrackExceptionEvent) Op() OpType        { return OpEvent }
func (TrackExceptionEvent) EventName() string { return "TrackException" }

// TrackStuckEvent reports that the node made no playback progress for longer
// than the threshold.
type TrackStuckEvent struct {
	GuildID     snowflake.ID `json:"guildId"`
	Track       Track        `json:"track"`
	ThresholdMs int64        `json:"thresholdMs"`
}

func (TrackStuckEvent) Op() OpType        { return OpEvent }
func (TrackStuckEvent) EventName() string { return "TrackStuck" }

// WebSocketClosedEvent reports that the node's voice websocket to Discord
// closed for the guild.
type WebSocketClosedEvent struct {
	GuildID  snowflake.ID `json:"guildId"`
	Code     int          `json:"code"`
	Reason   string       `json:"reason"`
	ByRemote bool         `json:"byRemote"`
}

func (WebSocketClosedEvent) Op() OpType        { return OpEvent }
func (WebSocketClosedEvent) EventName() string { return "WebSocketClosed" }

// DecodeMessage decodes a raw websocket payload into its typed message.
// Payloads decode exactly once, here, at the session boundary.
func DecodeMessage(data []byte) (Message, error) {
	var head struct {
		Op   OpType `json:"op"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	switch head.Op {
	case OpReady:
		var m ReadyMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode ready: %w", err)
		}
		return &m, nil
	case OpPlayerUpdate:
		var m PlayerUpdateMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode player update: %w", err)
		}
		return &m, nil
	case OpStats:
		var m StatsMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		return &m, nil
	case OpEvent:
		return decodeEvent(head.Type, data)
	default:
		return nil, &UnknownMessageError{Op: string(head.Op)}
	}
}

func decodeEvent(eventType string, data []byte) (Message, error) {
	switch eventType {
	case EventTypeTrackStart:
		var e TrackStartEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode track start: %w", err)
		}
		return &e, nil
	case EventTypeTrackEnd:
		var e TrackEndEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode track end: %w", err)
		}
		return &e, nil
	case EventTypeTrackException:
		var e TrackExceptionEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode track exception: %w", err)
		}
		return &e, nil
	case EventTypeTrackStuck:
		var e TrackStuckEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode track stuck: %w", err)
		}
		return &e, nil
	case EventTypeWebSocketClosed:
		var e WebSocketClosedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode websocket closed: %w", err)
		}
		return &e, nil
	default:
		return nil, &UnknownMessageError{Op: string(OpEvent), EventType: eventType}
	}
}

// QueueEndEvent is raised locally when a player drains its queue.
type QueueEndEvent struct {
	GuildID   snowflake.ID
	LastTrack Track
}

func (QueueEndEvent) EventName() string { return "QueueEnd" }

// QueueNextEvent is raised locally when a player advances to the next
// queued track.
type QueueNextEvent struct {
	GuildID  snowflake.ID
	Track    Track
	OldTrack Track
}

func (QueueNextEvent) EventName() string { return "QueueNext" }

// PlaybackErrorEvent is raised locally for recoverable playback failures,
// for example a queued track that failed to load before the player moved on.
type PlaybackErrorEvent struct {
	GuildID snowflake.ID
	Track   *Track
	Err     error
}

func (PlaybackErrorEvent) EventName() string { return "PlaybackError" }

// NodeHealthEvent is raised locally when a node's health changes.
type NodeHealthEvent struct {
	Node    string
	Healthy bool
	Resumed bool  // On recovery: whether the node kept its players
	Err     error // Set when the node went down
}

func (NodeHealthEvent) EventName() string { return "NodeHealth" }
