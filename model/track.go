package model

import (
	"encoding/json"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// Track represents a playable track as issued by an audio node.
// Encoded is an opaque node-issued blob and is round-tripped verbatim.
type Track struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	UserData   json.RawMessage `json:"userData,omitempty"`
	Requester  *snowflake.ID   `json:"-"` // Local annotation, never sent to the node
}

// TrackInfo carries the decoded metadata of a track.
type TrackInfo struct {
	Identifier string  `json:"identifier"`
	IsSeekable bool    `json:"isSeekable"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`   // Duration in milliseconds
	IsStream   bool    `json:"isStream"` // Live streams have no fixed length
	Position   int64   `json:"position"` // Position in milliseconds
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	ArtworkURL *string `json:"artworkUrl"`
	ISRC       *string `json:"isrc"`
	SourceName string  `json:"sourceName"`
}

// Playlist represents a named collection of tracks returned by a load.
type Playlist struct {
	Info       PlaylistInfo    `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []Track         `json:"tracks"`
}

// PlaylistInfo carries playlist metadata.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"` // -1 when no track is selected
}

// LoadType discriminates the result of a track load request.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// LoadResult is the discriminated union returned by the loadtracks endpoint.
// Exactly one of Track, Playlist, Tracks or Error is set, matching Type.
type LoadResult struct {
	Type     LoadType
	Track    *Track
	Playlist *Playlist
	Tracks   []Track
	Error    *ExceptionError
}

// UnmarshalJSON decodes the data member according to the loadType discriminator.
func (r *LoadResult) UnmarshalJSON(data []byte) error {
	var envelope struct {
		LoadType LoadType        `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode load result envelope: %w", err)
	}

	r.Type = envelope.LoadType
	switch envelope.LoadType {
	case LoadTypeTrack:
		var track Track
		if err := json.Unmarshal(envelope.Data, &track); err != nil {
			return fmt.Errorf("decode load result track: %w", err)
		}
		r.Track = &track
	case LoadTypePlaylist:
		var playlist Playlist
		if err := json.Unmarshal(envelope.Data, &playlist); err != nil {
			return fmt.Errorf("decode load result playlist: %w", err)
		}
		r.Playlist = &playlist
	case LoadTypeSearch:
		var tracks []Track
		if err := json.Unmarshal(envelope.Data, &tracks); err != nil {
			return fmt.Errorf("decode load result search: %w", err)
		}
		r.Tracks = tracks
	case LoadTypeEmpty:
		// No data member to decode
	case LoadTypeError:
		var exc ExceptionError
		if err := json.Unmarshal(envelope.Data, &exc); err != nil {
			return fmt.Errorf("decode load result exception: %w", err)
		}
		r.Error = &exc
	default:
		return fmt.Errorf("unknown loadType %q", envelope.LoadType)
	}
	return nil
}

// MarshalJSON re-encodes the union in wire form, used by the load-result cache.
func (r LoadResult) MarshalJSON() ([]byte, error) {
	var payload any
	switch r.Type {
	case LoadTypeTrack:
		payload = r.Track
	case LoadTypePlaylist:
		payload = r.Playlist
	case LoadTypeSearch:
		payload = r.Tracks
	case LoadTypeEmpty:
		payload = nil
	case LoadTypeError:
		payload = r.Error
	default:
		return nil, fmt.Errorf("unknown loadType %q", r.Type)
	}
	return json.Marshal(struct {
		LoadType LoadType `json:"loadType"`
		Data     any      `json:"data,omitempty"`
	}{r.Type, payload})
}
