package server

import (
	"encoding/json"
	"net/http"

	"Resona/logger"
)

// NodeView is the wire shape of one node row in /api/v1/nodes.
type NodeView struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Healthy      bool    `json:"healthy"`
	Resumed      bool    `json:"resumed"`
	Players      int     `json:"players"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
	UptimeMs     int64   `json:"uptimeMs"`
}

// PlayerView is the wire shape of one player row in /api/v1/players.
type PlayerView struct {
	GuildID    string `json:"guildId"`
	Node       string `json:"node"`
	State      string `json:"state"`
	Track      string `json:"track,omitempty"`
	PositionMs int64  `json:"positionMs"`
	Paused     bool   `json:"paused"`
	Connected  bool   `json:"connected"`
	Volume     int    `json:"volume"`
	QueueLen   int    `json:"queueLength"`
	Loop       string `json:"loop"`
}

// HealthView is the /healthz response body.
type HealthView struct {
	Status string          `json:"status"`
	Nodes  map[string]bool `json:"nodes"`
}

// HealthzHandler reports process liveness plus per-node health. Status is
// degraded while no node holds a ready session.
func (s *Server) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	snaps := s.source.NodeSnapshots()
	view := HealthView{Status: "degraded", Nodes: make(map[string]bool, len(snaps))}
	for _, snap := range snaps {
		view.Nodes[snap.Name] = snap.Healthy
		if snap.Healthy {
			view.Status = "ok"
		}
	}
	writeJSON(w, view)
}

// NodesHandler renders the current node registry view.
func (s *Server) NodesHandler(w http.ResponseWriter, r *http.Request) {
	snaps := s.source.NodeSnapshots()
	views := make([]NodeView, 0, len(snaps))
	for _, snap := range snaps {
		view := NodeView{
			Name:    snap.Name,
			State:   snap.State.String(),
			Healthy: snap.Healthy,
			Resumed: snap.Resumed,
			Players: snap.Players,
		}
		if snap.Stats != nil {
			view.SystemLoad = snap.Stats.CPU.SystemLoad
			view.LavalinkLoad = snap.Stats.CPU.LavalinkLoad
			view.UptimeMs = snap.Stats.Uptime
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

// PlayersHandler renders every live player.
func (s *Server) PlayersHandler(w http.ResponseWriter, r *http.Request) {
	snaps := s.source.PlayerSnapshots()
	views := make([]PlayerView, 0, len(snaps))
	for _, snap := range snaps {
		view := PlayerView{
			GuildID:    snap.GuildID.String(),
			Node:       snap.Node,
			State:      snap.State.String(),
			PositionMs: snap.Position,
			Paused:     snap.Paused,
			Connected:  snap.Connected,
			Volume:     snap.Volume,
			QueueLen:   snap.QueueLen,
			Loop:       snap.Loop.String(),
		}
		if snap.Track != nil {
			view.Track = snap.Track.Info.Title
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("diag response encode failed", logger.ErrorField(err))
	}
}
