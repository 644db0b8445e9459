package player

import (
	"math/rand"

	"Resona/model"
)

// LoopMode controls how a player advances when a track ends.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Queue holds a player's upcoming tracks. It is not safe for concurrent
// use; the owning player's loop is its only accessor.
type Queue struct {
	tracks []model.Track
}

// Enqueue appends tracks in order.
func (q *Queue) Enqueue(tracks ...model.Track) {
	q.tracks = append(q.tracks, tracks...)
}

// PopHead removes and returns the first queued track.
func (q *Queue) PopHead() (model.Track, bool) {
	if len(q.tracks) == 0 {
		return model.Track{}, false
	}
	head := q.tracks[0]
	q.tracks = q.tracks[1:]
	return head, true
}

// PeekHead returns the first queued track without removing it.
func (q *Queue) PeekHead() (model.Track, bool) {
	if len(q.tracks) == 0 {
		return model.Track{}, false
	}
	return q.tracks[0], true
}

// Remove deletes and returns the track at index.
func (q *Queue) Remove(index int) (model.Track, bool) {
	if index < 0 || index >= len(q.tracks) {
		return model.Track{}, false
	}
	removed := q.tracks[index]
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)
	return removed, true
}

// Clear drops all queued tracks and reports how many were dropped.
func (q *Queue) Clear() int {
	n := len(q.tracks)
	q.tracks = nil
	return n
}

// Shuffle permutes the queue in place. With pinHead the first track keeps
// its spot, so the track already announced as next still plays next.
func (q *Queue) Shuffle(pinHead bool) {
	start := 0
	if pinHead && len(q.tracks) > 0 {
		start = 1
	}
	rest := q.tracks[start:]
	rand.Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
}

// Len reports the number of queued tracks.
func (q *Queue) Len() int {
	return len(q.tracks)
}

// Snapshot copies the queue for reading outside the player loop.
func (q *Queue) Snapshot() []model.Track {
	out := make([]model.Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}
