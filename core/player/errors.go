package player

import "errors"

var (
	// ErrDestroyed reports a command issued against a destroyed player.
	ErrDestroyed = errors.New("player destroyed")
	// ErrQueueEmpty reports a queue-driven play with nothing queued.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrNothingPlaying reports a command that needs a current track.
	ErrNothingPlaying = errors.New("nothing is playing")
	// ErrNotSeekable reports a seek on a stream or unseekable track.
	ErrNotSeekable = errors.New("track is not seekable")
)
