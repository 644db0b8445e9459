package model

// SessionUpdate is both the PATCH body and the response for configuring a
// node-side session. Nil request members leave the field unchanged.
type SessionUpdate struct {
	Resuming *bool `json:"resuming,omitempty"`
	Timeout  *int  `json:"timeout,omitempty"` // Resume window in seconds
}
