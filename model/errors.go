package model

import (
	"encoding/json"
	"fmt"
)

// RestError is the error payload node REST endpoints return for non-2xx
// responses. It is plain data; ClientError and NodeError wrap it as an error.
type RestError struct {
	Timestamp int64   `json:"timestamp"` // Unix timestamp in milliseconds
	Status    int     `json:"status"`
	Error     string  `json:"error"` // HTTP status text
	Message   string  `json:"message"`
	Path      string  `json:"path"`
	Trace     *string `json:"trace,omitempty"` // Stack trace, only with trace=true
}

// Severity grades a playback exception.
type Severity string

const (
	SeverityCommon     Severity = "common"     // Cause is known and not the node's fault
	SeveritySuspicious Severity = "suspicious" // Cause might be the node's fault
	SeverityFault      Severity = "fault"      // Node-side failure
)

// UnmarshalJSON rejects severity values outside the protocol set.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch Severity(raw) {
	case SeverityCommon, SeveritySuspicious, SeverityFault:
		*s = Severity(raw)
		return nil
	default:
		return fmt.Errorf("unknown severity %q", raw)
	}
}

// ExceptionError is a playback exception reported by the node, either inside
// a TrackException event or as the data of an error load result.
type ExceptionError struct {
	Message  *string  `json:"message"`
	Severity Severity `json:"severity"`
	Cause    string   `json:"cause"`
}

func (e *ExceptionError) Error() string {
	if e.Message != nil && *e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Severity, *e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Severity, e.Cause)
}

// AuthError reports rejected credentials. It is terminal for the node: the
// session does not retry and goes Failed.
type AuthError struct {
	Node string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("node %s rejected credentials: %v", e.Node, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError reports a transport-level failure (dial, timeout, broken
// connection). Transient: websocket sessions reconnect and idempotent REST
// requests retry once.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NodeError reports a node-side failure (5xx response or protocol violation).
// Counts against the node's health.
type NodeError struct {
	Node string
	Rest *RestError
	Err  error
}

func (e *NodeError) Error() string {
	if e.Rest != nil {
		return fmt.Sprintf("node %s failed: %d %s: %s", e.Node, e.Rest.Status, e.Rest.Error, e.Rest.Message)
	}
	return fmt.Sprintf("node %s failed: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ClientError reports a request the node rejected as malformed (4xx). The
// caller's mistake; never retried.
type ClientError struct {
	Rest RestError
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("request rejected: %d %s: %s (%s)", e.Rest.Status, e.Rest.Error, e.Rest.Message, e.Rest.Path)
}

// UnknownMessageError reports a websocket payload whose op or event type is
// outside the known set. Sessions log and skip these.
type UnknownMessageError struct {
	Op        string
	EventType string
}

func (e *UnknownMessageError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("unknown event type %q", e.EventType)
	}
	return fmt.Sprintf("unknown op %q", e.Op)
}
