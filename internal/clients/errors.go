package clients

import "fmt"

// The manager distinguishes three failure classes. It never degrades
// gracefully itself; callers decide what an unavailable endpoint means.

// TransportError reports an endpoint that is unregistered, unreachable, or
// whose connection dropped.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on endpoint %q: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed tool response, including missing or
// non-text content.
type ProtocolError struct {
	Endpoint string
	Tool     string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s/%s: %s", e.Endpoint, e.Tool, e.Reason)
}

// ToolError reports that the remote tool itself flagged the call as failed
// (isError on the response), with the message it returned.
type ToolError struct {
	Endpoint string
	Tool     string
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s/%s reported failure: %s", e.Endpoint, e.Tool, e.Message)
}
