// Package dispatcher implements the long-running dispatcher loop (C7) and the follower
// subprocess it drives. Dispatcher and follower are the same binary: which one runs is decided
// by the caller (see cmd/dflow-worker), not by this package.
package dispatcher

// Request is one line the dispatcher writes to a follower's stdin. ReqID correlates it with
// the Response the follower echoes back, so a dispatcher that ever finds itself with more
// than one outstanding request per follower (a protocol bug, since this wire format is
// strictly one-at-a-time) can log the mismatch instead of silently misattributing an outcome.
type Request struct {
	Cmd   string `json:"cmd"`
	ID    string `json:"id,omitempty"`
	ReqID string `json:"req_id,omitempty"`
}

const (
	cmdActivity = "activity"
	cmdWorkflow = "workflow"
	cmdExit     = "exit"
)

// Response is one line a follower writes to stdout after handling a Request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	ReqID string `json:"req_id,omitempty"`
}
