package proxy

// state is a step of the per-request lifecycle. The only terminal states
// are stateSent and stateUpstreamError.
type state int

const (
	stateReceived state = iota
	stateHeadersBuilt
	stateUpstreamFetching
	stateUpstreamError
	stateUpstreamResponded
	statePassthroughStreaming
	stateManifestBuffering
	stateRewriting
	stateRewrittenResponse
	stateSent
)

var stateNames = [...]string{
	stateReceived:             "received",
	stateHeadersBuilt:         "headers_built",
	stateUpstreamFetching:     "upstream_fetching",
	stateUpstreamError:        "upstream_error",
	stateUpstreamResponded:    "upstream_responded",
	statePassthroughStreaming: "passthrough_streaming",
	stateManifestBuffering:    "manifest_buffering",
	stateRewriting:            "rewriting",
	stateRewrittenResponse:    "rewritten_response",
	stateSent:                 "sent",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// transitions lists the legal successors of each state. Buffering and
// rewriting may end in Sent directly when they fail with a 500, and a
// request rejected before any upstream contact goes straight to Sent.
var transitions = map[state][]state{
	stateReceived:             {stateHeadersBuilt, stateSent},
	stateHeadersBuilt:         {stateUpstreamFetching, stateSent},
	stateUpstreamFetching:     {stateUpstreamError, stateUpstreamResponded},
	stateUpstreamResponded:    {statePassthroughStreaming, stateManifestBuffering},
	statePassthroughStreaming: {stateSent},
	stateManifestBuffering:    {stateRewriting, stateSent},
	stateRewriting:            {stateRewrittenResponse, stateSent},
	stateRewrittenResponse:    {stateSent},
}

func (s state) canMove(next state) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

func (s state) terminal() bool {
	return s == stateSent || s == stateUpstreamError
}
