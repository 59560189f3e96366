package trino

import "github.com/tidwall/gjson"

// Terminal query states. A query in one of these states produces no
// further follow-up requests.
const (
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
	StateCanceled = "CANCELED"
)

// QueryResponse carries the routing-relevant fields of a statement
// response body.
type QueryResponse struct {
	ID               string
	NextURI          string
	InfoURI          string
	PartialCancelURI string
	State            string
}

// ParseQueryResponse picks the routing-relevant fields out of a
// statement response body. Fields that are missing stay empty, the
// body is never required to be a complete protocol response.
func ParseQueryResponse(body []byte) QueryResponse {
	res := gjson.ParseBytes(body)
	return QueryResponse{
		ID:               res.Get("id").String(),
		NextURI:          res.Get("nextUri").String(),
		InfoURI:          res.Get("infoUri").String(),
		PartialCancelURI: res.Get("partialCancelUri").String(),
		State:            res.Get("stats.state").String(),
	}
}

// IsTerminal reports whether the query reached a terminal state and
// produces no further result pages. The state alone is not enough: the
// coordinator keeps handing out a nextUri for the remaining result
// pages after the state turned FINISHED.
func (r QueryResponse) IsTerminal() bool {
	return r.NextURI == "" && IsTerminalState(r.State)
}

// IsTerminalState reports whether state names a terminal query state.
func IsTerminalState(state string) bool {
	switch state {
	case StateFinished, StateFailed, StateCanceled:
		return true
	}
	return false
}
