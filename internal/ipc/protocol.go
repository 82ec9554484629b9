// Package ipc implements the local data channel: a line-delimited JSON
// request/response service a worker bot binds on localhost so the control
// plane can poll small status blobs without a shared database.
package ipc

// Actions accepted by the server.
const (
	ActionGetData = "get_data"
	ActionSetData = "set_data"
	ActionPing    = "ping"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is one client line. Key/Value only matter for set_data.
type Request struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// Response is one server line. Data is only present for get_data and always
// carries the full current map.
type Response struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK reports whether the response carries a success status.
func (r Response) OK() bool { return r.Status == StatusSuccess }
