// Package agentproto holds the wire contract between the relay and its agents:
// the WebSocket frames exchanged on the agent link and the headers an agent
// sets when it pushes a file back.
package agentproto

import "net/http"

// Frame types.
const (
	TypeSignIn   = "signin"
	TypeSignedIn = "signed_in"
	TypeUploadTo = "upload_to"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

const (
	// ConnectPath is where agents open their WebSocket link.
	ConnectPath = "/agents/connect"
	// UploadPathPrefix prefixes the callback address an agent posts to.
	UploadPathPrefix = "/upload/"
	// UploadErrorHeader carries the reason an agent could not send a file.
	UploadErrorHeader = "X-Upload-Error"
)

// Frame is the JSON envelope exchanged over the agent link.
type Frame struct {
	Type     string `json:"type"`
	UniqueID string `json:"unique_id,omitempty"`
	AgentID  int64  `json:"id,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Callback string `json:"callback,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SignIn is the first frame an agent sends.
func SignIn(uniqueID string) Frame {
	return Frame{Type: TypeSignIn, UniqueID: uniqueID}
}

// UploadTo asks an agent to push fileID to callback.
func UploadTo(fileID, callback string) Frame {
	return Frame{Type: TypeUploadTo, FileID: fileID, Callback: callback}
}

// Error reports a failure to the peer.
func Error(msg string) Frame {
	return Frame{Type: TypeError, Message: msg}
}

// SetUploadError marks an upload request as a failure report.
func SetUploadError(h http.Header, reason string) {
	h.Set(UploadErrorHeader, reason)
}
