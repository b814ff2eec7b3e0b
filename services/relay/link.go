package relay

import "context"

// UploadCommand instructs an agent to push a file to CallbackAddress.
type UploadCommand struct {
	FileID          string `json:"file_id"`
	CallbackAddress string `json:"callback"`
}

// Link is the live, connection-scoped channel to one connected agent.
type Link interface {
	SendUpload(ctx context.Context, cmd UploadCommand) error
}
