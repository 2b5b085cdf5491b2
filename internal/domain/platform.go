package domain

import "context"

// Platform is the messaging-platform surface the relay publishes through.
type Platform interface {
	FileFetcher
	// PostMessage creates a message in a thread and returns its id.
	PostMessage(ctx context.Context, channel, threadTS, text string) (string, error)
	// UpdateMessage replaces the text of an existing message.
	UpdateMessage(ctx context.Context, channel, messageID, text string) error
	// UploadFile attaches a file to a thread.
	UploadFile(ctx context.Context, channel, threadTS, title string, file []byte) error
	// ThreadHistory returns up to limit most recent messages of a thread as
	// turns, oldest first.
	ThreadHistory(ctx context.Context, channel, threadTS string, limit int) ([]Turn, error)
}

// PlatformRouter resolves the platform client that owns an app identity.
type PlatformRouter interface {
	ForApp(appID string) Platform
}

// FileFetcher downloads attachment bytes.
type FileFetcher interface {
	FetchFile(ctx context.Context, url string) ([]byte, error)
}

// ImageAnnotation is what the vision collaborator detected in one image.
type ImageAnnotation struct {
	Name    string
	Text    string
	Objects []string
}

// Vision detects text and objects in image attachments.
type Vision interface {
	Annotate(ctx context.Context, files []Attachment, fetch FileFetcher) ([]ImageAnnotation, error)
}
