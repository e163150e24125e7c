package transport

import "context"

// Media references a local image file to attach to a broadcast.
// The path is opaque to the transport caller; adapters decide how to load it.
type Media struct {
	Path string
}

// GroupSeen is emitted (via the event bus) whenever the adapter observes a
// group chat it is a member of. The registry uses it to maintain the
// discovered-recipients list.
type GroupSeen struct {
	ID   string
	Name string
}

// Client is the messaging transport consumed by the broadcast scheduler.
//
// The scheduler never manages connection or session state; it only sends.
// Recipient IDs are opaque strings owned by the adapter.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send delivers one media message with a caption to a single recipient.
	Send(ctx context.Context, recipientID string, media Media, caption string) error

	// ResolveName returns the recipient's current display name.
	ResolveName(ctx context.Context, recipientID string) (string, error)

	// Connected reports transport connectivity (best-effort, for /status).
	Connected() bool
}
