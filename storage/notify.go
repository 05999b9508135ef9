package storage

import "context"

// Notification channels. Stores that support notify-on-write emit these so
// waiters (the scheduler, the approval manager) wake without polling.
const (
	// ChannelTaskQueued carries the task ID of a newly queued task.
	ChannelTaskQueued = "codebroker_task_queued"

	// ChannelApprovalRequested carries the approval ID of a new approval.
	ChannelApprovalRequested = "codebroker_approval_requested"

	// ChannelApprovalResolved carries "<approvalID>:<decision>".
	ChannelApprovalResolved = "codebroker_approval_resolved"

	// ChannelBuildFinished carries the workspace ID whose registry build
	// completed.
	ChannelBuildFinished = "codebroker_build_finished"
)

// Notification is one delivered notify-on-write message.
type Notification struct {
	Channel string
	Payload string
}

// Listener receives notifications for the channels it subscribed to.
// For Postgres this is a dedicated LISTEN connection.
type Listener interface {
	// Listen subscribes to a channel.
	Listen(ctx context.Context, channel string) error

	// WaitForNotification blocks until a notification arrives or the
	// context is cancelled.
	WaitForNotification(ctx context.Context) (*Notification, error)

	// Close releases the listener's connection.
	Close(ctx context.Context) error
}

// NotifyingStore is implemented by stores that support notify-on-write.
// Consumers must treat notifications as wakeups, not as a durable feed:
// the poll fallback remains the source of truth.
type NotifyingStore interface {
	Store

	// GetListener returns a new Listener. Each caller owns its listener and
	// must close it.
	GetListener(ctx context.Context) (Listener, error)

	// Notify broadcasts a payload on a channel.
	Notify(ctx context.Context, channel, payload string) error
}
