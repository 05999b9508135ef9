// Package approval gates tool calls on reviewer decisions.
//
// The manager creates pending approvals, lets the pipeline block until a
// reviewer decides, and applies decisions idempotently. Waiters wake on
// store notifications when available; a periodic poll remains the source of
// truth, so a missed notification only delays the wakeup.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/hooks"
	"github.com/codebroker/codebroker/storage"
)

// ErrNotFound is returned when an approval ID does not exist.
var ErrNotFound = errors.New("approval: not found")

// DefaultPollInterval is the fallback poll cadence for waiters.
const DefaultPollInterval = 500 * time.Millisecond

// Manager coordinates approval lifecycles.
type Manager struct {
	store  storage.Store
	events *eventlog.Log
	logger *log.Logger
	hooks  *hooks.Registry
	poll   time.Duration

	mu      sync.Mutex
	waiters map[uuid.UUID][]chan storage.ApprovalStatus
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; silent by default.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPollInterval overrides the waiter poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.poll = d }
}

// WithHooks attaches a hook registry observing approval lifecycles.
func WithHooks(registry *hooks.Registry) Option {
	return func(m *Manager) { m.hooks = registry }
}

// New creates a manager over the given store and event log.
func New(store storage.Store, events *eventlog.Log, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		events:  events,
		poll:    DefaultPollInterval,
		waiters: make(map[uuid.UUID][]chan storage.ApprovalStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a pending approval for a tool call and publishes
// approval.requested on the task's event log.
func (m *Manager) Create(ctx context.Context, taskID uuid.UUID, workspaceID, callID, toolPath string, input json.RawMessage) (*storage.Approval, error) {
	approval, err := m.store.CreateApproval(ctx, taskID, workspaceID, toolPath, input)
	if err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}

	if _, err := m.events.Publish(ctx, taskID, eventlog.ApprovalRequestedPayload{
		ApprovalID: approval.ID,
		TaskID:     taskID,
		CallID:     callID,
		ToolPath:   toolPath,
		Input:      input,
		CreatedAt:  approval.CreatedAt,
	}); err != nil {
		return nil, err
	}

	if m.hooks != nil {
		if err := m.hooks.TriggerApprovalRequested(ctx, approval); err != nil {
			m.logf("approval: requested hook: %v", err)
		}
	}
	return approval, nil
}

// WaitFor blocks until the approval reaches a terminal status or the
// context is cancelled. It is safe to call from multiple goroutines for the
// same approval.
func (m *Manager) WaitFor(ctx context.Context, approvalID uuid.UUID) (storage.ApprovalStatus, error) {
	// Register before the initial read so a resolve landing in between
	// still wakes us.
	ch := m.register(approvalID)
	defer m.unregister(approvalID, ch)

	status, err := m.currentStatus(ctx, approvalID)
	if err != nil {
		return "", err
	}
	if status.IsTerminal() {
		return status, nil
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case status := <-ch:
			return status, nil
		case <-ticker.C:
			status, err := m.currentStatus(ctx, approvalID)
			if err != nil {
				return "", err
			}
			if status.IsTerminal() {
				return status, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Resolve applies a reviewer decision. The first decision wins; a second
// call returns the unchanged approval with no event published.
func (m *Manager) Resolve(ctx context.Context, params *storage.ResolveApprovalParams) (*storage.Approval, error) {
	if !params.Decision.IsTerminal() {
		return nil, fmt.Errorf("approval: decision must be approved or denied, got %q", params.Decision)
	}

	approval, applied, err := m.store.ResolveApproval(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("approval: resolve: %w", err)
	}
	if approval == nil {
		return nil, ErrNotFound
	}
	if !applied {
		return approval, nil
	}

	if _, err := m.events.Publish(ctx, approval.TaskID, eventlog.ApprovalResolvedPayload{
		ApprovalID: approval.ID,
		TaskID:     approval.TaskID,
		ToolPath:   approval.ToolPath,
		Decision:   string(approval.Status),
		ReviewerID: approval.ReviewerID,
		Reason:     approval.Reason,
		ResolvedAt: storage.Deref(approval.ResolvedAt),
	}); err != nil {
		return nil, err
	}

	if m.hooks != nil {
		if err := m.hooks.TriggerApprovalResolved(ctx, approval); err != nil {
			m.logf("approval: resolved hook: %v", err)
		}
	}

	m.wake(approval.ID, approval.Status)
	return approval, nil
}

// Pending lists the workspace's undecided approvals for reviewer surfaces.
func (m *Manager) Pending(ctx context.Context, workspaceID string) ([]*storage.Approval, error) {
	return m.store.ListPendingApprovals(ctx, workspaceID)
}

// Get fetches one approval.
func (m *Manager) Get(ctx context.Context, approvalID uuid.UUID) (*storage.Approval, error) {
	approval, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, ErrNotFound
	}
	return approval, nil
}

// Run consumes approval-resolved notifications and wakes local waiters.
// It returns when the context is cancelled. Stores without notify support
// need no Run loop; waiters then rely on the poll fallback alone.
func (m *Manager) Run(ctx context.Context) error {
	notifying, ok := m.store.(storage.NotifyingStore)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.consumeNotifications(ctx, notifying); err != nil && ctx.Err() == nil {
			m.logf("approval: listener error, reconnecting: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// consumeNotifications runs one listener session until it fails or the
// context ends.
func (m *Manager) consumeNotifications(ctx context.Context, store storage.NotifyingStore) error {
	listener, err := store.GetListener(ctx)
	if err != nil {
		return err
	}
	defer listener.Close(context.Background())

	if err := listener.Listen(ctx, storage.ChannelApprovalResolved); err != nil {
		return err
	}

	for {
		notification, err := listener.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		approvalID, status, ok := parseResolvedPayload(notification.Payload)
		if !ok {
			continue
		}
		m.wake(approvalID, status)
	}
}

// parseResolvedPayload splits the "<approvalID>:<decision>" notification
// payload.
func parseResolvedPayload(payload string) (uuid.UUID, storage.ApprovalStatus, bool) {
	idx := strings.IndexByte(payload, ':')
	if idx < 0 {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(payload[:idx])
	if err != nil {
		return uuid.Nil, "", false
	}
	status := storage.ApprovalStatus(payload[idx+1:])
	if !status.IsTerminal() {
		return uuid.Nil, "", false
	}
	return id, status, true
}

func (m *Manager) currentStatus(ctx context.Context, approvalID uuid.UUID) (storage.ApprovalStatus, error) {
	approval, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", fmt.Errorf("approval: get: %w", err)
	}
	if approval == nil {
		return "", ErrNotFound
	}
	return approval.Status, nil
}

func (m *Manager) register(approvalID uuid.UUID) chan storage.ApprovalStatus {
	ch := make(chan storage.ApprovalStatus, 1)
	m.mu.Lock()
	m.waiters[approvalID] = append(m.waiters[approvalID], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) unregister(approvalID uuid.UUID, ch chan storage.ApprovalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[approvalID]
	for i, c := range chans {
		if c == ch {
			m.waiters[approvalID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[approvalID]) == 0 {
		delete(m.waiters, approvalID)
	}
}

// wake delivers a terminal status to every local waiter for the approval.
func (m *Manager) wake(approvalID uuid.UUID, status storage.ApprovalStatus) {
	m.mu.Lock()
	chans := m.waiters[approvalID]
	delete(m.waiters, approvalID)
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- status:
		default:
		}
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
