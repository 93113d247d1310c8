package domain

import "context"

// ConversationSource serves the conversation bulk queries.
type ConversationSource interface {
	ListConversations(ctx context.Context, platform Platform, limit int) ([]ConversationState, error)
	ConversationStats(ctx context.Context) (ConversationStats, error)
}

// OrderSource counts orders in a given status.
type OrderSource interface {
	CountOrders(ctx context.Context, status string) (int, error)
}

// UserSource counts dashboard users.
type UserSource interface {
	CountUsers(ctx context.Context) (int, error)
}

// NotificationStore loads unread notifications and persists read acknowledgements.
type NotificationStore interface {
	// ListUnread returns up to limit unread notifications of the given
	// types, newest first. A nil types slice means every type.
	ListUnread(ctx context.Context, types []NotificationType, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, ids []string) error
}

// Backend bundles every bulk-query collaborator.
type Backend interface {
	ConversationSource
	OrderSource
	UserSource
	NotificationStore
}
