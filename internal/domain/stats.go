package domain

import "time"

// Order carries only what the dashboard counts on.
type Order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

const OrderStatusPending = "pending"

type User struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Stats is the derived dashboard aggregate. It is never persisted.
type Stats struct {
	TotalConversations  int              `json:"total_conversations"`
	ActiveConversations int              `json:"active_conversations"`
	UnreadMessages      int              `json:"unread_messages"`
	ByPlatform          map[Platform]int `json:"by_platform"`
	PendingOrders       int              `json:"pending_orders"`
	TotalUsers          int              `json:"total_users"`
	Error               string           `json:"error,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a copy that shares no maps with s.
func (s Stats) Clone() Stats {
	out := s
	out.ByPlatform = make(map[Platform]int, len(s.ByPlatform))
	for k, v := range s.ByPlatform {
		out.ByPlatform[k] = v
	}
	return out
}
