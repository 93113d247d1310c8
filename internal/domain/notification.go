package domain

import (
	"encoding/json"
	"time"
)

type NotificationType string

const (
	NotifyAgentAssigned   NotificationType = "agent_assigned"
	NotifyNewConversation NotificationType = "new_conversation"
	NotifyHumanAssistance NotificationType = "human_assistance_required"
	NotifyOrderStatus     NotificationType = "order_status"
	NotifySystem          NotificationType = "system"
)

// AllNotificationTypes lists every type in display order.
var AllNotificationTypes = []NotificationType{
	NotifyAgentAssigned,
	NotifyNewConversation,
	NotifyHumanAssistance,
	NotifyOrderStatus,
	NotifySystem,
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Role is the dashboard user's role; it decides which notifications are visible.
type Role string

const (
	RoleEmployee  Role = "employee"
	RoleAgent     Role = "agent"
	RoleLogistics Role = "logistics"
	RoleAdmin     Role = "admin"
)

// Notification is created upstream; the client only flips Read.
type Notification struct {
	ID            string           `json:"id"`
	Type          NotificationType `json:"type"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Priority      Priority         `json:"priority"`
	Read          bool             `json:"read"`
	ReadAt        *time.Time       `json:"read_at,omitempty"`
	RecipientRole Role             `json:"recipient_role,omitempty"`
	RecipientID   string           `json:"recipient_id,omitempty"`
	Metadata      json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
