package domain

import (
	"encoding/json"
	"time"
)

type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformMessenger Platform = "messenger"
	PlatformFacebook  Platform = "facebook"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWhatsApp, PlatformInstagram, PlatformMessenger, PlatformFacebook:
		return true
	}
	return false
}

// ConversationStatus tracks where a contact sits in the order-taking flow.
type ConversationStatus string

const (
	StatusMainMenu        ConversationStatus = "menu_principal"
	StatusGeneratingOrder ConversationStatus = "generar_orden_ia"
	StatusConfirmingAddr  ConversationStatus = "confirmando_direccion"
	StatusGeneralInfo     ConversationStatus = "informacion_general"
	StatusAwaitingPayment ConversationStatus = "esperando_pago"
	StatusOrderCompleted  ConversationStatus = "orden_completada"
	StatusHumanAgent      ConversationStatus = "asesor_humano"
)

// Terminal reports whether no automatic transition leaves s.
func (s ConversationStatus) Terminal() bool { return s == StatusOrderCompleted }

// ConversationState is the reconciled view of one (platform, contact) pair.
type ConversationState struct {
	ID             string             `json:"id"`
	Platform       Platform           `json:"platform"`
	Contact        string             `json:"contact"`
	ContactName    string             `json:"contact_name,omitempty"`
	Status         ConversationStatus `json:"status"`
	StateUpdatedAt time.Time          `json:"state_updated_at"`
	LastMessage    string             `json:"last_message,omitempty"`
	LastMessageAt  time.Time          `json:"last_message_at,omitempty"`
	UnreadCount    int                `json:"unread_count"`
	Version        int64              `json:"version,omitempty"`
	StatusPayload  json.RawMessage    `json:"status_payload,omitempty"`
}

// LastInteraction is the later of the state timestamp and the newest message.
func (c ConversationState) LastInteraction() time.Time {
	if c.LastMessageAt.After(c.StateUpdatedAt) {
		return c.LastMessageAt
	}
	return c.StateUpdatedAt
}

// ConversationPatch carries only the columns present in a change payload.
// A nil field means "not sent", so merging leaves the held value alone.
type ConversationPatch struct {
	ID              string
	Platform        *Platform
	Contact         *string
	ContactName     *string
	Status          *ConversationStatus
	LastInteraction *time.Time
	LastMessage     *string
	UnreadCount     *int
	Version         *int64
	StatusPayload   json.RawMessage
}

// Apply merges p into c and returns the result. Identity fields are only
// written when present.
func (p ConversationPatch) Apply(c ConversationState) ConversationState {
	if p.ID != "" {
		c.ID = p.ID
	}
	if p.Platform != nil {
		c.Platform = *p.Platform
	}
	if p.Contact != nil {
		c.Contact = *p.Contact
	}
	if p.ContactName != nil {
		c.ContactName = *p.ContactName
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.LastInteraction != nil {
		c.StateUpdatedAt = *p.LastInteraction
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	if p.Version != nil {
		c.Version = *p.Version
	}
	if p.StatusPayload != nil {
		c.StatusPayload = append(json.RawMessage(nil), p.StatusPayload...)
	}
	return c
}

// ConversationStats is the aggregate returned by the conversation stats query.
type ConversationStats struct {
	Total      int              `json:"total"`
	Active     int              `json:"active"`
	Unread     int              `json:"unread"`
	ByPlatform map[Platform]int `json:"by_platform"`
}
