package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsdash/internal/domain"
)

// ErrMalformed marks a change that cannot be narrowed to its table's entity.
var ErrMalformed = errors.New("malformed change")

func malformed(table domain.Table, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, table, fmt.Sprintf(format, args...))
}

// idKeys are columns that may arrive as numbers and are held as strings.
var idKeys = []string{"id", "conversation_id", "recipient_id"}

// DecodeConversation narrows a conversation_states change into a patch that
// only carries the columns present in the payload.
func DecodeConversation(raw domain.RawChange) (domain.Change[domain.ConversationPatch], error) {
	out := domain.Change[domain.ConversationPatch]{Kind: raw.Kind, Table: raw.Table, CommitTime: raw.CommitTime}
	if !raw.Kind.Valid() {
		return out, malformed(raw.Table, "unknown event type %q", raw.Kind)
	}
	var err error
	if len(raw.New) > 0 {
		if out.New, err = conversationPatch(raw.New); err != nil {
			return out, malformed(raw.Table, "new record: %v", err)
		}
	}
	if len(raw.Old) > 0 {
		// Old records without replica identity full carry only the key.
		if out.Old, err = conversationPatch(raw.Old); err != nil && raw.Kind == domain.ChangeDelete {
			return out, malformed(raw.Table, "old record: %v", err)
		}
	}
	if err := requireEntity(raw, out.New != nil, out.Old != nil); err != nil {
		return out, err
	}
	return out, nil
}

func conversationPatch(record json.RawMessage) (*domain.ConversationPatch, error) {
	fields, err := recordFields(record)
	if err != nil {
		return nil, err
	}
	id, ok := scalarString(fields["id"])
	if !ok || id == "" {
		return nil, errors.New("missing id")
	}
	p := &domain.ConversationPatch{ID: id}

	if v, ok := field(fields, "platform"); ok {
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
		platform := domain.Platform(strings.ToLower(s))
		p.Platform = &platform
	}
	if v, ok := field(fields, "contact", "phone_number"); ok {
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("contact: %w", err)
		}
		s = domain.NormalizeContact(s)
		p.Contact = &s
	}
	if v, ok := field(fields, "contact_name"); ok {
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("contact_name: %w", err)
		}
		p.ContactName = &s
	}
	if v, ok := field(fields, "status", "current_state"); ok {
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("status: %w", err)
		}
		status := domain.ConversationStatus(s)
		p.Status = &status
	}
	if v, ok := field(fields, "last_interaction", "updated_at"); ok {
		var t time.Time
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, fmt.Errorf("last_interaction: %w", err)
		}
		p.LastInteraction = &t
	}
	if v, ok := field(fields, "last_message"); ok {
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("last_message: %w", err)
		}
		p.LastMessage = &s
	}
	if v, ok := field(fields, "unread_count"); ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("unread_count: %w", err)
		}
		p.UnreadCount = &n
	}
	if v, ok := field(fields, "version"); ok {
		var n int64
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("version: %w", err)
		}
		p.Version = &n
	}
	if v, ok := field(fields, "status_payload", "state_data"); ok {
		p.StatusPayload = append(json.RawMessage(nil), v...)
	}
	return p, nil
}

// DecodeMessage narrows a messages change. Contacts are normalized here so
// reconcilers compare canonical identifiers only.
func DecodeMessage(raw domain.RawChange) (domain.Change[domain.Message], error) {
	out, err := decodeEntity[domain.Message](raw)
	if err != nil {
		return out, err
	}
	for _, m := range []*domain.Message{out.New, out.Old} {
		if m == nil {
			continue
		}
		m.Sender = domain.NormalizeContact(m.Sender)
		m.Receiver = domain.NormalizeContact(m.Receiver)
		m.Platform = domain.Platform(strings.ToLower(string(m.Platform)))
	}
	// Without replica identity full an UPDATE carries only the key in the
	// old record; a status-less old record says nothing about the transition.
	if out.Kind == domain.ChangeUpdate && out.Old != nil && !out.Old.Status.Known() {
		out.Old = nil
	}
	if out.New != nil && out.New.Direction != domain.DirectionIncoming && out.New.Direction != domain.DirectionOutgoing {
		return out, malformed(raw.Table, "message %s: unknown direction %q", out.New.ID, out.New.Direction)
	}
	return out, nil
}

// DecodeNotification narrows a notifications change.
func DecodeNotification(raw domain.RawChange) (domain.Change[domain.Notification], error) {
	return decodeEntity[domain.Notification](raw)
}

// DecodeOrder narrows an orders change.
func DecodeOrder(raw domain.RawChange) (domain.Change[domain.Order], error) {
	return decodeEntity[domain.Order](raw)
}

// DecodeUser narrows a users change.
func DecodeUser(raw domain.RawChange) (domain.Change[domain.User], error) {
	return decodeEntity[domain.User](raw)
}

func decodeEntity[T any](raw domain.RawChange) (domain.Change[T], error) {
	out := domain.Change[T]{Kind: raw.Kind, Table: raw.Table, CommitTime: raw.CommitTime}
	if !raw.Kind.Valid() {
		return out, malformed(raw.Table, "unknown event type %q", raw.Kind)
	}
	var err error
	if len(raw.New) > 0 {
		if out.New, err = unmarshalRecord[T](raw.New); err != nil {
			return out, malformed(raw.Table, "new record: %v", err)
		}
	}
	if len(raw.Old) > 0 {
		if out.Old, err = unmarshalRecord[T](raw.Old); err != nil {
			if raw.Kind == domain.ChangeDelete {
				return out, malformed(raw.Table, "old record: %v", err)
			}
			out.Old = nil
		}
	}
	if err := requireEntity(raw, out.New != nil, out.Old != nil); err != nil {
		return out, err
	}
	return out, nil
}

func requireEntity(raw domain.RawChange, hasNew, hasOld bool) error {
	switch raw.Kind {
	case domain.ChangeInsert, domain.ChangeUpdate:
		if !hasNew {
			return malformed(raw.Table, "%s without record", raw.Kind)
		}
	case domain.ChangeDelete:
		if !hasOld {
			return malformed(raw.Table, "DELETE without old record")
		}
	}
	return nil
}

// unmarshalRecord decodes a row into T after coercing numeric identifier
// columns to strings. Rows without an id are rejected.
func unmarshalRecord[T any](record json.RawMessage) (*T, error) {
	fields, err := recordFields(record)
	if err != nil {
		return nil, err
	}
	id, ok := scalarString(fields["id"])
	if !ok || id == "" {
		return nil, errors.New("missing id")
	}
	for _, key := range idKeys {
		v, present := fields[key]
		if !present {
			continue
		}
		if s, ok := scalarString(v); ok {
			fields[key], _ = json.Marshal(s)
		}
	}
	fixed, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(fixed, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func recordFields(record json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("null record")
	}
	return fields, nil
}

// field returns the first present, non-null column among names.
func field(fields map[string]json.RawMessage, names ...string) (json.RawMessage, bool) {
	for _, name := range names {
		v, ok := fields[name]
		if ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func stringValue(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return s, nil
}
