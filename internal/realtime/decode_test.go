package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"opsdash/internal/domain"
)

func TestDecodeConversation_ColumnAliases(t *testing.T) {
	raw := rawInsert(domain.TableConversations, `{
		"id": 42,
		"platform": "WhatsApp",
		"phone_number": "+1 (555) 010-0100",
		"current_state": "asesor_humano",
		"updated_at": "2026-03-01T10:00:00Z",
		"state_data": {"step": 2}
	}`)

	c, err := DecodeConversation(raw)
	if err != nil {
		t.Fatalf("DecodeConversation: %v", err)
	}
	p := c.New
	if p.ID != "42" {
		t.Errorf("expected id 42, got %q", p.ID)
	}
	if *p.Platform != domain.PlatformWhatsApp {
		t.Errorf("expected whatsapp, got %q", *p.Platform)
	}
	if *p.Contact != "15550100100" {
		t.Errorf("expected normalized contact, got %q", *p.Contact)
	}
	if *p.Status != domain.StatusHumanAgent {
		t.Errorf("expected asesor_humano, got %q", *p.Status)
	}
	if !p.LastInteraction.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected last interaction %v", p.LastInteraction)
	}
	if string(p.StatusPayload) != `{"step": 2}` {
		t.Errorf("unexpected payload %s", p.StatusPayload)
	}
	if p.LastMessage != nil || p.UnreadCount != nil {
		t.Error("absent columns must stay nil")
	}
}

func TestDecodeConversation_DeleteNeedsOldRecord(t *testing.T) {
	_, err := DecodeConversation(domain.RawChange{Table: domain.TableConversations, Kind: domain.ChangeDelete})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	c, err := DecodeConversation(domain.RawChange{
		Table: domain.TableConversations,
		Kind:  domain.ChangeDelete,
		Old:   json.RawMessage(`{"id":"c1"}`),
	})
	if err != nil {
		t.Fatalf("DecodeConversation: %v", err)
	}
	if c.Old.ID != "c1" || c.Entity().ID != "c1" {
		t.Errorf("expected old record c1, got %+v", c.Old)
	}
}

func TestDecodeConversation_WrongColumnType(t *testing.T) {
	_, err := DecodeConversation(rawInsert(domain.TableConversations, `{"id":"c1","unread_count":"many"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeMessage_NormalizesContacts(t *testing.T) {
	c, err := DecodeMessage(rawInsert(domain.TableMessages, `{
		"id": 9, "conversation_id": 42,
		"sender": "15550100100@c.us", "receiver": "Shop",
		"content": "hola", "direction": "incoming", "platform": "whatsapp", "status": "delivered"
	}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	m := c.New
	if m.ID != "9" || m.ConversationID != "42" {
		t.Errorf("ids not coerced: %q %q", m.ID, m.ConversationID)
	}
	if m.Sender != "15550100100" {
		t.Errorf("expected normalized sender, got %q", m.Sender)
	}
	if m.Receiver != "shop" {
		t.Errorf("expected lowercased receiver, got %q", m.Receiver)
	}
	if !m.Incoming() {
		t.Error("expected incoming message")
	}
}

func TestDecodeMessage_UnknownDirection(t *testing.T) {
	_, err := DecodeMessage(rawInsert(domain.TableMessages, `{"id":"1","direction":"sideways"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeMessage_KeyOnlyOldRecordDropped(t *testing.T) {
	c, err := DecodeMessage(domain.RawChange{
		Table: domain.TableMessages,
		Kind:  domain.ChangeUpdate,
		New:   json.RawMessage(`{"id":"m9","direction":"incoming","status":"read"}`),
		Old:   json.RawMessage(`{"id":"m9"}`),
	})
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if c.Old != nil {
		t.Errorf("status-less old record should be dropped, got %+v", c.Old)
	}

	c, err = DecodeMessage(domain.RawChange{
		Table: domain.TableMessages,
		Kind:  domain.ChangeUpdate,
		New:   json.RawMessage(`{"id":"m9","direction":"incoming","status":"read"}`),
		Old:   json.RawMessage(`{"id":"m9","direction":"incoming","status":"delivered"}`),
	})
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if c.Old == nil || c.Old.Status != domain.MessageDelivered {
		t.Errorf("full old record should be kept, got %+v", c.Old)
	}
}

func TestDecodeNotification_MissingID(t *testing.T) {
	_, err := DecodeNotification(rawInsert(domain.TableNotifications, `{"type":"system","title":"x"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeNotification_UpdateKeepsPartialOld(t *testing.T) {
	c, err := DecodeNotification(domain.RawChange{
		Table: domain.TableNotifications,
		Kind:  domain.ChangeUpdate,
		New:   json.RawMessage(`{"id":"n1","type":"system","read":true,"priority":"high"}`),
		Old:   json.RawMessage(`{"read":false}`),
	})
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	if !c.New.Read {
		t.Error("expected read flag")
	}
	if c.Old != nil {
		t.Error("old record without id should be discarded on update")
	}
}

func TestParseChange_CommitLayouts(t *testing.T) {
	tests := []struct {
		name string
		ts   string
	}{
		{"rfc3339", "2026-03-01T10:00:00.123Z"},
		{"postgres text", "2026-03-01 10:00:00.123+00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"table":"orders","type":"insert","record":{"id":"1"},"old_record":null,"commit_timestamp":"` + tt.ts + `"}`
			c, err := ParseChange([]byte(body))
			if err != nil {
				t.Fatalf("ParseChange: %v", err)
			}
			if c.Kind != domain.ChangeInsert {
				t.Errorf("expected INSERT, got %q", c.Kind)
			}
			if c.Old != nil {
				t.Errorf("expected null old record dropped, got %s", c.Old)
			}
			if c.CommitTime.IsZero() {
				t.Error("commit time not parsed")
			}
		})
	}
}

func TestEncodeChange_RoundTrip(t *testing.T) {
	in := domain.RawChange{
		Table:      domain.TableUsers,
		Kind:       domain.ChangeDelete,
		Old:        json.RawMessage(`{"id":"u1","role":"admin"}`),
		CommitTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	body, err := EncodeChange(in)
	if err != nil {
		t.Fatalf("EncodeChange: %v", err)
	}
	out, err := ParseChange(body)
	if err != nil {
		t.Fatalf("ParseChange: %v", err)
	}
	if out.Table != in.Table || out.Kind != in.Kind || !out.CommitTime.Equal(in.CommitTime) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestFilter_String(t *testing.T) {
	if s := In("type", "system").String(); s != "type=eq.system" {
		t.Errorf("unexpected %q", s)
	}
	if s := In("type", "a", "b").String(); s != "type=in.(a,b)" {
		t.Errorf("unexpected %q", s)
	}
	if s := (Filter{}).String(); s != "" {
		t.Errorf("unexpected %q", s)
	}
}

func TestFilter_MatchUsesOldRecordForDeletes(t *testing.T) {
	f := In("recipient_id", "7")
	del := domain.RawChange{Table: domain.TableNotifications, Kind: domain.ChangeDelete, Old: json.RawMessage(`{"id":"1","recipient_id":7}`)}
	if !f.Match(del) {
		t.Error("expected numeric column to match")
	}
	if f.Match(rawInsert(domain.TableNotifications, `{"id":"2"}`)) {
		t.Error("missing column must not match")
	}
}
