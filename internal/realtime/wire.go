package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opsdash/internal/domain"
)

// wireChange is the row-change body shared by the WebSocket, AMQP and
// Postgres transports and by recorded replay files.
type wireChange struct {
	Schema          string          `json:"schema,omitempty"`
	Table           string          `json:"table"`
	Type            string          `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// commitLayouts are tried in order; Postgres omits the "T" when a trigger
// serialises now()::text.
var commitLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
}

// ParseChange decodes one wire frame into a RawChange.
func ParseChange(body []byte) (domain.RawChange, error) {
	var w wireChange
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.RawChange{}, fmt.Errorf("decode change: %w", err)
	}
	return w.raw()
}

func (w wireChange) raw() (domain.RawChange, error) {
	if w.Table == "" {
		return domain.RawChange{}, fmt.Errorf("change without table")
	}
	c := domain.RawChange{
		Table: domain.Table(w.Table),
		Kind:  domain.ChangeKind(strings.ToUpper(w.Type)),
		New:   nullToEmpty(w.Record),
		Old:   nullToEmpty(w.OldRecord),
	}
	if w.CommitTimestamp != "" {
		for _, layout := range commitLayouts {
			if t, err := time.Parse(layout, w.CommitTimestamp); err == nil {
				c.CommitTime = t
				break
			}
		}
	}
	return c, nil
}

// EncodeChange renders c in the wire form accepted by ParseChange.
func EncodeChange(c domain.RawChange) ([]byte, error) {
	w := wireChange{
		Table:     string(c.Table),
		Type:      string(c.Kind),
		Record:    c.New,
		OldRecord: c.Old,
	}
	if !c.CommitTime.IsZero() {
		w.CommitTimestamp = c.CommitTime.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "{}" {
		return nil
	}
	return raw
}
