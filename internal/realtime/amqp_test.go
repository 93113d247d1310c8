package realtime

import (
	"testing"
	"time"

	"opsdash/internal/domain"

	"github.com/rabbitmq/amqp091-go"
)

func TestChangeFromRoutingKey(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"o1","status":"pending"}`)

	tests := []struct {
		name    string
		key     string
		body    []byte
		table   domain.Table
		kind    domain.ChangeKind
		wantNew bool
		wantOld bool
		wantErr bool
	}{
		{name: "insert", key: "orders.insert", body: body, table: domain.TableOrders, kind: domain.ChangeInsert, wantNew: true},
		{name: "update", key: "messages.UPDATE", body: body, table: domain.TableMessages, kind: domain.ChangeUpdate, wantNew: true},
		{name: "delete", key: "users.delete", body: body, table: domain.TableUsers, kind: domain.ChangeDelete, wantOld: true},
		{name: "null body", key: "orders.insert", body: []byte("null"), table: domain.TableOrders, kind: domain.ChangeInsert},
		{name: "no event", key: "orders", wantErr: true},
		{name: "no table", key: ".insert", wantErr: true},
		{name: "empty event", key: "orders.", wantErr: true},
		{name: "unknown event", key: "orders.truncate", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := changeFromRoutingKey(amqp091.Delivery{RoutingKey: tt.key, Body: tt.body, Timestamp: ts})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.key, c)
				}
				return
			}
			if err != nil {
				t.Fatalf("changeFromRoutingKey(%q): %v", tt.key, err)
			}
			if c.Table != tt.table || c.Kind != tt.kind {
				t.Errorf("got %s/%s, want %s/%s", c.Table, c.Kind, tt.table, tt.kind)
			}
			if (c.New != nil) != tt.wantNew || (c.Old != nil) != tt.wantOld {
				t.Errorf("record placement wrong: new=%s old=%s", c.New, c.Old)
			}
			if !c.CommitTime.Equal(ts) {
				t.Errorf("commit time %v, want %v", c.CommitTime, ts)
			}
		})
	}
}
