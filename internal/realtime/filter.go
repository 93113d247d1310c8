package realtime

import (
	"encoding/json"
	"strconv"
	"strings"

	"opsdash/internal/domain"
)

// Filter restricts a subscription to rows whose Column holds one of Values.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Values []string
}

// In builds a column=in.(values) filter.
func In(column string, values ...string) Filter {
	return Filter{Column: column, Values: values}
}

func (f Filter) IsZero() bool { return f.Column == "" }

// String renders f in the PostgREST form used by the realtime service,
// e.g. "type=in.(order_status,system)".
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	if len(f.Values) == 1 {
		return f.Column + "=eq." + f.Values[0]
	}
	return f.Column + "=in.(" + strings.Join(f.Values, ",") + ")"
}

// Match tests the change's record (the old record for deletes) against f.
func (f Filter) Match(change domain.RawChange) bool {
	if f.IsZero() {
		return true
	}
	record := change.New
	if len(record) == 0 {
		record = change.Old
	}
	if len(record) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return false
	}
	value, ok := scalarString(fields[f.Column])
	if !ok {
		return false
	}
	for _, v := range f.Values {
		if v == value {
			return true
		}
	}
	return false
}

// scalarString renders a JSON string, number or bool as plain text.
func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}
