// internal/domain/work_item.go
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// WorkItem is an opaque identifier supplied by the caller. It is either a JSON
// number or a JSON string and is written back in the same form it arrived in.
type WorkItem struct {
	value   string
	numeric bool
}

// NumericItem builds a WorkItem from an integer identifier.
func NumericItem(n int64) WorkItem {
	return WorkItem{value: strconv.FormatInt(n, 10), numeric: true}
}

// StringItem builds a WorkItem from a string identifier.
func StringItem(s string) WorkItem {
	return WorkItem{value: s}
}

func (w WorkItem) String() string { return w.value }

// IsNumeric reports whether the identifier was supplied as a JSON number.
func (w WorkItem) IsNumeric() bool { return w.numeric }

func (w WorkItem) MarshalJSON() ([]byte, error) {
	if w.numeric {
		return []byte(w.value), nil
	}
	return json.Marshal(w.value)
}

func (w *WorkItem) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty work item")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = StringItem(s)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	n, ok := v.(json.Number)
	if !ok {
		return fmt.Errorf("work item must be a number or a string, got %s", data)
	}
	*w = WorkItem{value: n.String(), numeric: true}
	return nil
}
