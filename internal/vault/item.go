package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultIDField is the record key that carries item identity.
const DefaultIDField = "id"

// ErrNotObject is returned for records that are not JSON objects.
var ErrNotObject = errors.New("record is not a JSON object")

// Item is one collected record. Identity is ID alone; Payload is stored
// verbatim and never reconciled with later copies of the same ID.
type Item struct {
	ID      string
	Payload json.RawMessage
}

// ParseItem extracts the identity of a raw record. Records without a usable
// id field yield an Item with an empty ID.
func ParseItem(raw []byte, idField string) (Item, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Item{}, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Item{}, fmt.Errorf("decode record: %w", err)
	}
	payload := make(json.RawMessage, len(trimmed))
	copy(payload, trimmed)
	return Item{ID: idFromField(fields[idField]), Payload: payload}, nil
}

// ParseBatch parses raw job results in order, dropping records that are not
// JSON objects. It returns the parsed items and the number dropped.
func ParseBatch(raws []json.RawMessage, idField string) ([]Item, int) {
	items := make([]Item, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		item, err := ParseItem(raw, idField)
		if err != nil {
			dropped++
			continue
		}
		items = append(items, item)
	}
	return items, dropped
}

func idFromField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
