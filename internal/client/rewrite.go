package client

import (
	"encoding/json"
)

// RewriteRefs replaces every JSON string value equal to tempID, anywhere in
// the document, with serverID. Temporary ids are globally unique, so a plain
// value match cannot collide with unrelated data. Foreign keys held by other
// entities (a subtask's parent pointer, a completion's task id) are caught
// the same way as the entity's own id.
//
// Pure: malformed input is returned unchanged.
func RewriteRefs(doc []byte, tempID, serverID string) []byte {
	if len(doc) == 0 || tempID == "" {
		return doc
	}
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return doc
	}
	rewritten, changed := rewriteValue(value, tempID, serverID)
	if !changed {
		return doc
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return doc
	}
	return out
}

func rewriteValue(v any, tempID, serverID string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == tempID {
			return serverID, true
		}
		return t, false
	case map[string]any:
		changed := false
		for k, val := range t {
			next, c := rewriteValue(val, tempID, serverID)
			if c {
				t[k] = next
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, val := range t {
			next, c := rewriteValue(val, tempID, serverID)
			if c {
				t[i] = next
				changed = true
			}
		}
		return t, changed
	default:
		return v, false
	}
}
