package idcodec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Value kinds persisted alongside the column text.
const (
	KindSingle = "single"
	KindList   = "list"
)

// Value is the serialized form of a slot column: a single identifier, an
// ordered list of identifiers, or absent.
type Value struct {
	Single string
	List   []string
	IsList bool
	set    bool
}

// SingleValue wraps one identifier.
func SingleValue(id string) Value {
	return Value{Single: id, set: true}
}

// ListValue wraps an ordered identifier list.
func ListValue(ids []string) Value {
	out := make([]string, len(ids))
	copy(out, ids)
	return Value{List: out, IsList: true, set: true}
}

// Present reports whether the column holds a value.
func (v Value) Present() bool {
	return v.set
}

// Kind returns KindList or KindSingle.
func (v Value) Kind() string {
	if v.IsList {
		return KindList
	}
	return KindSingle
}

// Text returns the textual column form: JSON array for lists, the raw string otherwise.
func (v Value) Text() (string, error) {
	if !v.set {
		return "", nil
	}
	if !v.IsList {
		return v.Single, nil
	}
	list := v.List
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseText restores a Value written with Text.
func ParseText(kind, text string) (Value, error) {
	switch kind {
	case KindList:
		var list []string
		if strings.TrimSpace(text) == "" {
			return ListValue(nil), nil
		}
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return Value{}, fmt.Errorf("decode identifier list: %w", err)
		}
		return ListValue(list), nil
	case KindSingle, "":
		return SingleValue(text), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %q", kind)
	}
}

// Equal compares two values by kind and content.
func (v Value) Equal(other Value) bool {
	if v.set != other.set || v.IsList != other.IsList {
		return false
	}
	if !v.IsList {
		return v.Single == other.Single
	}
	if len(v.List) != len(other.List) {
		return false
	}
	for i := range v.List {
		if v.List[i] != other.List[i] {
			return false
		}
	}
	return true
}

// EncodeIdentifiers serializes identifiers for a single- or multi-file slot.
// An empty identifier set encodes as absent.
func EncodeIdentifiers(ids []string, multiple bool) Value {
	clean := compact(ids)
	if len(clean) == 0 {
		return Value{}
	}
	if multiple {
		return ListValue(clean)
	}
	return SingleValue(clean[0])
}

// DecodeIdentifiers returns the ordered identifiers held by a column value.
func DecodeIdentifiers(v Value) []string {
	if !v.set {
		return nil
	}
	if v.IsList {
		return compact(v.List)
	}
	return compact([]string{v.Single})
}

// EncodeCacheNames renders cache names as the JSON array stored in the cache
// companion attribute. No names encode as "".
func EncodeCacheNames(names []string) (string, error) {
	clean := compact(names)
	if len(clean) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeCacheNames parses the cache companion attribute. A bare cache name
// is accepted as a one-element list; malformed JSON yields nil.
func DecodeCacheNames(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !strings.HasPrefix(raw, "[") {
		return []string{raw}
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	return compact(names)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
