// Package schema decodes raw transcription payloads into generic records
// and extracts fields from them without failing on missing or mistyped values.
package schema

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field names of the inbound wire format.
const (
	FieldObject     = "object"
	FieldTurnID     = "turn_id"
	FieldStartMs    = "start_ms"
	FieldText       = "text"
	FieldWords      = "words"
	FieldWord       = "word"
	FieldTurnStatus = "turn_status"
	FieldFinal      = "final"
	FieldUserID     = "user_id"
)

// Record is a decoded key/value message.
type Record map[string]any

var unmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

// Decode parses a JSON object payload into a Record.
func Decode(payload []byte) (Record, error) {
	var s structpb.Struct
	if err := unmarshalOptions.Unmarshal(payload, &s); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	return Record(s.AsMap()), nil
}

// FromStruct converts an already decoded protobuf Struct.
func FromStruct(s *structpb.Struct) Record {
	if s == nil {
		return Record{}
	}
	return Record(s.AsMap())
}

// String returns the string value at key, or "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the numeric value at key truncated to int64, or 0.
func (r Record) Int64(key string) int64 {
	n, _ := toInt64(r[key])
	return n
}

// Bool returns the boolean value at key, or false.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Stringify renders any scalar value at key as a string. Integral numbers
// are rendered without a fraction or exponent so numeric user ids survive.
func (r Record) Stringify(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Records returns the object elements of the list at key. Elements that
// are not objects are skipped.
func (r Record) Records(key string) []Record {
	var items []any
	switch v := r[key].(type) {
	case []any:
		items = v
	case []map[string]any:
		out := make([]Record, 0, len(v))
		for _, m := range v {
			out = append(out, Record(m))
		}
		return out
	default:
		return nil
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case map[string]any:
			out = append(out, Record(m))
		case Record:
			out = append(out, m)
		}
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}
