package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestDecode_AssistantMessage(t *testing.T) {
	payload := []byte(`{
		"object": "assistant.transcription",
		"turn_id": 7,
		"start_ms": 100,
		"text": "hi there",
		"words": [{"word": "hi", "start_ms": 100}, {"word": " there", "start_ms": 300}],
		"turn_status": 1,
		"user_id": 1234
	}`)

	rec, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "assistant.transcription", rec.String(FieldObject))
	assert.Equal(t, int64(7), rec.Int64(FieldTurnID))
	assert.Equal(t, int64(100), rec.Int64(FieldStartMs))
	assert.Equal(t, int64(1), rec.Int64(FieldTurnStatus))
	assert.Equal(t, "1234", rec.Stringify(FieldUserID))

	words := rec.Records(FieldWords)
	require.Len(t, words, 2)
	assert.Equal(t, " there", words[1].String(FieldWord))
	assert.Equal(t, int64(300), words[1].Int64(FieldStartMs))
}

func TestDecode_Invalid(t *testing.T) {
	for _, payload := range []string{``, `not json`, `[1,2]`} {
		_, err := Decode([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestRecord_MistypedFieldsFallBack(t *testing.T) {
	rec := Record{
		"turn_id":  "7",
		"text":     42.0,
		"final":    "true",
		"words":    "nope",
		"start_ms": nil,
	}

	assert.Equal(t, int64(0), rec.Int64(FieldTurnID))
	assert.Equal(t, "", rec.String(FieldText))
	assert.False(t, rec.Bool(FieldFinal))
	assert.Nil(t, rec.Records(FieldWords))
	assert.Equal(t, int64(0), rec.Int64(FieldStartMs))
	assert.Equal(t, int64(0), rec.Int64("missing"))
}

func TestRecord_Int64Variants(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want int64
	}{
		{"float64", float64(12), 12},
		{"int", 12, 12},
		{"int64", int64(12), 12},
		{"json number", json.Number("12"), 12},
		{"json float number", json.Number("12.9"), 12},
		{"bad json number", json.Number("x"), 0},
		{"bool", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Record{"n": tt.val}.Int64("n"))
		})
	}
}

func TestRecord_Stringify(t *testing.T) {
	tests := []struct {
		val  any
		want string
	}{
		{"abc", "abc"},
		{float64(1234), "1234"},
		{1.5, "1.5"},
		{true, "true"},
		{nil, ""},
		{[]any{1}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Record{"v": tt.val}.Stringify("v"))
	}
}

func TestRecords_SkipsNonObjects(t *testing.T) {
	rec := Record{"words": []any{map[string]any{"word": "a"}, "junk", 3.0}}
	words := rec.Records(FieldWords)
	require.Len(t, words, 1)
	assert.Equal(t, "a", words[0].String(FieldWord))
}

func TestFromStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"object": "interrupt", "turn_id": 3})
	require.NoError(t, err)

	rec := FromStruct(s)
	assert.Equal(t, "interrupt", rec.String(FieldObject))
	assert.Equal(t, int64(3), rec.Int64(FieldTurnID))
	assert.Empty(t, FromStruct(nil))
}
