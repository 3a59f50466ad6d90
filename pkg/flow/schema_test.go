package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormSchema_RequiredFields(t *testing.T) {
	schema := NewSchema(
		Required(ConfHost, FieldString),
		Optional(ConfPort, FieldInteger),
		Required(ConfCode, FieldString),
	)

	assert.Equal(t, []string{ConfHost, ConfCode}, schema.RequiredFields())
}

func TestFormSchema_JSONSchema(t *testing.T) {
	schema := NewSchema(Required(ConfHost, FieldString), Optional(ConfPort, FieldInteger))

	doc := schema.JSONSchema()
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, []string{ConfHost}, doc["required"])

	props := doc["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "minLength": 1}, props[ConfHost])
	assert.Equal(t, map[string]any{"type": "integer"}, props[ConfPort])
}

func TestFormSchema_Validate(t *testing.T) {
	schema := NewSchema(Required(ConfHost, FieldString), Optional(ConfPort, FieldInteger))

	tests := []struct {
		name  string
		input Input
		want  map[string]string
	}{
		{
			name:  "valid",
			input: Input{ConfHost: "10.0.0.9"},
			want:  map[string]string{},
		},
		{
			name:  "extra keys pass through",
			input: Input{ConfHost: "10.0.0.9", ConfMAC: "AA:BB:CC:DD:EE:FF", ConfDeviceID: "X1"},
			want:  map[string]string{},
		},
		{
			name:  "missing required",
			input: Input{},
			want:  map[string]string{ConfHost: ErrorRequired},
		},
		{
			name:  "blank required",
			input: Input{ConfHost: "  "},
			want:  map[string]string{ConfHost: ErrorRequired},
		},
		{
			name:  "wrong type",
			input: Input{ConfHost: "10.0.0.9", ConfPort: "eighty"},
			want:  map[string]string{ConfPort: ErrorInvalid},
		},
		{
			name:  "json number is an integer",
			input: Input{ConfHost: "10.0.0.9", ConfPort: float64(80)},
			want:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, err := schema.Validate(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, errs)
		})
	}
}

func TestInput_Accessors(t *testing.T) {
	in := Input{
		"str":   "value",
		"float": float64(80),
		"int":   8080,
		"num":   "443",
		"nil":   nil,
	}

	assert.Equal(t, "value", in.String("str"))
	assert.Equal(t, "80", in.String("float"))
	assert.Equal(t, "8080", in.String("int"))
	assert.Equal(t, "", in.String("nil"))
	assert.Equal(t, "", in.String("missing"))

	assert.Equal(t, 80, in.Int("float"))
	assert.Equal(t, 8080, in.Int("int"))
	assert.Equal(t, 443, in.Int("num"))
	assert.Equal(t, 0, in.Int("str"))

	clone := in.Clone()
	clone["str"] = "changed"
	assert.Equal(t, "value", in.String("str"))

	var empty Input
	assert.NotNil(t, empty.Clone())
}
