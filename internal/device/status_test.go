package device

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    Status
		wantErr bool
	}{
		{
			name: "json floats become int64",
			raw:  map[string]any{"D03102": float64(1), "D03224": float64(210)},
			want: Status{"D03102": int64(1), "D03224": int64(210)},
		},
		{
			name: "signed and unsigned ints",
			raw:  map[string]any{"D0313F": -16, "D0320F": uint64(17920)},
			want: Status{"D0313F": int64(-16), "D0320F": int64(17920)},
		},
		{
			name: "strings kept",
			raw:  map[string]any{"D01S05": "CX5120/11"},
			want: Status{"D01S05": "CX5120/11"},
		},
		{
			name: "json.Number",
			raw:  map[string]any{"D03224": json.Number("215")},
			want: Status{"D03224": int64(215)},
		},
		{
			name:    "fractional rejected",
			raw:     map[string]any{"D03224": 21.5},
			wantErr: true,
		},
		{
			name: "int64 bounds as floats",
			raw:  map[string]any{"lo": float64(-1 << 63), "hi": float64(1 << 62)},
			want: Status{"lo": int64(-1 << 63), "hi": int64(1 << 62)},
		},
		{
			name:    "two to the 63 overflows",
			raw:     map[string]any{"D03224": float64(1 << 63)},
			wantErr: true,
		},
		{
			name:    "json.Number past int64 overflows",
			raw:     map[string]any{"D03224": json.Number("9223372036854775808")},
			wantErr: true,
		},
		{
			name:    "nested rejected",
			raw:     map[string]any{"nested": map[string]any{"a": 1}},
			wantErr: true,
		},
		{
			name:    "bool rejected",
			raw:     map[string]any{"flag": true},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidStatus))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeStatus(t *testing.T) {
	s, err := DecodeStatus([]byte(`{"D03102":1,"D0313F":-16,"D01S03":"Bedroom"}`))
	require.NoError(t, err)

	power, ok := s.Int("D03102")
	assert.True(t, ok)
	assert.Equal(t, int64(1), power)

	heating, ok := s.Int("D0313F")
	assert.True(t, ok)
	assert.Equal(t, int64(-16), heating)

	name, ok := s.String("D01S03")
	assert.True(t, ok)
	assert.Equal(t, "Bedroom", name)

	_, err = DecodeStatus([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStatus_CloneAndEqual(t *testing.T) {
	s := Status{"D03224": int64(210)}
	c := s.Clone()
	assert.True(t, s.Equal(c))

	c["D03224"] = int64(215)
	assert.False(t, s.Equal(c))
	assert.Equal(t, int64(210), s["D03224"])

	assert.True(t, Status(nil).Clone().Equal(Status{}))
	assert.Equal(t, []string{"A", "B"}, Status{"B": int64(1), "A": "x"}.Fields())
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(errors.Join(errors.New("x"), ErrTimeout)))
	assert.False(t, IsTimeout(ErrConnectionFailed))
}
