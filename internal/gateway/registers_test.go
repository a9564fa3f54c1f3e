package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegisterValue(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"42", 42, false},
		{"0b101", 5, false},
		{"0B11", 3, false},
		{"0x1F", 31, false},
		{"0xff", 255, false},
		{"010", 10, false},
		{" 7 ", 7, false},
		{"-1", -1, false},
		{"-32768", -32768, false},
		{"65535", 65535, false},
		{"65536", 0, true},
		{"-32769", 0, true},
		{"", 0, true},
		{"0x", 0, true},
		{"0b102", 0, true},
		{"abc", 0, true},
		{"1_000", 0, true},
		{"--1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRegisterValue(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRegisterBlocks(t *testing.T) {
	blocks, err := ParseRegisterBlocks("1:1000:10, 5:0x9:9,")
	require.NoError(t, err)
	assert.Equal(t, []RegisterBlock{
		{UnitID: 1, Register: 1000, Range: 10},
		{UnitID: 5, Register: 9, Range: 9},
	}, blocks)

	blocks, err = ParseRegisterBlocks("")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	for _, bad := range []string{"1:1000", "248:1:1", "1:1:0", "1:1:101", "1:-5:1", "x:1:1"} {
		_, err := ParseRegisterBlocks(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegisterBlock_Contains(t *testing.T) {
	b := RegisterBlock{UnitID: 1, Register: 2000, Range: 4}
	assert.True(t, b.Contains(1, 2000))
	assert.True(t, b.Contains(1, 2003))
	assert.False(t, b.Contains(1, 2004))
	assert.False(t, b.Contains(1, 1999))
	assert.False(t, b.Contains(2, 2000))
}
