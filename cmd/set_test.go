package cmd

import (
	"bytes"
	"testing"

	"github.com/geekxflood/proteus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetArgs(t *testing.T) {
	vbs, err := parseSetArgs([]string{
		"1.3.6.1.2.1.16.15.1.1.2.7", "o", "1.3.6.1.2.1.2.2.1.1.1",
		".1.3.6.1.2.1.16.15.1.1.11.7", "s", "monitor",
		"1.3.6.1.2.1.16.15.1.1.12.7", "i", "4",
	})
	require.NoError(t, err)
	require.Len(t, vbs, 3)

	assert.Equal(t, types.MustParseOID("1.3.6.1.2.1.16.15.1.1.2.7"), vbs[0].OID)
	assert.Equal(t, types.TypeObjectIdentifier, vbs[0].Type)
	assert.Equal(t, types.MustParseOID("1.3.6.1.2.1.2.2.1.1.1"), vbs[0].Value)
	assert.Equal(t, []byte("monitor"), vbs[1].Value)
	assert.Equal(t, int64(4), vbs[2].Value)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		kind  string
		input string
		want  types.Value
	}{
		{"i", "-1", types.Integer(-1)},
		{"u", "42", types.Gauge32(42)},
		{"c", "7", types.Counter32(7)},
		{"t", "100", types.TimeTicks(100)},
		{"x", "0a:00:00:01", types.OctetString([]byte{10, 0, 0, 1})},
		{"a", "192.168.1.1", types.IPAddress([]byte{192, 168, 1, 1})},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"_"+tt.input, func(t *testing.T) {
			got, err := parseValue(tt.kind, tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestParseSetArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"incomplete triplet", []string{"1.3.6.1", "i"}},
		{"bad oid", []string{"1.3.x", "i", "1"}},
		{"empty oid", []string{"", "i", "1"}},
		{"unknown type", []string{"1.3.6.1", "z", "1"}},
		{"integer overflow", []string{"1.3.6.1", "i", "4294967296"}},
		{"negative gauge", []string{"1.3.6.1", "u", "-1"}},
		{"bad hex", []string{"1.3.6.1", "x", "zz"}},
		{"ipv6 address", []string{"1.3.6.1", "a", "::1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSetArgs(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestGenerateConfigStdout(t *testing.T) {
	var out bytes.Buffer
	generateCmd.SetOut(&out)
	defer generateCmd.SetOut(nil)

	outputFile = ""
	require.NoError(t, generateConfig(generateCmd, nil))
	assert.Contains(t, out.String(), "agentx:")
	assert.Contains(t, out.String(), "backoff_multiplier: 2.0")
	assert.Contains(t, out.String(), "journal:")
}
