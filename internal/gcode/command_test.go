package gcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Classic(t *testing.T) {
	cmd, ok := Parse("g1 x10.5 Y-2 ; move")
	require.True(t, ok)

	assert.Equal(t, "G1", cmd.Name)
	assert.Equal(t, "10.5", cmd.Params["X"])
	assert.Equal(t, "-2", cmd.Params["Y"])
	assert.Equal(t, "x10.5 Y-2", cmd.RawParams)
	assert.Equal(t, "g1 x10.5 Y-2", cmd.Line)
}

func TestParse_Extended(t *testing.T) {
	cmd, ok := Parse("SDCARD_PRINT_FILE FILENAME=Part.gcode")
	require.True(t, ok)

	assert.Equal(t, "SDCARD_PRINT_FILE", cmd.Name)
	v, err := cmd.Require("filename")
	require.NoError(t, err)
	assert.Equal(t, "Part.gcode", v, "values keep their case")
}

func TestParse_BlankAndComments(t *testing.T) {
	for _, line := range []string{"", "   ", "; only a comment", "\t;x"} {
		_, ok := Parse(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParse_RawParamsPreserveCase(t *testing.T) {
	cmd, ok := Parse("M23 Sub/Dir/File.GCODE")
	require.True(t, ok)
	assert.Equal(t, "M23", cmd.Name)
	assert.Equal(t, "Sub/Dir/File.GCODE", cmd.RawParams)
}

func TestIsClassic(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"G1", true},
		{"M104", true},
		{"G29.1", true},
		{"T0", true},
		{"G", false},
		{"SET_X", false},
		{"MINF", false},
		{"1G", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isClassic(tt.name))
		})
	}
}

func TestCommand_Int(t *testing.T) {
	cmd, _ := Parse("M26 S100")

	n, err := cmd.Int("S", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	n, err = cmd.Int("P", 7, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n, "absent key yields default")
}

func TestCommand_Int_Errors(t *testing.T) {
	cmd, _ := Parse("M26 S-1")
	_, err := cmd.Int("S", 0, 0)
	require.Error(t, err)
	assert.True(t, IsError(err))
	assert.Contains(t, err.Error(), "minimum of 0")

	cmd, _ = Parse("M26 Sabc")
	_, err = cmd.Int("S", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to parse abc")
}

func TestCommand_Float(t *testing.T) {
	cmd, _ := Parse("SDCARD_RESTART_FILE ELAPSED=12.5")

	f, err := cmd.Float("ELAPSED", 0)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, f, 1e-9)

	_, err = cmd.Float("POSITION", 0)
	require.NoError(t, err)

	cmd, _ = Parse("SDCARD_RESTART_FILE ELAPSED=x")
	_, err = cmd.Float("ELAPSED", 0)
	assert.True(t, IsError(err))
}

func TestCommand_Require_Missing(t *testing.T) {
	cmd, _ := Parse("SDCARD_PRINT_FILE")
	_, err := cmd.Require("FILENAME")
	require.Error(t, err)
	assert.Equal(t, "Error on 'SDCARD_PRINT_FILE': missing FILENAME", Message(err))
}

func TestCommand_String_Default(t *testing.T) {
	cmd, _ := Parse("STATUS")
	assert.Equal(t, "fallback", cmd.String("KEY", "fallback"))
}
