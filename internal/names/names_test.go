package names

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

const sample = `# MCT name table
PARAM Offset,2,0
PARAM Gain, 0x03
TRACK Stow,0
TRACK Tracking,2
ERROR Limit,5
LOG Mirror1 Temp,0
LOG Humidity,4

UNKNOWN foo,1
`

var _ sfc.Namer = (*Tables)(nil)

func TestParse(t *testing.T) {
	tb, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "Tracking", tb.TrackName(2))
	assert.Equal(t, "", tb.TrackName(9))
	assert.Equal(t, "Limit", tb.ErrorName(5))
	assert.Equal(t, "Gain", tb.ParamName(3))

	p, ok := tb.Param(2)
	require.True(t, ok)
	assert.True(t, p.HasDefault)
	assert.Equal(t, int16(0), p.Default)

	params := tb.Params()
	require.Len(t, params, 2)
	assert.Equal(t, byte(2), params[0].Num)
	assert.False(t, params[1].HasDefault)

	ch, ok := tb.LogChannel(1)
	require.True(t, ok)
	assert.Equal(t, LogChannel{Index: 4, Name: "Humidity"}, ch)
	assert.Len(t, tb.LogChannels(), 2)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "缺少取值", input: "PARAM Offset"},
		{name: "取值非数字", input: "TRACK Stow,x"},
		{name: "取值越界", input: "ERROR Big,300"},
		{name: "默认值非法", input: "PARAM Offset,1,abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "line 1")
		})
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
params:
  - {name: Offset, value: 2, default: -5}
tracks:
  - {name: Tracking, value: 2}
errors:
  - {name: Limit, value: 5}
log:
  - {name: Temp, value: 0}
`
	tb, err := ParseYAML(strings.NewReader(doc))
	require.NoError(t, err)
	p, ok := tb.Param(2)
	require.True(t, ok)
	assert.Equal(t, int16(-5), p.Default)
	assert.Equal(t, "Tracking", tb.TrackName(2))
	assert.Equal(t, "Limit", tb.ErrorName(5))
	assert.Len(t, tb.LogChannels(), 1)
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "names.cfg")
	require.NoError(t, os.WriteFile(txt, []byte(sample), 0o644))
	yml := filepath.Join(dir, "names.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("tracks:\n  - {name: Stow, value: 0}\n"), 0o644))

	tb, err := Load(txt)
	require.NoError(t, err)
	assert.Equal(t, "Offset", tb.ParamName(2))

	tb, err = Load(yml)
	require.NoError(t, err)
	assert.Equal(t, "Stow", tb.TrackName(0))

	_, err = Load(filepath.Join(dir, "missing.cfg"))
	assert.Error(t, err)
}

func TestNilTables(t *testing.T) {
	var tb *Tables
	assert.Equal(t, "", tb.TrackName(1))
	assert.Nil(t, tb.Params())
	_, ok := tb.LogChannel(0)
	assert.False(t, ok)
}
