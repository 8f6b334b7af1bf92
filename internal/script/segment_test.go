package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []Segment
	}{
		{
			name: "hook and holding product backend",
			text: "HOOK\nSay hello\nBackend 1 — HOLDING PRODUCT\nShow the bottle",
			want: []Segment{
				{Label: "HOOK", Prompt: "Say hello"},
				{Label: "Backend 1", Prompt: "Show the bottle", HoldingProduct: true},
			},
		},
		{
			name: "open label vocabulary",
			text: "Intro V2\nWave at the camera\nOUTRO\nSay goodbye\n",
			want: []Segment{
				{Label: "Intro V2", Prompt: "Wave at the camera"},
				{Label: "OUTRO", Prompt: "Say goodbye"},
			},
		},
		{
			name: "multi-line prompt is trimmed",
			text: "HOOK\n  First line.\nsecond line.  \n\nCTA\nBuy now.",
			want: []Segment{
				{Label: "HOOK", Prompt: "First line.\nsecond line."},
				{Label: "CTA", Prompt: "Buy now."},
			},
		},
		{
			name: "blank lines between label and prompt",
			text: "HOOK\n\nSay hello\n\nBackend 1\n\nShow the bottle",
			want: []Segment{
				{Label: "HOOK", Prompt: "Say hello"},
				{Label: "Backend 1", Prompt: "Show the bottle"},
			},
		},
		{
			name: "capitalized prompt after blank line stays prompt",
			text: "HOOK\n\n\nSay Hello\nCTA\nBuy now",
			want: []Segment{
				{Label: "HOOK", Prompt: "Say Hello"},
				{Label: "CTA", Prompt: "Buy now"},
			},
		},
		{
			name: "text before first label ignored",
			text: "notes for the editor\nHOOK\nSay hello",
			want: []Segment{{Label: "HOOK", Prompt: "Say hello"}},
		},
		{
			name: "em-dash without spaces",
			text: "Backend 2—HOLDING PRODUCT\nHold it up.",
			want: []Segment{{Label: "Backend 2", Prompt: "Hold it up.", HoldingProduct: true}},
		},
		{
			name: "label on final line is prompt text",
			text: "HOOK\nSay hi.\nOUTRO",
			want: []Segment{{Label: "HOOK", Prompt: "Say hi.\nOUTRO"}},
		},
		{
			name: "crlf line endings",
			text: "HOOK\r\nSay hello.\r\nCTA\r\nBuy.",
			want: []Segment{
				{Label: "HOOK", Prompt: "Say hello."},
				{Label: "CTA", Prompt: "Buy."},
			},
		},
		{
			name: "no labels",
			text: "just some lowercase prose.\nnothing here.",
			want: nil,
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Parse(tt.text))
		})
	}
}

func TestParse_FirstLineAfterLabelIsPrompt(t *testing.T) {
	segs := Parse("HOOK\nBackend 1\nmore text")
	require.Len(t, segs, 1)
	assert.Equal(t, "HOOK", segs[0].Label)
	assert.Equal(t, "Backend 1\nmore text", segs[0].Prompt)
}

func TestParse_SegmentCountMatchesLabels(t *testing.T) {
	text := "HOOK\nA.\nBackend 1\nB.\nBackend 2 — HOLDING PRODUCT\nC.\nCTA\nD."
	segs := Parse(text)
	require.Len(t, segs, 4)
	for i, want := range []string{"HOOK", "Backend 1", "Backend 2", "CTA"} {
		assert.Equal(t, want, segs[i].Label)
	}
	assert.True(t, segs[2].HoldingProduct)
}

func TestNormalize_ComposesDecomposed(t *testing.T) {
	decomposed := "Cafe\u0301"
	assert.Equal(t, "Caf\u00e9", Normalize(decomposed))
}

func TestLoadFile_Text(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.txt")
	require.NoError(t, os.WriteFile(path, []byte("HOOK\r\nSay hello"), 0o644))

	text, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "HOOK\nSay hello", text)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
