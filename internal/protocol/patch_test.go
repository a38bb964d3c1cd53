package protocol

import (
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePatchSetRejectsNonArrays(t *testing.T) {
	for _, raw := range []string{`null`, `{}`, `"@@ -1 +1 @@"`, `123`, ``} {
		_, err := ParsePatchSet(json.RawMessage(raw))
		assert.Error(t, err, "payload %q", raw)
	}
}

func TestParsePatchSetAcceptsEmptyArray(t *testing.T) {
	ps, err := ParsePatchSet(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestParsePatchSetRejectsInvalidOp(t *testing.T) {
	_, err := ParsePatchSet(json.RawMessage(`[{"diffs":[[7,"x"]],"start1":0,"start2":0,"length1":1,"length2":1}]`))
	assert.Error(t, err)
}

func TestPatchSetJSONShape(t *testing.T) {
	ps, err := MakePatchSet("<p>hi</p>", "<p>hi!</p>")
	require.NoError(t, err)

	data, err := json.Marshal(ps)
	require.NoError(t, err)

	var decoded PatchSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ps, decoded)

	// Diffs must serialize as [op, text] pairs, not objects.
	var generic []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &generic))
	require.NotEmpty(t, generic)
	assert.Equal(t, byte('['), generic[0]["diffs"][0])
}

func TestTextRoundTripsThroughEngine(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
	}{
		{"simple insert", "<p>hi</p>", "<p>hi!</p>"},
		{"delete and replace", "<p>an old paragraph</p>", "<p>a new paragraph</p>"},
		{"plus percent and space", "100% sure + done", "100% sure + done!"},
		{"newlines", "line one\nline two\n", "line one\nline 2\n"},
		{"unicode", "<p>héllo wörld…</p>", "<p>héllo wörld!</p>"},
		{"from empty", "", "<p>fresh</p>"},
	}

	dmp := diffmatchpatch.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, err := MakePatchSet(tt.before, tt.after)
			require.NoError(t, err)

			// The wire form must survive JSON transport and still apply.
			data, err := json.Marshal(ps)
			require.NoError(t, err)
			var wire PatchSet
			require.NoError(t, json.Unmarshal(data, &wire))

			patches, err := dmp.PatchFromText(wire.Text())
			require.NoError(t, err)
			got, applied := dmp.PatchApply(patches, tt.before)
			for _, ok := range applied {
				assert.True(t, ok)
			}
			assert.Equal(t, tt.after, got)
		})
	}
}

func TestWireStaysValidUTF8OnSplitRunes(t *testing.T) {
	// Hunk context is sliced by byte offset, so editing right after "wörld"
	// puts the tail byte of "ö" (and the sliced "…") into the context lines.
	before := "<p>héllo wörld…</p>"
	after := "<p>héllo wörld!</p>"

	ps, err := MakePatchSet(before, after)
	require.NoError(t, err)
	require.NotEmpty(t, ps)

	for _, p := range ps {
		for _, d := range p.Diffs {
			assert.True(t, utf8.ValidString(d.Text), "diff text %q must be valid UTF-8", d.Text)
		}
	}

	// JSON transport must not alter a single byte of the patch.
	data, err := json.Marshal(ps)
	require.NoError(t, err)
	var wire PatchSet
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Equal(t, ps, wire)

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(wire.Text())
	require.NoError(t, err)
	got, applied := dmp.PatchApply(patches, before)
	for _, ok := range applied {
		require.True(t, ok)
	}
	assert.Equal(t, after, got)
}

func TestPatchSetFromTextMatchesEngine(t *testing.T) {
	dmp := diffmatchpatch.New()
	engine := dmp.PatchToText(dmp.PatchMake("the quick brown fox", "the slow brown fox jumps"))

	ps, err := PatchSetFromText(engine)
	require.NoError(t, err)
	require.NotEmpty(t, ps)

	// The engine's textual form round-trips byte-identical through the wire
	// representation.
	assert.Equal(t, engine, ps.Text())

	reparsed, err := dmp.PatchFromText(ps.Text())
	require.NoError(t, err)
	got, _ := dmp.PatchApply(reparsed, "the quick brown fox")
	assert.Equal(t, "the slow brown fox jumps", got)
}

func TestEmptyPatchSetRendersEmptyText(t *testing.T) {
	ps, err := MakePatchSet("same", "same")
	require.NoError(t, err)
	assert.Empty(t, ps)
	assert.Equal(t, "", ps.Text())
}
