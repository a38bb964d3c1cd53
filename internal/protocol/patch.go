package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff is one [op, text] pair inside a patch hunk. Op is -1 for delete,
// 0 for context, 1 for insert, matching diff-match-patch conventions.
//
// Text is carried in the engine's percent-escaped line encoding, never raw.
// Hunk context is sliced by byte offset and can split a multibyte rune; the
// escaped form keeps Text valid UTF-8 so it survives JSON transport
// byte-exact.
type Diff struct {
	Op   int
	Text string
}

// MarshalJSON encodes the diff as a two-element [op, text] array.
func (d Diff) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{d.Op, d.Text})
}

// UnmarshalJSON decodes a two-element [op, text] array.
func (d *Diff) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &d.Op); err != nil {
		return err
	}
	if d.Op < -1 || d.Op > 1 {
		return fmt.Errorf("invalid diff op %d", d.Op)
	}
	return json.Unmarshal(pair[1], &d.Text)
}

// Patch mirrors one diff-match-patch patch block as the editor client
// serializes it.
type Patch struct {
	Diffs   []Diff `json:"diffs"`
	Start1  int    `json:"start1"`
	Start2  int    `json:"start2"`
	Length1 int    `json:"length1"`
	Length2 int    `json:"length2"`
}

// PatchSet is the payload of one applyPatch message: an ordered array of
// patches.
type PatchSet []Patch

// ErrPatchNotArray reports an applyPatch payload that is not a JSON array.
var ErrPatchNotArray = errors.New("patch is not an array")

// ParsePatchSet decodes an applyPatch payload, rejecting null and non-array
// values.
func ParsePatchSet(raw json.RawMessage) (PatchSet, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrPatchNotArray
	}
	var ps PatchSet
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("malformed patch: %w", err)
	}
	return ps, nil
}

// Text renders the set in diff-match-patch's textual patch format, the form
// the diff engine parses for application. Diff texts are already in the
// engine's escaped line encoding and are written verbatim; a body that was
// not properly escaped produces a blob the engine refuses to parse.
func (ps PatchSet) Text() string {
	var b strings.Builder
	for _, p := range ps {
		b.WriteString("@@ -")
		b.WriteString(patchCoords(p.Start1, p.Length1))
		b.WriteString(" +")
		b.WriteString(patchCoords(p.Start2, p.Length2))
		b.WriteString(" @@\n")
		for _, d := range p.Diffs {
			switch d.Op {
			case -1:
				b.WriteByte('-')
			case 1:
				b.WriteByte('+')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(d.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

var patchHeader = regexp.MustCompile(`^@@ -(\d+),?(\d*) \+(\d+),?(\d*) @@$`)

// PatchSetFromText parses diff-match-patch textual patches into wire form.
// It accepts the output of the engine's PatchToText.
func PatchSetFromText(text string) (PatchSet, error) {
	ps := PatchSet{}
	if text == "" {
		return ps, nil
	}

	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		if lines[i] == "" {
			i++
			continue
		}
		m := patchHeader.FindStringSubmatch(lines[i])
		if m == nil {
			return nil, fmt.Errorf("invalid patch header %q", lines[i])
		}
		var p Patch
		p.Start1, p.Length1 = parsePatchCoords(m[1], m[2])
		p.Start2, p.Length2 = parsePatchCoords(m[3], m[4])
		i++

		for i < len(lines) {
			line := lines[i]
			if line == "" {
				i++
				continue
			}
			if line[0] == '@' {
				break
			}
			// Bodies stay in the engine's escaped encoding.
			body := line[1:]
			switch line[0] {
			case '-':
				p.Diffs = append(p.Diffs, Diff{Op: -1, Text: body})
			case '+':
				p.Diffs = append(p.Diffs, Diff{Op: 1, Text: body})
			case ' ':
				p.Diffs = append(p.Diffs, Diff{Op: 0, Text: body})
			default:
				return nil, fmt.Errorf("invalid patch line %q", line)
			}
			i++
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// MakePatchSet builds the wire patch a client would send to turn before into
// after.
func MakePatchSet(before, after string) (PatchSet, error) {
	dmp := diffmatchpatch.New()
	return PatchSetFromText(dmp.PatchToText(dmp.PatchMake(before, after)))
}

// patchCoords renders one start,length coordinate pair using diff-match-patch
// header conventions: a bare number means length 1, and starts are 1-based
// unless the length is 0.
func patchCoords(start, length int) string {
	switch length {
	case 0:
		return strconv.Itoa(start) + ",0"
	case 1:
		return strconv.Itoa(start + 1)
	default:
		return strconv.Itoa(start+1) + "," + strconv.Itoa(length)
	}
}

func parsePatchCoords(startStr, lengthStr string) (start, length int) {
	start, _ = strconv.Atoi(startStr)
	switch lengthStr {
	case "":
		return start - 1, 1
	case "0":
		return start, 0
	default:
		length, _ = strconv.Atoi(lengthStr)
		return start - 1, length
	}
}
