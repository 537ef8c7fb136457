package repair

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefectClass names the kind of structural damage found in executor output.
type DefectClass string

const (
	ClassUnterminatedDelimiters DefectClass = "unterminated_delimiters"
	ClassCodeFence              DefectClass = "code_fence"
	ClassTrailingContent        DefectClass = "trailing_content"
	ClassUnknown                DefectClass = "unknown"
)

// Transform attempts a local fix. It returns false when the transform does
// not apply to the input.
type Transform func(raw []byte) ([]byte, bool)

// transforms is the dispatch table for local repairs. ClassUnknown has no
// entry and always falls through to regeneration.
var transforms = map[DefectClass]Transform{
	ClassUnterminatedDelimiters: closeDelimiters,
	ClassCodeFence:              stripCodeFence,
	ClassTrailingContent:        truncateTrailing,
}

// maxRepairInput bounds the output size a local transform will touch.
const maxRepairInput = 4 << 20

// Detect classifies raw output that failed to decode.
func Detect(raw []byte) DefectClass {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ClassUnknown
	}
	if bytes.HasPrefix(trimmed, []byte("```")) {
		return ClassCodeFence
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return ClassUnknown
	}

	depth, inString, _ := scan(trimmed)
	switch {
	case depth > 0 || inString:
		return ClassUnterminatedDelimiters
	case firstValueEnd(trimmed) > 0 && firstValueEnd(trimmed) < len(trimmed):
		return ClassTrailingContent
	default:
		return ClassUnknown
	}
}

// Repair detects the defect class of raw and applies the matching
// transform. The result is only returned when it is valid JSON.
func Repair(raw []byte) ([]byte, DefectClass, bool) {
	class := Detect(raw)
	if len(raw) > maxRepairInput {
		return nil, class, false
	}
	fn, ok := transforms[class]
	if !ok {
		return nil, class, false
	}
	out, ok := fn(bytes.TrimSpace(raw))
	if !ok || !json.Valid(out) {
		return nil, class, false
	}
	return out, class, true
}

// scan walks raw tracking string state and returns the open delimiter
// depth, whether a string is unterminated and the stack of open closers.
func scan(raw []byte) (int, bool, []byte) {
	var stack []byte
	inString, escaped := false, false
	for _, c := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return len(stack), inString, stack
}

func closeDelimiters(raw []byte) ([]byte, bool) {
	depth, inString, stack := scan(raw)
	if depth == 0 && !inString {
		return nil, false
	}
	out := append([]byte(nil), bytes.TrimRight(raw, " \t\r\n")...)
	if inString {
		out = append(out, '"')
	}
	out = bytes.TrimRight(out, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return out, true
}

func stripCodeFence(raw []byte) ([]byte, bool) {
	s := string(raw)
	if !strings.HasPrefix(s, "```") {
		return nil, false
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return nil, false
	}
	s = s[nl+1:]
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return []byte(strings.TrimSpace(s)), true
}

func truncateTrailing(raw []byte) ([]byte, bool) {
	end := firstValueEnd(raw)
	if end <= 0 || end >= len(raw) {
		return nil, false
	}
	return raw[:end], true
}

// firstValueEnd returns the byte offset just past the first complete JSON
// value in raw, or -1.
func firstValueEnd(raw []byte) int {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return -1
	}
	return int(dec.InputOffset())
}
