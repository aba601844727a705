package review

import (
	"bytes"
	"encoding/json"

	"github.com/fuelrun/fuel/internal/model"
)

// Verdict is the reviewer's terminal JSON block, per spec.md §4.3/§6:
// {"result":"pass"|"fail","issues":[{"type":"...","description":"..."}]}
type Verdict struct {
	Result string        `json:"result"`
	Issues []model.Issue `json:"issues"`
}

// ParseVerdict scans stdout for the last JSON object matching the verdict
// shape. Returns ok=false if none is found or it fails to parse, in which
// case the caller degrades to a fail verdict with an "other" issue per
// spec.md §4.3.
func ParseVerdict(stdout []byte) (Verdict, bool) {
	candidates := findJSONObjects(stdout)
	for i := len(candidates) - 1; i >= 0; i-- {
		var v Verdict
		if err := json.Unmarshal(candidates[i], &v); err != nil {
			continue
		}
		if v.Result == "pass" || v.Result == "fail" {
			return v, true
		}
	}
	return Verdict{}, false
}

// findJSONObjects scans buf for top-level brace-balanced JSON objects,
// tolerating surrounding prose on the same stream.
func findJSONObjects(buf []byte) [][]byte {
	var out [][]byte
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, c := range buf {
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
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, bytes.TrimSpace(buf[start:i+1]))
					start = -1
				}
			}
		}
	}
	return out
}
