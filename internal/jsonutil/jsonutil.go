// Package jsonutil recovers JSON from free-form model replies.
package jsonutil

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/quailyquaily/uniai"
)

var ErrNoJSON = errors.New("no json payload found")

var (
	jsonFence = regexp.MustCompile("```json\\s*")
	anyFence  = regexp.MustCompile("```")
)

// StripFences drops markdown code fences the model sometimes adds despite
// being told not to.
func StripFences(text string) string {
	text = jsonFence.ReplaceAllString(text, "")
	return strings.TrimSpace(anyFence.ReplaceAllString(text, ""))
}

// Shape is the top-level JSON kind a caller expects.
type Shape byte

const (
	Array  Shape = '['
	Object Shape = '{'
)

// Decode unmarshals the first payload of the wanted shape found in text into
// dst. The fence-stripped reply is tried as is; then candidates extracted and
// repaired by uniai are tried in order.
func Decode(text string, shape Shape, dst any) error {
	clean := StripFences(text)
	if clean == "" {
		return ErrNoJSON
	}
	var lastErr error
	for _, cand := range candidates(clean) {
		if cand == "" || cand[0] != byte(shape) {
			continue
		}
		if err := json.Unmarshal([]byte(cand), dst); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrNoJSON
}

func candidates(raw string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(raw)
	found := []string{}
	if cands, err := uniai.CollectJSONCandidates(raw); err == nil {
		found = append(found, cands...)
	}
	found = append(found, uniai.FindJSONSnippets(raw)...)
	for _, c := range found {
		add(c)
	}
	// Repair variants go last so an intact candidate always wins.
	for _, c := range append([]string{raw}, found...) {
		stripped := uniai.StripNonJSONLines(c)
		add(stripped)
		add(uniai.AttemptJSONRepair(stripped))
		add(uniai.AttemptJSONRepair(c))
	}
	return out
}
