// Package lenient decodes model output that is usually, but not always, a JSON object.
//
// Decode tries, in order: a strict decode of the whole text (unwrapping one level of
// JSON-encoded string), a decode of the body of a markdown code fence, a decode of the
// first balanced {...} substring, and finally gives up and returns the text as raw.
package lenient

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindObject Kind = iota
	KindRaw
)

func (k Kind) String() string {
	if k == KindObject {
		return "object"
	}
	return "raw"
}

// Source records which decode step produced an object.
type Source string

const (
	SourceStrict    Source = "strict"
	SourceString    Source = "json_string"
	SourceFence     Source = "fence"
	SourceSubstring Source = "substring"
	SourceNone      Source = "none"
)

// Value is the result of a lenient decode. For KindObject, JSON holds the
// canonical object bytes and Object the decoded map. Text is always the
// original input, trimmed.
type Value struct {
	Kind   Kind
	Source Source
	Object map[string]any
	JSON   json.RawMessage
	Text   string
}

// IsObject reports whether a JSON object was recovered.
func (v Value) IsObject() bool { return v.Kind == KindObject }

// String returns the string field key, or "" if missing or not a string.
func (v Value) String(key string) string {
	if v.Object == nil {
		return ""
	}
	s, _ := v.Object[key].(string)
	return s
}

// Into unmarshals the recovered object into dst. It reports false for raw values
// or when dst does not accept the object.
func (v Value) Into(dst any) bool {
	if v.Kind != KindObject {
		return false
	}
	return json.Unmarshal(v.JSON, dst) == nil
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")

// Decode never fails; text that holds no JSON object comes back as KindRaw.
func Decode(text string) Value {
	trimmed := strings.TrimSpace(text)
	raw := Value{Kind: KindRaw, Source: SourceNone, Text: trimmed}
	if trimmed == "" {
		return raw
	}

	if obj, b, ok := object([]byte(trimmed)); ok {
		return Value{Kind: KindObject, Source: SourceStrict, Object: obj, JSON: b, Text: trimmed}
	}
	// JSON-as-string: "{\"query\": ...}"
	var inner string
	if json.Unmarshal([]byte(trimmed), &inner) == nil {
		if obj, b, ok := object([]byte(strings.TrimSpace(inner))); ok {
			return Value{Kind: KindObject, Source: SourceString, Object: obj, JSON: b, Text: trimmed}
		}
	}
	for _, m := range fenceRe.FindAllStringSubmatch(trimmed, -1) {
		if obj, b, ok := object([]byte(strings.TrimSpace(m[1]))); ok {
			return Value{Kind: KindObject, Source: SourceFence, Object: obj, JSON: b, Text: trimmed}
		}
	}
	for start := strings.IndexByte(trimmed, '{'); start >= 0; {
		end := matchBrace(trimmed, start)
		if end > start {
			if obj, b, ok := object([]byte(trimmed[start : end+1])); ok {
				return Value{Kind: KindObject, Source: SourceSubstring, Object: obj, JSON: b, Text: trimmed}
			}
		}
		next := strings.IndexByte(trimmed[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return raw
}

func object(b []byte) (map[string]any, json.RawMessage, bool) {
	if len(b) == 0 || b[0] != '{' {
		return nil, nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, nil, false
	}
	// trailing garbage means the whole text was not one object
	if len(bytes.TrimSpace(b[dec.InputOffset():])) > 0 {
		return nil, nil, false
	}
	return m, json.RawMessage(bytes.TrimSpace(b)), true
}

// matchBrace returns the index of the brace closing the one at start, skipping
// braces inside JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
