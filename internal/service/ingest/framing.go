package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Framing is the wire format of a relay response, decided once from its
// first bytes.
type Framing int

const (
	// FramingRaw treats every byte as content.
	FramingRaw Framing = iota
	// FramingLegacy carries newline-delimited `0:"<escaped text>"` frames.
	FramingLegacy
	// FramingEvent carries `data: {"content": ...}` lines.
	FramingEvent
)

const (
	legacyPrefix = `0:"`
	eventPrefix  = "data:"
	// peekSize covers either prefix after a couple of leading newlines.
	peekSize = 8
)

func (f Framing) String() string {
	switch f {
	case FramingLegacy:
		return "legacy"
	case FramingEvent:
		return "event"
	default:
		return "raw"
	}
}

// Classify picks the framing from the start of a response body.
func Classify(prefix []byte) Framing {
	trimmed := bytes.TrimLeft(prefix, "\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte(legacyPrefix)):
		return FramingLegacy
	case bytes.HasPrefix(trimmed, []byte(eventPrefix)):
		return FramingEvent
	default:
		return FramingRaw
	}
}

// decided reports whether prefix holds enough bytes for Classify to be final:
// it is no longer a proper prefix of either frame marker.
func decided(prefix []byte) bool {
	trimmed := bytes.TrimLeft(prefix, "\r\n")
	if len(trimmed) == 0 {
		return false
	}
	for _, marker := range []string{legacyPrefix, eventPrefix} {
		if len(trimmed) < len(marker) && strings.HasPrefix(marker, string(trimmed)) {
			return false
		}
	}
	return true
}

// decoder turns transport chunks into text spans ready to be typed.
type decoder interface {
	Decode(chunk []byte) []string
	// Flush returns what is left once the body is exhausted.
	Flush() []string
}

func newDecoder(f Framing) decoder {
	switch f {
	case FramingLegacy:
		return &lineDecoder{parse: parseLegacyFrame}
	case FramingEvent:
		return &lineDecoder{parse: parseEventLine}
	default:
		return &rawDecoder{}
	}
}

// rawDecoder passes bytes through, holding back an incomplete UTF-8
// sequence at the end of a chunk until the next one completes it.
type rawDecoder struct {
	pending []byte
}

func (d *rawDecoder) Decode(chunk []byte) []string {
	buf := append(d.pending, chunk...)
	cut := completePrefix(buf)
	text := string(buf[:cut])
	d.pending = append([]byte(nil), buf[cut:]...)
	if text == "" {
		return nil
	}
	return []string{text}
}

func (d *rawDecoder) Flush() []string {
	if len(d.pending) == 0 {
		return nil
	}
	text := strings.ToValidUTF8(string(d.pending), "�")
	d.pending = nil
	return []string{text}
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte character.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// lineDecoder buffers until a newline and parses each complete line. The
// trailing partial line waits for the next chunk.
type lineDecoder struct {
	buf   []byte
	parse func(line string) (string, bool)
}

func (d *lineDecoder) Decode(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var spans []string
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if text, ok := d.parse(line); ok && text != "" {
			spans = append(spans, text)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return spans
}

func (d *lineDecoder) Flush() []string {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if text, ok := d.parse(line); ok && text != "" {
		return []string{text}
	}
	return nil
}

// parseLegacyFrame extracts the content of a `0:"..."` frame. Lines that do
// not match are skipped.
func parseLegacyFrame(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if len(line) < len(legacyPrefix)+1 || !strings.HasPrefix(line, legacyPrefix) || !strings.HasSuffix(line, `"`) {
		return "", false
	}
	return UnescapeFrame(line[len(legacyPrefix) : len(line)-1]), true
}

// UnescapeFrame decodes frame content as a JSON string literal, falling back
// to unescaping only `\"` and `\n` when it is not valid JSON.
func UnescapeFrame(content string) string {
	var text string
	if err := json.Unmarshal([]byte(`"`+content+`"`), &text); err == nil {
		return text
	}
	content = strings.ReplaceAll(content, `\"`, `"`)
	return strings.ReplaceAll(content, `\n`, "\n")
}

// EncodeFrame renders text as a single legacy frame line.
func EncodeFrame(text string) string {
	quoted, _ := json.Marshal(text)
	return "0:" + string(quoted) + "\n"
}

func parseEventLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, eventPrefix) {
		return "", false
	}
	data := strings.TrimSpace(line[len(eventPrefix):])
	if data == "" || data == "[DONE]" {
		return "", false
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", false
	}
	return payload.Content, payload.Content != ""
}
