package signatures

import (
	"bytes"
	"slices"
	"unicode/utf8"
)

// Extraction limits.
const (
	HeadBytes          = 8 << 10
	TailBytes          = 4 << 10
	MaxSuspiciousLines = 40
	MaxLineBytes       = 240
)

// Excerpt is one suspicious line from the middle of a body.
type Excerpt struct {
	Line     int      `json:"line"`
	Text     string   `json:"text"`
	Findings []string `json:"findings"`
}

// Extraction is a condensed view of a large body: its head, its tail and
// the lines in between that match a signature.
type Extraction struct {
	Head          string    `json:"head"`
	Tail          string    `json:"tail,omitempty"`
	Suspicious    []Excerpt `json:"suspicious,omitempty"`
	PatternsFound []string  `json:"patterns_found"`
	TotalBytes    int       `json:"total_bytes"`
	OmittedBytes  int       `json:"omitted_bytes"`
	// Complete is set when the whole body fits in Head.
	Complete bool `json:"complete"`
}

// Extract condenses body. Bodies no larger than HeadBytes+TailBytes are
// returned whole in Head.
func Extract(body []byte) Extraction {
	ex := Extraction{
		TotalBytes:    len(body),
		PatternsFound: FindingsOf(Scan(body)),
	}
	if len(body) <= HeadBytes+TailBytes {
		ex.Head = string(body)
		ex.Complete = true
		return ex
	}

	headEnd := runeBoundary(body, HeadBytes)
	tailStart := runeBoundary(body, len(body)-TailBytes)
	ex.Head = string(body[:headEnd])
	ex.Tail = string(body[tailStart:])
	ex.OmittedBytes = tailStart - headEnd

	// line numbers are 1-based over the whole body
	line := 1 + bytes.Count(body[:headEnd], []byte{'\n'})
	middle := body[headEnd:tailStart]
	for len(middle) > 0 && len(ex.Suspicious) < MaxSuspiciousLines {
		text := middle
		if i := bytes.IndexByte(middle, '\n'); i >= 0 {
			text = middle[:i]
			middle = middle[i+1:]
		} else {
			middle = nil
		}
		if found := lineFindings(text); len(found) > 0 {
			ex.Suspicious = append(ex.Suspicious, Excerpt{
				Line:     line,
				Text:     truncate(text),
				Findings: found,
			})
		}
		line++
	}
	return ex
}

func lineFindings(line []byte) []string {
	var out []string
	for _, s := range catalog {
		if s.Pattern.Match(line) {
			out = append(out, s.Finding)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// truncate trims minified one-line scripts to MaxLineBytes around the first
// signature hit.
func truncate(line []byte) string {
	line = bytes.TrimSpace(line)
	if len(line) <= MaxLineBytes {
		return string(line)
	}
	start := 0
	for _, s := range catalog {
		if loc := s.Pattern.FindIndex(line); loc != nil {
			start = max(0, loc[0]-MaxLineBytes/4)
			break
		}
	}
	start = runeBoundary(line, start)
	end := runeBoundary(line, min(len(line), start+MaxLineBytes))
	return string(line[start:end])
}

// runeBoundary moves i back to the start of the rune containing it.
func runeBoundary(b []byte, i int) int {
	if i >= len(b) {
		return len(b)
	}
	for i > 0 && !utf8.RuneStart(b[i]) {
		i--
	}
	return i
}
