// Package sse incrementally scans a Server-Sent Events body for streamed
// completion text.
package sse

import (
	"bytes"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	crlf          = []byte("\r\n")
	lf            = []byte("\n")
	blockBoundary = []byte("\n\n")
	dataPrefix    = []byte("data:")
	doneMarker    = []byte("[DONE]")
)

// Scanner accumulates the character count of every choices[].delta.content
// string seen in data: lines. Chunks may split the stream anywhere; only
// complete blank-line-terminated blocks are parsed until Flush.
//
// A Scanner is not safe for concurrent use.
type Scanner struct {
	buf    []byte
	chars  int64
	events int
}

// NewScanner returns an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Write appends a chunk of the stream. It never fails, so a Scanner can sit
// behind an io.MultiWriter or io.TeeReader.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	if bytes.Contains(s.buf, crlf) {
		s.buf = bytes.ReplaceAll(s.buf, crlf, lf)
	}

	rest := s.buf
	for {
		idx := bytes.Index(rest, blockBoundary)
		if idx < 0 {
			break
		}
		s.scanBlock(rest[:idx])
		rest = rest[idx+len(blockBoundary):]
	}
	s.buf = append(s.buf[:0], rest...)
	return len(p), nil
}

// Flush scans whatever remains after the last blank line. Call it once the
// upstream body has ended.
func (s *Scanner) Flush() {
	if len(s.buf) > 0 {
		s.scanBlock(s.buf)
		s.buf = s.buf[:0]
	}
}

// Chars returns the summed rune count of all delta content seen so far.
func (s *Scanner) Chars() int64 {
	return s.chars
}

// Events returns the number of data: payloads that parsed as JSON.
func (s *Scanner) Events() int {
	return s.events
}

func (s *Scanner) scanBlock(block []byte) {
	for len(block) > 0 {
		var line []byte
		if i := bytes.IndexByte(block, '\n'); i >= 0 {
			line, block = block[:i], block[i+1:]
		} else {
			line, block = block, nil
		}

		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 || bytes.Equal(payload, doneMarker) {
			continue
		}
		if !gjson.ValidBytes(payload) {
			continue
		}
		s.events++

		gjson.GetBytes(payload, "choices.#.delta.content").ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				s.chars += int64(utf8.RuneCountInString(v.Str))
			}
			return true
		})
	}
}

// CountChars scans a complete SSE body in one call.
func CountChars(body []byte) int64 {
	s := NewScanner()
	_, _ = s.Write(body)
	s.Flush()
	return s.Chars()
}
