// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package procscan provides allocation-free parsing of the fixed-column text
// lines found in /proc/interrupts and /proc/stat, one line (one []byte) at a
// time.
//
// This is a generalization of the line scanner github.com/thediveo/irks
// uses to parse /proc/interrupts: the same
// position-tracking byte slice walk, widened with the token helpers birq's
// /proc/interrupts and /proc/stat grammars need (a trailing free-text
// description field, and field-by-field numeric parsing without splitting
// the whole line into a []string first).
package procscan

import "bytes"

// LineScanner parses a single text line held as a byte slice, advancing a
// cursor without copying.
type LineScanner struct {
	b   []byte
	pos int
}

// New returns a LineScanner over b, starting at position 0.
func New(b []byte) *LineScanner {
	return &LineScanner{b: b}
}

// EOL reports whether the cursor has reached the end of the line.
func (s *LineScanner) EOL() bool { return s.pos >= len(s.b) }

// SkipSpace advances past any run of space or tab characters, returning
// true if doing so reached EOL.
func (s *LineScanner) SkipSpace() (eol bool) {
	for {
		if s.pos >= len(s.b) {
			return true
		}
		if !isSpace(s.b[s.pos]) {
			return false
		}
		s.pos++
	}
}

func isSpace(ch byte) bool { return ch == ' ' || ch == '\t' }

// SkipText consumes the literal text s at the cursor, if present, reporting
// ok. On mismatch the cursor is left unchanged.
func (s *LineScanner) SkipText(text string) (ok bool) {
	if s.pos >= len(s.b) || s.pos+len(text) > len(s.b) {
		return false
	}
	if !bytes.Equal([]byte(text), s.b[s.pos:s.pos+len(text)]) {
		return false
	}
	s.pos += len(text)
	return true
}

// Uint64 parses an unsigned decimal integer at the cursor. It requires at
// least one digit.
func (s *LineScanner) Uint64() (num uint64, ok bool) {
	if s.pos >= len(s.b) {
		return 0, false
	}
	ch := s.b[s.pos]
	if ch < '0' || ch > '9' {
		return 0, false
	}
	num = uint64(ch - '0')
	s.pos++
	for s.pos < len(s.b) {
		ch := s.b[s.pos]
		if ch < '0' || ch > '9' {
			break
		}
		num = num*10 + uint64(ch-'0')
		s.pos++
	}
	return num, true
}

// Field returns the next whitespace-delimited token at the cursor (which
// must already sit on a non-space character, typically after SkipSpace),
// advancing past it.
func (s *LineScanner) Field() (field []byte, ok bool) {
	if s.pos >= len(s.b) || isSpace(s.b[s.pos]) {
		return nil, false
	}
	start := s.pos
	for s.pos < len(s.b) && !isSpace(s.b[s.pos]) {
		s.pos++
	}
	return s.b[start:s.pos], true
}

// Rest returns every remaining byte from the cursor to the end of the line,
// without advancing the cursor further, trimmed of a trailing carriage
// return if present.
func (s *LineScanner) Rest() []byte {
	rest := s.b[s.pos:]
	if n := len(rest); n > 0 && rest[n-1] == '\r' {
		rest = rest[:n-1]
	}
	return rest
}

// NumFields counts the whitespace-delimited fields from the cursor onward,
// without advancing it.
func (s *LineScanner) NumFields() int {
	pos := s.pos
	num := 0
	for {
		for pos < len(s.b) && isSpace(s.b[pos]) {
			pos++
		}
		if pos >= len(s.b) {
			return num
		}
		num++
		for pos < len(s.b) && !isSpace(s.b[pos]) {
			pos++
		}
	}
}
