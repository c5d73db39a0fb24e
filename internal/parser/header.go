package parser

import (
	"strings"
)

const crlf = "\r\n"

// HeaderValue is a parsed header field value.
type HeaderValue struct {
	// Value is the primary value, the text before the first ';'.
	Value string

	// Raw is the complete unfolded value.
	Raw string

	// Params holds the ';'-separated parameters keyed by lower-cased name,
	// with surrounding quotes removed from the values.
	Params map[string]string
}

// Header maps lower-cased header names to their values.
type Header map[string]HeaderValue

// Get returns the named header, matching the name case-insensitively.
// A missing header yields the zero HeaderValue.
func (h Header) Get(name string) HeaderValue {
	return h[strings.ToLower(name)]
}

// Has reports whether the named header is present.
func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// ParseHeaders parses a CRLF-separated header block. Continuation lines
// beginning with whitespace are folded into the preceding field. When a
// field occurs more than once the first occurrence is kept.
func ParseHeaders(block string) Header {
	h := make(Header)

	var name string
	var value strings.Builder

	flush := func() {
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if _, ok := h[key]; !ok {
			h[key] = ParseHeaderValue(value.String())
		}
	}

	for _, line := range strings.Split(block, crlf) {
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if name != "" {
				value.WriteByte(' ')
				value.WriteString(line)
			}
			continue
		}

		flush()
		name = ""
		value.Reset()

		colon := strings.IndexByte(line, ':')
		if colon <= 0 || strings.ContainsAny(line[:colon], " \t") {
			continue
		}
		name = line[:colon]
		value.WriteString(line[colon+1:])
	}
	flush()

	return h
}

// ParseHeaderValue unfolds a header value, collapsing whitespace runs to a
// single space, and splits off any ';'-separated parameters.
func ParseHeaderValue(value string) HeaderValue {
	value = strings.Join(strings.Fields(value), " ")

	hv := HeaderValue{
		Raw:    value,
		Params: make(map[string]string),
	}

	segments := strings.Split(value, ";")
	hv.Value = strings.TrimSpace(segments[0])

	for _, seg := range segments[1:] {
		key, val, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		hv.Params[key] = strings.TrimSpace(strings.Trim(strings.TrimSpace(val), `"`))
	}

	return hv
}

// splitHeaderBody separates a header block from the body at the first
// blank line. Text without a blank line is all header.
func splitHeaderBody(text string) (string, string) {
	if strings.HasPrefix(text, crlf) {
		return "", text[len(crlf):]
	}
	idx := strings.Index(text, crlf+crlf)
	if idx < 0 {
		return text, ""
	}
	return text[:idx], text[idx+2*len(crlf):]
}
