// Package parser decodes accumulated SMTP DATA into a structured message:
// headers, primary body, alternate views and attachments.
package parser

import (
	"mime"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

const (
	contentTypeMixed       = "multipart/mixed"
	contentTypeAlternative = "multipart/alternative"
	contentTypeHTML        = "text/html"

	dispositionAttachment = "attachment"

	// maxNestingDepth bounds how deep nested multipart containers are followed.
	maxNestingDepth = 8
)

// promotedHeaders are exposed as typed fields on email.Message and are
// left out of Message.Headers.
var promotedHeaders = map[string]bool{
	"from":     true,
	"to":       true,
	"cc":       true,
	"subject":  true,
	"sender":   true,
	"reply-to": true,
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Envelope carries the SMTP envelope of a transaction.
type Envelope struct {
	From       *mail.Address
	Recipients []*mail.Address
}

// part is one leaf segment of the message body.
type part struct {
	header Header
	data   string

	// group identifies the multipart container the part came from.
	group int
	// alternative is true when that container is multipart/alternative.
	alternative bool
}

// Decode parses raw message text (CRLF line endings) together with its
// envelope into an email.Message. It fails only when a selected part uses
// an unsupported transfer encoding or its payload cannot be decoded.
func Decode(raw []byte, env Envelope) (*email.Message, error) {
	headerBlock, body := splitHeaderBody(string(raw))
	headers := ParseHeaders(headerBlock)

	msg := &email.Message{
		From:    env.From,
		Headers: make(map[string]string),
		Raw:     raw,
	}

	if headers.Has("from") {
		if addr, err := email.ParseAddress(headers.Get("from").Raw); err == nil {
			msg.From = addr
		}
	}

	reconcileRecipients(msg, headers, env.Recipients)

	if headers.Has("subject") {
		msg.Subject = decodeWords(headers.Get("subject").Raw)
	}
	if headers.Has("sender") {
		if addr, err := email.ParseAddress(headers.Get("sender").Raw); err == nil {
			msg.Sender = addr
		}
	}
	if headers.Has("reply-to") {
		if addr, err := email.ParseAddress(headers.Get("reply-to").Raw); err == nil {
			msg.ReplyTo = addr
		}
	}

	for name, value := range headers {
		if !promotedHeaders[name] {
			msg.Headers[name] = value.Raw
		}
	}

	c := &collector{}
	parts := c.collect(headers, body, 0)

	if err := selectParts(msg, headers, parts); err != nil {
		return nil, err
	}

	return msg, nil
}

// reconcileRecipients fills To, Cc and Bcc. Header To/Cc win for display;
// envelope recipients missing from both become Bcc. Without To or Cc
// headers every envelope recipient is a To recipient.
func reconcileRecipients(msg *email.Message, headers Header, recipients []*mail.Address) {
	var to, cc []*mail.Address
	if headers.Has("to") {
		to = email.ParseAddressList(headers.Get("to").Raw)
	}
	if headers.Has("cc") {
		cc = email.ParseAddressList(headers.Get("cc").Raw)
	}

	if len(to) == 0 && len(cc) == 0 {
		msg.To = append([]*mail.Address(nil), recipients...)
		return
	}

	msg.To = to
	msg.Cc = cc

	for _, rcpt := range recipients {
		if containsAddress(to, rcpt) || containsAddress(cc, rcpt) || containsAddress(msg.Bcc, rcpt) {
			continue
		}
		msg.Bcc = append(msg.Bcc, rcpt)
	}
}

// selectParts picks the primary body, alternate views and attachments.
func selectParts(msg *email.Message, top Header, parts []part) error {
	var bodies []part
	for _, p := range parts {
		if !isAttachment(p.header) {
			bodies = append(bodies, p)
		}
	}

	if len(bodies) > 0 {
		primary := bodies[0]
		content, err := decodePart(primary)
		if err != nil {
			return err
		}
		msg.Body = string(content)
		msg.IsHTML = strings.EqualFold(primary.header.Get("content-type").Value, contentTypeHTML) ||
			strings.EqualFold(top.Get("content-type").Value, contentTypeHTML)

		if primary.alternative {
			for _, p := range bodies[1:] {
				if p.group != primary.group {
					continue
				}
				content, err := decodePart(p)
				if err != nil {
					return err
				}
				msg.AlternateViews = append(msg.AlternateViews, email.AlternateView{
					Content:     string(content),
					ContentType: mediaType(p.header, "text/plain"),
				})
			}
		}
	}

	for _, p := range parts {
		if !isAttachment(p.header) {
			continue
		}
		content, err := decodePart(p)
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    attachmentFilename(p.header),
			ContentType: mediaType(p.header, "application/octet-stream"),
			Content:     content,
		})
	}

	return nil
}

type collector struct {
	groups int
}

// collect flattens the body into leaf parts. Only multipart/mixed and
// multipart/alternative with a boundary parameter are split; anything
// else is a single part carrying the given headers.
func (c *collector) collect(headers Header, body string, depth int) []part {
	ct := headers.Get("content-type")
	boundary := ct.Params["boundary"]

	if !isMultipart(ct.Value) || boundary == "" {
		return []part{{header: headers, data: strings.TrimSpace(body)}}
	}

	group := c.groups
	c.groups++
	alternative := strings.EqualFold(ct.Value, contentTypeAlternative)

	var parts []part
	for _, segment := range splitMultipart(body, boundary) {
		headerBlock, partBody := splitHeaderBody(segment)
		partHeaders := ParseHeaders(headerBlock)

		nested := partHeaders.Get("content-type")
		if depth < maxNestingDepth && isMultipart(nested.Value) && nested.Params["boundary"] != "" && !isAttachment(partHeaders) {
			parts = append(parts, c.collect(partHeaders, partBody, depth+1)...)
			continue
		}

		parts = append(parts, part{
			header:      partHeaders,
			data:        strings.TrimSpace(partBody),
			group:       group,
			alternative: alternative,
		})
	}
	return parts
}

// splitMultipart returns the text between consecutive "--boundary"
// delimiter lines. Text before the first delimiter and after the close
// delimiter "--boundary--" is ignored. A final part missing its close
// delimiter is still returned when it holds any text.
func splitMultipart(body, boundary string) []string {
	delimiter := "--" + boundary

	var segments []string
	var current []string
	inPart := false

	for _, line := range strings.Split(body, crlf) {
		if strings.HasPrefix(line, delimiter) {
			rest := strings.TrimRight(line[len(delimiter):], " \t")
			if rest == "" || rest == "--" {
				if inPart {
					segments = append(segments, strings.Join(current, crlf))
				}
				current = nil
				if rest == "--" {
					return segments
				}
				inPart = true
				continue
			}
		}
		if inPart {
			current = append(current, line)
		}
	}

	if inPart {
		if trailing := strings.Join(current, crlf); strings.TrimSpace(trailing) != "" {
			segments = append(segments, trailing)
		}
	}
	return segments
}

func decodePart(p part) ([]byte, error) {
	return DecodeTransfer(p.data, p.header.Get("content-transfer-encoding").Value)
}

func isMultipart(mediaType string) bool {
	return strings.EqualFold(mediaType, contentTypeMixed) || strings.EqualFold(mediaType, contentTypeAlternative)
}

func isAttachment(h Header) bool {
	return strings.EqualFold(h.Get("content-disposition").Value, dispositionAttachment)
}

func mediaType(h Header, fallback string) string {
	if v := h.Get("content-type").Value; v != "" {
		return strings.ToLower(v)
	}
	return fallback
}

// attachmentFilename prefers the disposition filename and falls back to
// the content-type name parameter.
func attachmentFilename(h Header) string {
	if fn := h.Get("content-disposition").Params["filename"]; fn != "" {
		return decodeWords(fn)
	}
	return decodeWords(h.Get("content-type").Params["name"])
}

// decodeWords decodes RFC 2047 encoded-words, returning the input
// unchanged when it cannot be decoded.
func decodeWords(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func containsAddress(list []*mail.Address, addr *mail.Address) bool {
	for _, a := range list {
		if email.SameAddress(a, addr) {
			return true
		}
	}
	return false
}
