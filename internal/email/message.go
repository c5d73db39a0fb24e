// Package email defines the core message data model used throughout the SMTP receiver.
package email

import (
	"net/mail"
	"strings"
	"time"
)

// Message represents a received message after MIME decoding. It is
// immutable once handed to a delivery sink.
type Message struct {
	// ID uniquely identifies the message for correlation across sinks.
	ID string

	// ConnectionID is the id of the SMTP connection that carried the message.
	ConnectionID int64

	// ClientDomain is the domain the client announced with HELO.
	ClientDomain string

	// RemoteAddr is the network address of the client.
	RemoteAddr string

	ReceivedAt time.Time

	From *mail.Address
	To   []*mail.Address
	Cc   []*mail.Address

	// Bcc holds the envelope recipients that appear in neither To nor Cc.
	Bcc []*mail.Address

	Subject string
	Sender  *mail.Address
	ReplyTo *mail.Address

	// Headers maps lower-cased header names to their unfolded raw value,
	// excluding headers promoted to the typed fields above.
	Headers map[string]string

	Body   string
	IsHTML bool

	AlternateViews []AlternateView
	Attachments    []Attachment

	// Raw is the accumulated DATA text, including the synthesized
	// Received header.
	Raw []byte
}

// AlternateView is a secondary body of a multipart/alternative message.
type AlternateView struct {
	Content     string
	ContentType string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns To, Cc and Bcc in that order.
func (m *Message) Recipients() []*mail.Address {
	all := make([]*mail.Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	return append(all, m.Bcc...)
}

// Header returns the raw value of the named header, matching the name
// case-insensitively.
func (m *Message) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}
