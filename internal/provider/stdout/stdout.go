// Package stdout implements a Provider that prints received messages to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

const separator = "========================================\n"

// Provider prints received messages in a human-readable format.
type Provider struct {
	// mu keeps concurrent workers from interleaving their output.
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message in a readable format.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	if msg.ID != "" {
		fmt.Fprintf(&b, "Message-ID: %s (connection %d)\n", msg.ID, msg.ConnectionID)
	}
	if !msg.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Received: %s from %s [%s]\n",
			msg.ReceivedAt.Format(time.RFC3339), msg.ClientDomain, msg.RemoteAddr)
	}
	fmt.Fprintf(&b, "From: %s\n", formatAddress(msg.From))
	fmt.Fprintf(&b, "To: %s\n", formatList(msg.To))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", formatList(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", formatList(msg.Bcc))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.IsHTML {
		b.WriteString("Body (HTML):\n")
	} else {
		b.WriteString("Body:\n")
	}
	b.WriteString(msg.Body + "\n")

	if len(msg.AlternateViews) > 0 {
		views := make([]string, 0, len(msg.AlternateViews))
		for _, v := range msg.AlternateViews {
			views = append(views, fmt.Sprintf("%s (%s)", v.ContentType, formatSize(len(v.Content))))
		}
		fmt.Fprintf(&b, "Alternate views: %s\n", strings.Join(views, ", "))
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatAddress(addr *mail.Address) string {
	if addr == nil {
		return ""
	}
	if addr.Name == "" {
		return addr.Address
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
}

func formatList(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, formatAddress(a))
	}
	return strings.Join(parts, ", ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
