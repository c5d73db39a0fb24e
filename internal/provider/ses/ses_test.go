package ses

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	gomail "github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-receiver-lite/internal/email"
	"github.com/shineum/smtp-receiver-lite/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	mu        sync.Mutex
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.mu.Lock()
	m.callCount++
	m.lastInput = params
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

var forwardTo = []string{"ops@example.com"}

// newTestProvider returns a provider with millisecond backoff.
func newTestProvider(mock *mockSESClient) *Provider {
	p := NewWithClient("relay@example.com", forwardTo, mock)
	p.retryDelay = time.Millisecond
	return p
}

func plainMessage() *email.Message {
	return &email.Message{
		ID:      "8b0f0c2e-1111-4000-8000-000000000001",
		From:    &mail.Address{Name: "Original Sender", Address: "sender@example.net"},
		To:      []*mail.Address{{Address: "user@example.com"}},
		Subject: "Test Subject",
		Body:    "Hello, World!",
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("relay@example.com", forwardTo, &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_SimpleTextMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	if err := p.Send(context.Background(), plainMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "relay@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "relay@example.com")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("ToAddresses: got %v, want %v", got, forwardTo)
	}
	if got := input.ReplyToAddresses; len(got) != 1 || got[0] != "sender@example.net" {
		t.Errorf("ReplyToAddresses: got %v, want [sender@example.net]", got)
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("Text body: got %q, want %q", got, "Hello, World!")
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
}

func TestSend_SimpleHTMLMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := plainMessage()
	msg.Body = "<h1>Hello</h1>"
	msg.IsHTML = true

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := mock.lastInput.Content.Simple.Body
	if body.Html == nil || *body.Html.Data != "<h1>Hello</h1>" {
		t.Errorf("Html body: got %v, want %q", body.Html, "<h1>Hello</h1>")
	}
	if body.Text != nil {
		t.Error("expected no text body")
	}
	if got := *body.Html.Charset; got != "UTF-8" {
		t.Errorf("HTML charset: got %q, want %q", got, "UTF-8")
	}
}

func TestSend_NoForwardAddresses(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("relay@example.com", nil, mock)

	if err := p.Send(context.Background(), plainMessage()); err == nil {
		t.Fatal("expected error without forwarding addresses")
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestSend_WithAttachmentsUsesRawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := plainMessage()
	msg.Attachments = []email.Attachment{
		{Filename: "test.txt", ContentType: "text/plain", Content: []byte("file content")},
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content for attachment, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content when using raw message")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("ToAddresses: got %v, want %v", got, forwardTo)
	}
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	p := newTestProvider(mock)

	if err := p.Send(context.Background(), plainMessage()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	persistent := errors.New("persistent error")
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, persistent
		},
	}
	p := newTestProvider(mock)

	err := p.Send(context.Background(), plainMessage())
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !errors.Is(err, persistent) {
		t.Errorf("error should wrap the last API error, got %v", err)
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	// 1 initial + 3 retries = 4 total
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4", mock.callCount)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := p.Send(ctx, plainMessage())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestBuildRawMessage(t *testing.T) {
	t.Parallel()

	msg := plainMessage()
	msg.Cc = []*mail.Address{{Address: "cc@example.com"}}
	msg.Bcc = []*mail.Address{{Address: "hidden@example.com"}}
	msg.Subject = "Raw Test"
	msg.Body = "text body"
	msg.ReceivedAt = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	msg.AlternateViews = []email.AlternateView{{ContentType: "text/html", Content: "<p>text body</p>"}}
	msg.Attachments = []email.Attachment{
		{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4 pdf content")},
	}

	raw, err := buildRawMessage("relay@example.com", []string{"ops@example.com", "archive@example.com"}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to read raw message: %v", err)
	}

	header := mr.Header
	if got := header.Get("From"); got != "relay@example.com" {
		t.Errorf("From: got %q, want %q", got, "relay@example.com")
	}
	if got := header.Get("To"); got != "ops@example.com, archive@example.com" {
		t.Errorf("To: got %q", got)
	}
	if got := header.Get("Reply-To"); !strings.Contains(got, "sender@example.net") {
		t.Errorf("Reply-To: got %q, want it to contain the original sender", got)
	}
	if got, _ := header.Subject(); got != "Raw Test" {
		t.Errorf("Subject: got %q, want %q", got, "Raw Test")
	}
	if got := header.Get("X-Received-Message-Id"); got != msg.ID {
		t.Errorf("X-Received-Message-Id: got %q, want %q", got, msg.ID)
	}
	if got := header.Get("X-Original-Recipients"); got != "user@example.com, cc@example.com, hidden@example.com" {
		t.Errorf("X-Original-Recipients: got %q", got)
	}
	if date, err := header.Date(); err != nil || !date.Equal(msg.ReceivedAt) {
		t.Errorf("Date: got %v, %v, want %v", date, err, msg.ReceivedAt)
	}

	var inline []string
	var attachments []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read part: %v", err)
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			t.Fatalf("failed to read part body: %v", err)
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			inline = append(inline, string(body))
		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			attachments = append(attachments, filename+":"+string(body))
		}
	}

	if len(inline) != 2 || inline[0] != "text body" || inline[1] != "<p>text body</p>" {
		t.Errorf("inline parts: got %q", inline)
	}
	if len(attachments) != 1 || attachments[0] != "doc.pdf:%PDF-1.4 pdf content" {
		t.Errorf("attachments: got %q", attachments)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	p := NewWithClient("relay@example.com", forwardTo, &mockSESClient{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := p.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// Verify Provider implements provider.Provider interface
func TestProviderInterface(t *testing.T) {
	t.Parallel()

	var _ provider.Provider = (*Provider)(nil)
}
