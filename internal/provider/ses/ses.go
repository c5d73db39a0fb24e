// Package ses implements a Provider that forwards received messages to a
// fixed set of addresses via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	gomail "github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is the verified SES identity used as From.
	Sender string

	// ForwardTo receives a copy of every message.
	ForwardTo []string

	Logger *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider forwards messages via the AWS SES v2 API.
type Provider struct {
	sender     string
	forwardTo  []string
	client     SendEmailAPI
	logger     *slog.Logger
	retryDelay time.Duration
}

// New creates a new Provider, loading AWS credentials from the static keys
// in cfg when set and from the default AWS chain otherwise.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	p := NewWithClient(cfg.Sender, cfg.ForwardTo, sesv2.NewFromConfig(awsCfg))
	if cfg.Logger != nil {
		p.logger = cfg.Logger
	}
	return p, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, forwardTo []string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:     sender,
		forwardTo:  forwardTo,
		client:     client,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryDelay: baseRetryDelay,
	}
}

// Send forwards msg to the configured addresses. The original sender
// becomes the Reply-To. Messages with attachments or alternate views are
// rebuilt as raw MIME; plain messages use the SES simple format.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if len(p.forwardTo) == 0 {
		return fmt.Errorf("ses: no forwarding addresses configured")
	}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 || len(msg.AlternateViews) > 0 {
		raw, err := buildRawMessage(p.sender, p.forwardTo, msg)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(p.sender),
			Destination:      &types.Destination{ToAddresses: p.forwardTo},
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(p.sender, p.forwardTo, msg)
	}

	logger := p.logger.With("message_id", msg.ID)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, p.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := p.client.SendEmail(ctx, input)
		if err == nil {
			if out != nil && out.MessageId != nil {
				logger.Debug("message forwarded", "ses_message_id", *out.MessageId)
			}
			return nil
		}

		lastErr = err
		logger.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// buildSimpleInput creates a SES SendEmailInput for messages without
// attachments or alternate views.
func buildSimpleInput(sender string, forwardTo []string, msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}
	content := &types.Content{
		Data:    aws.String(msg.Body),
		Charset: aws.String("UTF-8"),
	}
	if msg.IsHTML {
		body.Html = content
	} else {
		body.Text = content
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: forwardTo},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if msg.From != nil {
		input.ReplyToAddresses = []string{msg.From.Address}
	}
	return input
}

// buildRawMessage rebuilds msg as a multipart MIME message addressed to
// forwardTo.
func buildRawMessage(sender string, forwardTo []string, msg *email.Message) ([]byte, error) {
	var h gomail.Header
	h.Set("From", sender)
	h.Set("To", strings.Join(forwardTo, ", "))
	if msg.From != nil {
		h.Set("Reply-To", msg.From.String())
	}
	h.SetSubject(msg.Subject)
	if !msg.ReceivedAt.IsZero() {
		h.SetDate(msg.ReceivedAt)
	} else {
		h.SetDate(time.Now())
	}
	if msg.ID != "" {
		h.Set("X-Received-Message-Id", msg.ID)
	}
	if recipients := msg.Recipients(); len(recipients) > 0 {
		h.Set("X-Original-Recipients", addressList(recipients))
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeInline(tw, bodyContentType(msg.IsHTML), msg.Body); err != nil {
		return nil, err
	}
	for _, v := range msg.AlternateViews {
		if err := writeInline(tw, v.ContentType, v.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close body part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah gomail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.Set("Content-Type", contentType)
		ah.Set("Content-Transfer-Encoding", "base64")
		ah.SetFilename(att.Filename)

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(tw *gomail.InlineWriter, contentType, content string) error {
	var th gomail.InlineHeader
	if !strings.Contains(contentType, "charset") {
		contentType += "; charset=utf-8"
	}
	th.Set("Content-Type", contentType)
	th.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := tw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("failed to write inline part: %w", err)
	}
	return w.Close()
}

func bodyContentType(isHTML bool) string {
	if isHTML {
		return "text/html"
	}
	return "text/plain"
}

func addressList(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.Address)
	}
	return strings.Join(parts, ", ")
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	delay := p.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
