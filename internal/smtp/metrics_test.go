package smtp

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Not parallel: the metrics are process-wide.
func TestMetrics_SessionRecordsCommandsAndMessages(t *testing.T) {
	heloOK := testutil.ToFloat64(metricCommands.WithLabelValues("helo", "250"))
	rcptRejected := testutil.ToFloat64(metricCommands.WithLabelValues("rcpt", "550"))
	delivered := testutil.ToFloat64(metricMessages.WithLabelValues("delivered"))
	tooLarge := testutil.ToFloat64(metricMessages.WithLabelValues("toolarge"))

	ts := startSession(t, 1, SessionConfig{
		RecipientFilter: domainFilter("mail.test.com"),
		MaxMessageSize:  128,
	})

	ts.expect(t, "HELO client.test.com", "250 mail.test.com")
	ts.expect(t, "MAIL FROM:<sender@example.com>", "250 OK")
	ts.expect(t, "RCPT TO:<user@elsewhere.com>", "550 User does not exist.")
	ts.expect(t, "RCPT TO:<user@mail.test.com>", "250 OK")
	ts.expect(t, "DATA", "354 Start mail input; end with <CRLF>.<CRLF>")
	if got := ts.sendData(t, "Subject: counted", "", "body"); got != "250 OK" {
		t.Fatalf("DATA completion: got %q", got)
	}
	<-ts.delivered

	ts.expect(t, "MAIL FROM:<sender@example.com>", "250 OK")
	ts.expect(t, "RCPT TO:<user@mail.test.com>", "250 OK")
	ts.expect(t, "DATA", "354 Start mail input; end with <CRLF>.<CRLF>")
	if got := ts.sendData(t, "Subject: too big", "", strings.Repeat("0123456789", 8)); got != "552 Message size exceeds fixed maximum message size." {
		t.Fatalf("oversized DATA completion: got %q", got)
	}

	if got := testutil.ToFloat64(metricCommands.WithLabelValues("helo", "250")) - heloOK; got != 1 {
		t.Errorf("helo/250 delta: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metricCommands.WithLabelValues("rcpt", "550")) - rcptRejected; got != 1 {
		t.Errorf("rcpt/550 delta: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metricMessages.WithLabelValues("delivered")) - delivered; got != 1 {
		t.Errorf("delivered delta: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metricMessages.WithLabelValues("toolarge")) - tooLarge; got != 1 {
		t.Errorf("toolarge delta: got %v, want 1", got)
	}
}
