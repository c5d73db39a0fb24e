package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-receiver-lite/internal/email"
	"github.com/shineum/smtp-receiver-lite/internal/parser"
)

// Replies written by the session.
const (
	replyOK                = "250 OK"
	replyStartData         = "354 Start mail input; end with <CRLF>.<CRLF>"
	replyGoodbye           = "221 Goodbye."
	replyUnknownCommand    = "500 Command Unrecognized."
	replyLineTooLong       = "500 Line too long."
	replyInvalidOrder      = "503 Command not allowed here."
	replyInvalidArgCount   = "501 Incorrect number of arguments."
	replyInvalidAddress    = "451 Address is invalid."
	replyUnknownUser       = "550 User does not exist."
	replyMessageTooLarge   = "552 Message size exceeds fixed maximum message size."
	replyTransactionFailed = "554 Transaction failed."
)

// Command identifies the last command accepted in a transaction.
type Command int

// Commands in the order they are numbered on the wire dialog.
const (
	CommandNone Command = iota - 1
	CommandHelo
	CommandRset
	CommandNoop
	CommandQuit
	CommandMail
	CommandRcpt
	CommandData
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandHelo:
		return "helo"
	case CommandRset:
		return "rset"
	case CommandNoop:
		return "noop"
	case CommandQuit:
		return "quit"
	case CommandMail:
		return "mail"
	case CommandRcpt:
		return "rcpt"
	case CommandData:
		return "data"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Transaction is the state of the mail transaction on one connection.
// It is owned by the session serving that connection and replaced
// wholesale on RSET and after each completed DATA.
type Transaction struct {
	ConnectionID int64
	RemoteAddr   string
	LastCommand  Command

	// ClientDomain is the name given in HELO.
	ClientDomain string

	From       *mail.Address
	Recipients []*mail.Address

	data bytes.Buffer
}

// RecipientFilter decides whether a recipient is accepted for delivery.
type RecipientFilter func(tx *Transaction, rcpt *mail.Address) bool

// DeliveryFunc receives each completed message. It should not block.
type DeliveryFunc func(msg *email.Message)

// SessionConfig holds the settings a session needs from its server.
type SessionConfig struct {
	Domain         string
	WelcomeMessage string
	HeloResponse   string

	RecipientFilter RecipientFilter
	Deliver         DeliveryFunc

	// MaxMessageSize bounds the accumulated DATA in bytes. Zero means unlimited.
	MaxMessageSize int

	// MaxLineLength bounds a single line in bytes. Zero means unlimited.
	MaxLineLength int

	// ReadTimeout closes an idle connection. Zero disables it.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Session runs the SMTP command dialog on a single connection.
type Session struct {
	id     int64
	conn   *LineConn
	config SessionConfig
	logger *slog.Logger

	remoteAddr string
	remoteIP   string

	tx *Transaction
}

// NewSession creates a session for conn identified by id.
func NewSession(id int64, conn net.Conn, cfg SessionConfig) *Session {
	remoteAddr := conn.RemoteAddr().String()
	remoteIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteIP = host
	}

	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}

	s := &Session{
		id:         id,
		conn:       NewLineConn(conn, cfg.MaxLineLength, cfg.ReadTimeout),
		config:     cfg,
		logger:     logger.With("conn_id", id, "remote_addr", remoteAddr),
		remoteAddr: remoteAddr,
		remoteIP:   remoteIP,
	}
	s.tx = s.newTransaction(CommandNone, "")
	return s
}

// Run sends the welcome banner and processes commands until the client
// quits or the connection goes away. The connection is closed on return.
func (s *Session) Run() {
	defer s.conn.Close()

	if err := s.reply("banner", formatTemplate(s.config.WelcomeMessage, s.config.Domain)); err != nil {
		s.logError("failed to send welcome message", err)
		return
	}

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				if err := s.reply("unknown", replyLineTooLong); err != nil {
					s.logError("failed to write reply", err)
					return
				}
				continue
			}
			s.logError("connection read error", err)
			return
		}

		s.logger.Debug("command received", "line", line)

		quit, err := s.handleLine(line)
		if err != nil {
			s.logError("command aborted", err)
			return
		}
		if quit {
			return
		}
	}
}

// handleLine processes one command line. Panics raised while handling the
// command are reported to the client as a failed transaction and the
// connection stays open.
func (s *Session) handleLine(line string) (quit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command processing failed", "line", line, "panic", r)
			quit = false
			err = s.reply("unknown", replyTransactionFailed)
		}
	}()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, s.reply("unknown", replyUnknownCommand)
	}

	switch strings.ToLower(fields[0]) {
	case "helo":
		return false, s.handleHELO(fields)
	case "rset":
		return false, s.handleRSET()
	case "noop":
		return false, s.reply("noop", replyOK)
	case "quit":
		return true, s.reply("quit", replyGoodbye)
	case "mail":
		if len(fields) < 2 || !strings.HasPrefix(strings.ToLower(fields[1]), "from") {
			return false, s.reply("mail", replyUnknownCommand)
		}
		return false, s.handleMAIL(argument(line))
	case "rcpt":
		if len(fields) < 2 || !strings.HasPrefix(strings.ToLower(fields[1]), "to") {
			return false, s.reply("rcpt", replyUnknownCommand)
		}
		return false, s.handleRCPT(argument(line))
	case "data":
		return false, s.handleDATA()
	default:
		return false, s.reply("unknown", replyUnknownCommand)
	}
}

// handleHELO processes the HELO command.
func (s *Session) handleHELO(fields []string) error {
	if s.tx.LastCommand != CommandNone {
		return s.reply("helo", replyInvalidOrder)
	}
	if len(fields) != 2 {
		return s.reply("helo", replyInvalidArgCount)
	}

	s.tx.ClientDomain = fields[1]
	s.tx.LastCommand = CommandHelo
	return s.reply("helo", formatTemplate(s.config.HeloResponse, s.config.Domain))
}

// handleRSET discards the current transaction.
func (s *Session) handleRSET() error {
	if s.tx.LastCommand == CommandNone {
		return s.reply("rset", replyInvalidOrder)
	}
	s.resetTransaction()
	return s.reply("rset", replyOK)
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) error {
	if s.tx.LastCommand != CommandHelo {
		return s.reply("mail", replyInvalidOrder)
	}

	addr, err := email.ParsePath(arg)
	if err != nil {
		s.logger.Debug("sender rejected", "argument", arg, "error", err)
		return s.reply("mail", replyInvalidAddress)
	}

	s.tx.From = addr
	s.tx.LastCommand = CommandMail
	s.logger.Debug("sender accepted", "from", addr.Address)
	return s.reply("mail", replyOK)
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) error {
	if s.tx.LastCommand != CommandMail && s.tx.LastCommand != CommandRcpt {
		return s.reply("rcpt", replyInvalidOrder)
	}

	addr, err := email.ParsePath(arg)
	if err != nil {
		s.logger.Debug("recipient rejected", "argument", arg, "error", err)
		return s.reply("rcpt", replyInvalidAddress)
	}

	if filter := s.config.RecipientFilter; filter != nil && !filter(s.tx, addr) {
		s.logger.Debug("recipient rejected by filter", "rcpt", addr.Address)
		return s.reply("rcpt", replyUnknownUser)
	}

	s.tx.Recipients = append(s.tx.Recipients, addr)
	s.tx.LastCommand = CommandRcpt
	s.logger.Debug("recipient accepted", "rcpt", addr.Address)
	return s.reply("rcpt", replyOK)
}

// handleDATA reads the message body up to the terminating "." line,
// decodes it and hands the result to the delivery function.
func (s *Session) handleDATA() error {
	if s.tx.LastCommand != CommandRcpt {
		return s.reply("data", replyInvalidOrder)
	}

	if err := s.reply("data", replyStartData); err != nil {
		return err
	}

	data := &s.tx.data
	fmt.Fprintf(data, "Received: from %s (%s [%s])\r\n", s.tx.ClientDomain, s.tx.ClientDomain, s.remoteIP)

	tooLarge := false
	lineTooLong := false
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				lineTooLong = true
				continue
			}
			return err
		}
		if line == "." {
			break
		}

		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if tooLarge || lineTooLong {
			continue
		}
		if limit := s.config.MaxMessageSize; limit > 0 && data.Len()+len(line)+len(crlf) > limit {
			tooLarge = true
			continue
		}
		data.WriteString(line)
		data.WriteString(crlf)
	}

	if lineTooLong {
		s.resetTransaction()
		return s.reply("data", replyLineTooLong)
	}
	if tooLarge {
		metricMessages.WithLabelValues("toolarge").Inc()
		s.logger.Info("message rejected, size limit exceeded", "limit", s.config.MaxMessageSize)
		s.resetTransaction()
		return s.reply("data", replyMessageTooLarge)
	}

	tx := s.tx
	raw := append([]byte(nil), tx.data.Bytes()...)

	msg, err := parser.Decode(raw, parser.Envelope{From: tx.From, Recipients: tx.Recipients})
	if err != nil {
		metricMessages.WithLabelValues("decodeerror").Inc()
		s.logger.Error("failed to decode message", "error", err)
		s.resetTransaction()
		return s.reply("data", replyTransactionFailed)
	}

	msg.ID = uuid.NewString()
	msg.ConnectionID = s.id
	msg.ClientDomain = tx.ClientDomain
	msg.RemoteAddr = s.remoteAddr
	msg.ReceivedAt = time.Now().UTC()

	s.resetTransaction()

	if s.config.Deliver != nil {
		s.config.Deliver(msg)
	}

	metricMessages.WithLabelValues("delivered").Inc()
	metricMessageSize.Observe(float64(len(raw)))
	s.logger.Info("message received",
		"message_id", msg.ID,
		"from", addressString(msg.From),
		"recipients", len(msg.Recipients()),
		"size", len(raw),
	)

	return s.reply("data", replyOK)
}

// resetTransaction replaces the transaction, keeping the HELO domain.
func (s *Session) resetTransaction() {
	s.tx = s.newTransaction(CommandHelo, s.tx.ClientDomain)
}

func (s *Session) newTransaction(last Command, clientDomain string) *Transaction {
	return &Transaction{
		ConnectionID: s.id,
		RemoteAddr:   s.remoteAddr,
		LastCommand:  last,
		ClientDomain: clientDomain,
	}
}

// reply writes a single response line and records it.
func (s *Session) reply(cmd, text string) error {
	code := text
	if len(code) > 3 {
		code = code[:3]
	}
	metricCommands.WithLabelValues(cmd, code).Inc()

	s.logger.Debug("reply sent", "line", text)
	return s.conn.WriteLine(text)
}

// logError logs err unless it only signals that the connection closed.
func (s *Session) logError(msg string, err error) {
	switch {
	case isClosed(err):
		s.logger.Debug("connection closed")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("connection timed out")
	default:
		s.logger.Error(msg, "error", err)
	}
}

// argument returns the text after the first ':' of a MAIL or RCPT line.
func argument(line string) string {
	_, arg, found := strings.Cut(line, ":")
	if !found {
		return ""
	}
	return arg
}

// formatTemplate substitutes domain into a reply template containing %s.
// Templates without a verb are used as they are.
func formatTemplate(template, domain string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, domain)
	}
	return template
}

func addressString(addr *mail.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Address
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
