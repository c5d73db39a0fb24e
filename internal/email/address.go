package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress is returned when an envelope path or header address
// cannot be turned into a mailbox.
var ErrInvalidAddress = errors.New("invalid email address")

// ParsePath parses the address token of a MAIL FROM or RCPT TO command,
// e.g. "<user@example.com>". The angle brackets are required and the
// mailbox must contain exactly one @ with non-empty local and domain parts.
func ParsePath(token string) (*mail.Address, error) {
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, "<") || !strings.HasSuffix(token, ">") {
		return nil, fmt.Errorf("%w: %q is not enclosed in angle brackets", ErrInvalidAddress, token)
	}
	inner := token[1 : len(token)-1]
	if strings.ContainsAny(inner, "<>") {
		return nil, fmt.Errorf("%w: %q has unbalanced brackets", ErrInvalidAddress, token)
	}

	if err := validateMailbox(inner); err != nil {
		return nil, err
	}

	addr, err := mail.ParseAddress(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return addr, nil
}

// ParseAddress parses a single header address such as
// `"Some Name" <someone@example.com>`.
func ParseAddress(s string) (*mail.Address, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := validateMailbox(addr.Address); err != nil {
		return nil, err
	}
	return addr, nil
}

// ParseAddressList splits a comma-separated header address list into
// individual addresses. Entries that fail RFC 5322 parsing are skipped.
func ParseAddressList(raw string) []*mail.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err == nil {
		return addresses
	}

	// Fall back to parsing each comma-separated entry on its own
	var result []*mail.Address
	for _, p := range strings.Split(raw, ",") {
		addr, err := ParseAddress(p)
		if err != nil {
			continue
		}
		result = append(result, addr)
	}
	return result
}

// SameAddress reports whether two addresses name the same mailbox,
// ignoring display names and case.
func SameAddress(a, b *mail.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return strings.EqualFold(a.Address, b.Address)
}

// Domain returns the part of the address after the @.
func Domain(addr *mail.Address) string {
	if addr == nil {
		return ""
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 {
		return ""
	}
	return addr.Address[at+1:]
}

// validateMailbox checks the local-part@domain form of an address.
func validateMailbox(s string) error {
	if strings.Count(s, "@") != 1 {
		return fmt.Errorf("%w: %q must contain exactly one @", ErrInvalidAddress, s)
	}
	at := strings.IndexByte(s, '@')
	if at == 0 {
		return fmt.Errorf("%w: %q has an empty local part", ErrInvalidAddress, s)
	}
	if at == len(s)-1 {
		return fmt.Errorf("%w: %q has an empty domain", ErrInvalidAddress, s)
	}
	return nil
}
