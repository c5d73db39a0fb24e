package email

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "bracketed", token: "<user@example.com>", want: "user@example.com"},
		{name: "leading space", token: " <user@example.com>", want: "user@example.com"},
		{name: "missing brackets", token: "user@example.com", wantErr: true},
		{name: "missing close bracket", token: "<user@example.com", wantErr: true},
		{name: "nested brackets", token: "<<user@example.com>>", wantErr: true},
		{name: "two at signs", token: "<user@name@domain.com>", wantErr: true},
		{name: "empty local part", token: "<@example.com>", wantErr: true},
		{name: "empty domain", token: "<user@>", wantErr: true},
		{name: "no at sign", token: "<user>", wantErr: true},
		{name: "empty", token: "<>", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr, err := ParsePath(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePath(%q): expected error, got %v", tt.token, addr)
				}
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParsePath(%q): error %v does not wrap ErrInvalidAddress", tt.token, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q): unexpected error: %v", tt.token, err)
			}
			if addr.Address != tt.want {
				t.Errorf("ParsePath(%q): got %q, want %q", tt.token, addr.Address, tt.want)
			}
		})
	}
}

func TestParseAddressList(t *testing.T) {
	t.Parallel()

	list := ParseAddressList(`"Some To" <someone@test.com>, other@test.com`)
	if len(list) != 2 {
		t.Fatalf("got %d addresses, want 2", len(list))
	}
	if list[0].Name != "Some To" || list[0].Address != "someone@test.com" {
		t.Errorf("list[0]: got %+v", list[0])
	}
	if list[1].Address != "other@test.com" {
		t.Errorf("list[1]: got %q, want %q", list[1].Address, "other@test.com")
	}
}

func TestParseAddressList_FallbackSkipsBadEntries(t *testing.T) {
	t.Parallel()

	list := ParseAddressList("good@test.com, not an address, also@test.com")
	if len(list) != 2 {
		t.Fatalf("got %d addresses, want 2: %v", len(list), list)
	}
	if list[0].Address != "good@test.com" || list[1].Address != "also@test.com" {
		t.Errorf("got %v", list)
	}
}

func TestParseAddressList_Empty(t *testing.T) {
	t.Parallel()

	if list := ParseAddressList("  "); list != nil {
		t.Errorf("got %v, want nil", list)
	}
}

func TestSameAddress_IgnoresDisplayNameAndCase(t *testing.T) {
	t.Parallel()

	a, err := ParseAddress(`"First" <Someone@Test.com>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ParseAddress(`"Second" <someone@test.com>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !SameAddress(a, b) {
		t.Error("expected addresses to match")
	}
	if got := Domain(a); got != "Test.com" {
		t.Errorf("Domain: got %q, want %q", got, "Test.com")
	}
}
