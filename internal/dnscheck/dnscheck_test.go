package dnscheck

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if name == "broken.example.org" {
		return nil, errors.New("server misbehaving")
	}
	records, ok := f[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid simple", "example.com", false},
		{"valid subdomain", "sub.example.com", false},
		{"valid with dash", "my-domain.com", false},
		{"empty", "", true},
		{"too long", string(make([]byte, 254)), true},
		{"invalid chars", "example!.com", true},
		{"starts with dash", "-example.com", true},
		{"double dot", "example..com", true},
		{"path injection", "../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDomain(%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}

func TestSenderDomain(t *testing.T) {
	tests := map[string]string{
		"study@Example.org":              "example.org",
		"Study Team <study@example.org>": "example.org",
		"nobody":                         "",
	}
	for in, want := range tests {
		if got := SenderDomain(in); got != want {
			t.Errorf("SenderDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheck(t *testing.T) {
	expected := "v=DKIM1; k=rsa; p=MIIBIjANBgkq"
	resolver := fakeResolver{
		"example.org":                     {"google-site-verification=abc", "v=spf1 mx -all"},
		"_dmarc.example.org":              {"v=DMARC1; p=quarantine"},
		"surveyor._domainkey.example.org": {"v=DKIM1; k=rsa; ", "p=MIIBIjAN Bgkq"},
		"old._domainkey.example.org":      {"v=DKIM1; k=rsa; p=OTHERKEY"},
		"open.example.org":                {"v=spf1 +all"},
		"_dmarc.open.example.org":         {"v=DMARC1; p=none"},
	}
	c := New(resolver)
	ctx := context.Background()

	results, err := c.Check(ctx, Options{Domain: "example.org", DKIMSelector: "surveyor", DKIMRecord: expected})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Check() returned %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Status != StatusOK {
			t.Errorf("%s status = %s (%s), want ok", r.Type, r.Status, r.Message)
		}
	}

	if r := c.DKIM(ctx, "example.org", "old", expected); r.Status != StatusError {
		t.Errorf("mismatched DKIM key status = %s, want error", r.Status)
	}
	if r := c.DKIM(ctx, "example.org", "missing", expected); r.Status != StatusNotFound {
		t.Errorf("missing DKIM status = %s, want not_found", r.Status)
	}
	if r := c.SPF(ctx, "open.example.org"); r.Status != StatusWarning {
		t.Errorf("+all SPF status = %s, want warning", r.Status)
	}
	if r := c.DMARC(ctx, "open.example.org"); r.Status != StatusWarning {
		t.Errorf("p=none DMARC status = %s, want warning", r.Status)
	}
	if r := c.SPF(ctx, "broken.example.org"); r.Status != StatusError {
		t.Errorf("failed lookup status = %s, want error", r.Status)
	}

	results, err = c.Check(ctx, Options{Domain: "example.org"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Check() without DKIM returned %d results, want 2", len(results))
	}

	if _, err := c.Check(ctx, Options{Domain: "bad domain"}); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("Check() error = %v, want ErrInvalidDomain", err)
	}
}
