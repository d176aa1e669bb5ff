// Package dnscheck verifies the DNS records that invitations depend on for
// delivery: SPF and DMARC of the sender domain and the published DKIM key.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidDomain is returned for malformed domain names.
var ErrInvalidDomain = errors.New("invalid domain name")

var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// Status of a single check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// Resolver looks up TXT records. *net.Resolver satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Result is the outcome of one record check.
type Result struct {
	Type    string
	Name    string
	Status  Status
	Value   string
	Message string
}

// Options selects what to verify.
type Options struct {
	Domain string // sender domain
	// DKIMSelector and DKIMRecord are checked when both are set. DKIMRecord
	// is the expected TXT value derived from the signing key.
	DKIMSelector string
	DKIMRecord   string
}

// Checker runs the checks against a resolver.
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// ValidateDomain checks the domain name format (RFC 1035).
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

// SenderDomain returns the domain part of an address.
func SenderDomain(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return strings.TrimSuffix(strings.ToLower(address[i+1:]), ">")
	}
	return ""
}

// Check runs all applicable checks in a fixed order: SPF, DMARC, DKIM.
func (c *Checker) Check(ctx context.Context, opts Options) ([]Result, error) {
	if err := ValidateDomain(opts.Domain); err != nil {
		return nil, err
	}
	results := []Result{c.SPF(ctx, opts.Domain), c.DMARC(ctx, opts.Domain)}
	if opts.DKIMSelector != "" && opts.DKIMRecord != "" {
		results = append(results, c.DKIM(ctx, opts.Domain, opts.DKIMSelector, opts.DKIMRecord))
	}
	return results, nil
}

// SPF checks that the domain publishes an SPF policy.
func (c *Checker) SPF(ctx context.Context, domain string) Result {
	result := Result{Type: "SPF", Name: domain}
	records, ok := c.lookup(ctx, domain, &result)
	if !ok {
		return result
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender)"
		case strings.Contains(txt, "-all"), strings.Contains(txt, "~all"):
			result.Status = StatusOK
		default:
			result.Status = StatusWarning
			result.Message = "SPF has no all mechanism"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = "no SPF record"
	return result
}

// DMARC checks the _dmarc policy of the domain.
func (c *Checker) DMARC(ctx context.Context, domain string) Result {
	result := Result{Type: "DMARC", Name: "_dmarc." + domain}
	records, ok := c.lookup(ctx, result.Name, &result)
	if !ok {
		return result
	}

	record := strings.Join(records, "")
	result.Value = record
	if !strings.HasPrefix(record, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DMARC record"
		return result
	}
	result.Status = StatusOK
	if strings.Contains(record, "p=none") {
		result.Status = StatusWarning
		result.Message = "DMARC policy is none (monitoring only)"
	}
	return result
}

// DKIM checks that the published key matches the expected record.
func (c *Checker) DKIM(ctx context.Context, domain, selector, expected string) Result {
	result := Result{Type: "DKIM", Name: selector + "._domainkey." + domain}
	records, ok := c.lookup(ctx, result.Name, &result)
	if !ok {
		return result
	}

	// Long keys are split into several strings.
	record := strings.Join(records, "")
	result.Value = truncate(record, 100)
	if !strings.Contains(record, "v=DKIM1") {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DKIM record"
		return result
	}
	if publicKey(record) != publicKey(expected) {
		result.Status = StatusError
		result.Message = "published key does not match the signing key"
		return result
	}
	result.Status = StatusOK
	return result
}

func (c *Checker) lookup(ctx context.Context, name string, result *Result) ([]string, bool) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = "no TXT record"
			return nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("lookup failed: %v", err)
		return nil, false
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "no TXT record"
		return nil, false
	}
	return records, true
}

// publicKey extracts the p= tag with whitespace removed.
func publicKey(record string) string {
	for _, tag := range strings.Split(record, ";") {
		tag = strings.TrimSpace(tag)
		if strings.HasPrefix(tag, "p=") {
			return strings.Join(strings.Fields(tag[2:]), "")
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
