// Package normalize contains functions to normalize usernames, domains and
// addresses.
package normalize

import (
	"blitiri.com.ar/go/mailward/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain name to its Unicode (U-label) form via IDNA.
// On error, it returns the original domain to simplify callers.
func Domain(domain string) (string, error) {
	norm, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

// DomainToUnicode takes a user@domain address and normalizes the domain
// part to Unicode via IDNA, leaving the user part untouched.
// On error, it returns the original address to simplify callers.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	if domain == "" {
		return addr, nil
	}

	domain, err := Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
