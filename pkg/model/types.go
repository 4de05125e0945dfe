package model

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the calendar-day key used to partition cached reports.
const DateFormat = "2006-01-02"

// DateKey returns the cache partition key for a point in time.
func DateKey(t time.Time) string {
	return t.Format(DateFormat)
}

// CountryRequest identifies one unit of work: a normalized country code
// and the calendar day it was requested on.
type CountryRequest struct {
	Country string // 2-letter uppercase code
	Date    string // DateFormat day, cache partition key
}

// Key returns the composite cache key for the request.
func (r CountryRequest) Key() string {
	return r.Country + ":" + r.Date
}

// NormalizeCountry validates and normalizes a raw country-code string.
// Anything not reducible to two alphabetic characters is rejected.
func NormalizeCountry(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountry, raw)
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCountry, raw)
		}
	}
	return code, nil
}

// ASNRecord is one item from a provider directory page: an autonomous
// system plus the IPv4 ranges it publishes, in published order.
type ASNRecord struct {
	ASN    int      `msgpack:"asn"`
	Name   string   `msgpack:"name"`
	Ranges []string `msgpack:"ranges"` // CIDR notation
}

// Page is one directory page for a country. Raw counts the directory
// items before filtering; a page with Raw == 0 is the end of the data,
// while a page whose records were all filtered out is not.
type Page struct {
	Number  int
	Raw     int
	Records []*ASNRecord
}

// IPRangeReport is the assembled artifact for one CountryRequest.
// Ranges are deduplicated and kept in encounter order across pages.
// Immutable once assembled.
type IPRangeReport struct {
	Country     string    `msgpack:"country"`
	GeneratedAt time.Time `msgpack:"generated_at"`
	Pages       int       `msgpack:"pages"`
	ASNCount    int       `msgpack:"asn_count"`
	Ranges      []string  `msgpack:"ranges"`
}

// Render produces the deliverable text artifact for the report.
func (r *IPRangeReport) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# IP range report for %s\n", r.Country)
	fmt.Fprintf(&b, "# generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# asns: %d ranges: %d pages: %d\n", r.ASNCount, len(r.Ranges), r.Pages)
	for _, cidr := range r.Ranges {
		b.WriteString(cidr)
		b.WriteByte('\n')
	}
	return b.String()
}

// CacheEntry binds a stored report to its creation timestamp.
type CacheEntry struct {
	Report    *IPRangeReport `msgpack:"report"`
	CreatedAt time.Time      `msgpack:"created_at"`
}

// DailyQuota tracks free requests used on a single calendar day.
// The count resets when the stored date no longer matches today.
type DailyQuota struct {
	Date  string `msgpack:"date"`
	Count int    `msgpack:"count"`
}

// UserProfile is the persistent per-user record consulted by the
// admission gates. All mutation is funnelled through the user store's
// Update operation.
type UserProfile struct {
	ID              string      `msgpack:"id"`
	Coins           int         `msgpack:"coins"`
	CoinsSpent      int         `msgpack:"coins_spent"`
	Daily           DailyQuota  `msgpack:"daily"`
	LastRequest     time.Time   `msgpack:"last_request"`
	Recent          []time.Time `msgpack:"recent"` // sliding-window history, bounded
	Processing      bool        `msgpack:"processing"`
	Referrer        string      `msgpack:"referrer,omitempty"`
	Referrals       int         `msgpack:"referrals"`
	ReferralAwarded bool        `msgpack:"referral_awarded"`
	CreatedAt       time.Time   `msgpack:"created_at"`
}

// Error types
type Error string

const (
	// Fetch layer
	ErrProviderUnavailable Error = "provider unavailable"
	ErrProviderMalformed   Error = "provider returned malformed response"
	ErrCacheUnavailable    Error = "cache store unavailable"

	// Admission layer
	ErrAlreadyProcessing Error = "a request is already being processed"
	ErrTooFast           Error = "requests arriving too fast"
	ErrRateLimited       Error = "request rate limit exceeded"
	ErrQuotaExhausted    Error = "daily quota and coin balance exhausted"

	ErrInvalidCountry Error = "invalid country code"
	ErrNotFound       Error = "entry not found"
	ErrStoreClosed    Error = "store is closed"
)

func (e Error) Error() string {
	return string(e)
}
