package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewContentID returns a unique Content-ID for an inline MIME part, without
// the surrounding angle brackets.
func NewContentID(domain string) string {
	return "img_" + strings.ToLower(newULID()) + "@" + hostOrDefault(domain)
}

// NewMessageID returns an RFC 5322 Message-ID including angle brackets.
func NewMessageID(domain string) string {
	return "<" + strings.ToLower(newULID()) + "@" + hostOrDefault(domain) + ">"
}

// DomainOf returns the part after the last @, or "".
func DomainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[at+1:], "> "))
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

func newULID() string {
	// ULIDs sort by creation time, which keeps part ordering readable in raw dumps.
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func hostOrDefault(domain string) string {
	if domain == "" {
		return "localhost"
	}
	return domain
}
