// Package atutil holds small AT Protocol helpers shared across the
// ingestion pipeline: at:// URI handling, timestamp parsing, and DID
// sanitization for values arriving off the wire.
package atutil

import (
	"fmt"
	"strings"
	"time"
)

// ATURI is a parsed at://<did>/<collection>/<rkey> identifier.
type ATURI struct {
	DID        string
	Collection string
	Rkey       string
}

// String reassembles the canonical at:// form.
func (u ATURI) String() string {
	return fmt.Sprintf("at://%s/%s/%s", u.DID, u.Collection, u.Rkey)
}

// ParseATURI splits an at:// URI into its three components.
func ParseATURI(raw string) (ATURI, error) {
	trimmed := strings.TrimPrefix(raw, "at://")
	if trimmed == raw {
		return ATURI{}, fmt.Errorf("not an at:// uri: %q", raw)
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ATURI{}, fmt.Errorf("malformed at:// uri: %q", raw)
	}
	return ATURI{DID: parts[0], Collection: parts[1], Rkey: parts[2]}, nil
}

// BuildATURI constructs at://<did>/<collection>/<rkey>.
func BuildATURI(did, collection, rkey string) string {
	return ATURI{DID: did, Collection: collection, Rkey: rkey}.String()
}

// SafeDate parses an RFC3339 timestamp from a record. Records on the
// firehose carry user-supplied createdAt values that are frequently
// malformed; those fall back to the current time rather than failing
// the whole operation.
func SafeDate(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	// Some clients emit fractional seconds without a zone.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// SanitizeDID normalizes a DID that may carry whitespace, duplicated
// colons, or trailing punctuation picked up from malformed records.
func SanitizeDID(raw string) string {
	did := strings.TrimSpace(raw)
	for strings.Contains(did, "::") {
		did = strings.ReplaceAll(did, "::", ":")
	}
	did = strings.TrimRight(did, ":;,._-")
	if did == "" {
		return did
	}
	if !strings.HasPrefix(did, "did:") {
		did = "did:" + did
	}
	return did
}
