// Package idempotency replays the first response recorded for an Idempotency-Key so that a retried
// checkout submission does not create a second checkout.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a key and its recorded response are kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of reserving a key.
type Outcome int

const (
	// OutcomeReserved means the caller owns the key and must run the request.
	OutcomeReserved Outcome = iota
	// OutcomeReplay means a response was already recorded for the key.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key and has not finished.
	OutcomeInFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// Response is the recorded HTTP response for a key.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry is the stored state of a key.
type Entry struct {
	Fingerprint string
	Completed   bool
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists reservations and recorded responses.
type Store interface {
	// Reserve claims key for fingerprint unless a live entry already exists.
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	// Complete records the response for a reserved key.
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
	// PurgeExpired deletes up to limit expired entries and reports how many were removed.
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// StorageKey derives the value stores index by. The scope keeps two shoppers that pick the same
// key from colliding.
func StorageKey(scope, method, path, key string) string {
	return digest(strings.Join([]string{scope, strings.ToUpper(method), path, strings.TrimSpace(key)}, "\x00"))
}

// Fingerprint identifies the request payload a key was first used with.
func Fingerprint(contentType string, body []byte) string {
	return digest(strings.TrimSpace(contentType) + "\x00" + string(body))
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// replayableHeader filters hop-by-hop and per-response headers out of a recorded response.
func replayableHeader(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Trailer", "Te":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

func cloneResponse(resp Response) Response {
	return Response{
		Status: resp.Status,
		Header: replayableHeader(resp.Header),
		Body:   append([]byte(nil), resp.Body...),
	}
}
