package change

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefix for content-addressed identity. Version suffix enables
// future algorithm migration without colliding with existing keys.
const domainWrite = "changetrail/write/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKey derives the dedup identity of one underlying write.
//
// When the event carries a source-local token, identity is
// (entity, op, token): two adapters reporting the same write with the same
// token collapse regardless of snapshot differences. Without a token
// (application hooks), identity falls back to a content hash of
// (entity, op, prior, new), which collapses hook reports against
// trigger/log-stream reports of the same write only when the snapshots
// agree - the closest stable identity a token-less source allows.
//
// The event ID, source, and timestamps are deliberately excluded: identity
// is "which write happened", not "who observed it or when".
func IdempotencyKey(ev ChangeEvent) (string, error) {
	obj := map[string]any{
		"collection": ev.Entity.Collection,
		"id":         ev.Entity.ID,
		"op":         string(ev.Op),
	}
	if ev.Token != "" {
		obj["token"] = ev.Token
	} else {
		if ev.Prior != nil {
			obj["prior"] = map[string]any(ev.Prior)
		}
		if ev.New != nil {
			obj["new"] = map[string]any(ev.New)
		}
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(domainWrite, canonical), nil
}

// ContentKey derives the content-based identity of a write, ignoring any
// source-local token: a hash of (entity, op, prior, new).
//
// The dedup window registers a committed write under BOTH its
// IdempotencyKey and its ContentKey. That is what lets a token-less hook
// report of a write collapse against the trigger report that was committed
// under a token-based key.
func ContentKey(ev ChangeEvent) (string, error) {
	obj := map[string]any{
		"collection": ev.Entity.Collection,
		"id":         ev.Entity.ID,
		"op":         string(ev.Op),
	}
	if ev.Prior != nil {
		obj["prior"] = map[string]any(ev.Prior)
	}
	if ev.New != nil {
		obj["new"] = map[string]any(ev.New)
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ContentKey: failed to marshal: %w", err)
	}
	return hashWithDomain(domainWrite, canonical), nil
}

// MustIdempotencyKey is like IdempotencyKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustIdempotencyKey(ev ChangeEvent) string {
	key, err := IdempotencyKey(ev)
	if err != nil {
		panic(err)
	}
	return key
}
