// Package integrity provides tamper-evident hashing and Merkle tree construction
// for the alert archive. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/mimamori/internal/model"
)

// hashV1Prefix marks the length-prefixed encoding. A future encoding gets its
// own prefix so stored hashes stay verifiable.
const hashV1Prefix = "v1:"

// AlertEventHash produces a versioned SHA-256 hex digest over the archived
// fields of ev.
func AlertEventHash(ev model.AlertEvent) string {
	return hashV1Prefix + computeV1Hash(ev)
}

// VerifyAlertEventHash reports whether stored matches the hash recomputed
// from ev. Unknown versions never verify.
func VerifyAlertEventHash(stored string, ev model.AlertEvent) bool {
	if !strings.HasPrefix(stored, hashV1Prefix) {
		return false
	}
	return stored == hashV1Prefix+computeV1Hash(ev)
}

// computeV1Hash encodes each field as a 4-byte big-endian length followed by
// its bytes, so free-text messages cannot collide across field boundaries.
func computeV1Hash(ev model.AlertEvent) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	value := ""
	if ev.Value != nil {
		value = strconv.FormatFloat(*ev.Value, 'g', -1, 64)
	}
	writeField(ev.ID.String())
	writeField(ev.AlertID)
	writeField(ev.ComponentID)
	writeField(string(ev.Kind))
	writeField(string(ev.Rule))
	writeField(string(ev.Severity))
	writeField(ev.Metric)
	writeField(value)
	writeField(string(ev.Status))
	writeField(ev.Message)
	writeField(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted lexicographically by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
