package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainContent = "patchkit/content/v1"
	DomainPatch   = "patchkit/patch/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentID computes the content-addressed identity of file bytes.
//
// Backups are keyed by ContentID of the pre-patch bytes, and target checksums
// use the same function, so a target whose ContentID equals a backup ID holds
// exactly the backed-up bytes.
func ContentID(data []byte) string {
	return hashWithDomain(DomainContent, data)
}

// ContentIDReader computes ContentID over a stream without buffering it.
func ContentIDReader(r io.Reader) (string, error) {
	h := sha256.New()
	h.Write([]byte(DomainContent))
	h.Write([]byte{0x00})
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PatchID computes the identity of raw patch file bytes.
// Recorded on every HistoryEntry as patch_id.
func PatchID(raw []byte) string {
	return hashWithDomain(DomainPatch, raw)
}

// ShortID returns the first 12 characters of an ID for display.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
