package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

// FingerprintEntry is the digest of one monitored file.
type FingerprintEntry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// FingerprintSet maps root-relative paths to file digests.
type FingerprintSet map[string]string

// Sorted returns the entries ordered by path, byte-wise ascending.
func (s FingerprintSet) Sorted() []FingerprintEntry {
	out := make([]FingerprintEntry, 0, len(s))
	for p, d := range s {
		out = append(out, FingerprintEntry{Path: p, Digest: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// DigestFile hashes the base64 form of normalised content.
func DigestFile(content string) string {
	return sha256Hex(base64.StdEncoding.EncodeToString([]byte(content)))
}

// BuildSet digests every record. A later record with the same path replaces
// an earlier one.
func BuildSet(records []FileRecord) FingerprintSet {
	set := make(FingerprintSet, len(records))
	for _, rec := range records {
		if rec.Content == "" {
			continue
		}
		set[rec.Path] = DigestFile(rec.Content)
	}
	return set
}

// DigestSet hashes "path:digest;" for every entry in path order.
func DigestSet(set FingerprintSet) string {
	return DigestEntries(set.Sorted())
}

// DigestEntries hashes entries in the order given. Callers must pass sorted
// entries for the result to be a stable fingerprint.
func DigestEntries(entries []FingerprintEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Path)
		b.WriteByte(':')
		b.WriteString(e.Digest)
		b.WriteByte(';')
	}
	return sha256Hex(b.String())
}

// Aggregate binds the set digest to the deployment and application.
func Aggregate(domain, appID, setDigest string) string {
	return sha256Hex(domain + "#" + appID + "#" + setDigest)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
