package integrity

import "strings"

// Matches compares a local digest with the remote record. A missing record
// never matches.
func Matches(local string, remote *AttestationRecord) bool {
	if remote == nil {
		return false
	}
	return MatchesCode(local, remote.VerificationCode)
}

func MatchesCode(local, remote string) bool {
	l := strings.ToLower(strings.TrimSpace(local))
	r := strings.ToLower(strings.TrimSpace(remote))
	if l == "" || r == "" {
		return false
	}
	return l == r
}
