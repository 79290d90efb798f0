package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	assert.False(t, Matches("ab12", nil), "absence is a mismatch")
	assert.True(t, Matches("AB12", &AttestationRecord{VerificationCode: "ab12"}))
	assert.True(t, Matches(" ab12\n", &AttestationRecord{VerificationCode: "AB12 "}))
	assert.False(t, Matches("ab12", &AttestationRecord{VerificationCode: "ab13"}))
	assert.False(t, MatchesCode("", ""))
}
