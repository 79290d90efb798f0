package daemon

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifySelfIntegrity compares the SHA-256 of the running binary with the
// expected hex digest.
func VerifySelfIntegrity(expected string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return verifyFile(exe, expected)
}

func verifyFile(path, expected string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open executable: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("hash executable: %w", err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	want := strings.ToLower(strings.TrimSpace(expected))
	if subtle.ConstantTimeCompare([]byte(actual), []byte(want)) != 1 {
		return fmt.Errorf("self-integrity mismatch: expected %s got %s", want, actual)
	}
	return nil
}
