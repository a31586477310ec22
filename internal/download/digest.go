package download

import (
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Register the supported digest algorithms.
	_ "crypto/md5"    //nolint:gosec // Offered for vendors that still publish MD5 sums.
	_ "crypto/sha1"   //nolint:gosec // Offered for vendors that still publish SHA-1 sums.
	_ "crypto/sha256" //nolint:revive // Registers SHA-256.
	_ "crypto/sha512" //nolint:revive // Registers SHA-512.
)

var (
	// errUnknownAlgorithm is returned for digest algorithms outside the supported set.
	errUnknownAlgorithm = errors.New("unsupported checksum algorithm")
	// errChecksumMismatch is returned when the artifact digest differs from the expected one.
	errChecksumMismatch = errors.New("checksum mismatch")
)

// HashFor maps an algorithm name to its crypto.Hash.
func HashFor(algorithm string) (crypto.Hash, error) {
	var hash crypto.Hash

	switch AlgorithmName(algorithm) {
	case "md5":
		hash = crypto.MD5
	case "sha1":
		hash = crypto.SHA1
	case "sha256":
		hash = crypto.SHA256
	case "sha512":
		hash = crypto.SHA512
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownAlgorithm, algorithm)
	}

	if !hash.Available() {
		return 0, fmt.Errorf("%w: %q is not linked in", errUnknownAlgorithm, algorithm)
	}

	return hash, nil
}

// AlgorithmName normalizes an algorithm name; empty means sha256.
func AlgorithmName(algorithm string) string {
	name := strings.ToLower(strings.TrimSpace(algorithm))
	if name == "" {
		return "sha256"
	}

	return name
}

// FileDigest returns the raw digest of the file.
func FileDigest(path string, hash crypto.Hash) ([]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := hash.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	return hasher.Sum(nil), nil
}

// VerifyFile compares the file digest with the expected hex checksum.
// It returns the raw digest on success.
func VerifyFile(path, expected string, hash crypto.Hash) ([]byte, error) {
	digest, err := FileDigest(path, hash)
	if err != nil {
		return nil, err
	}

	actual := hex.EncodeToString(digest)
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return digest, fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expected, actual)
	}

	return digest, nil
}
