package processor

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// generateSHA3Hash generates a SHA3-256 hash for a file
func generateSHA3Hash(filePath string) (string, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	h := sha3.New256()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read file: %w", err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}
