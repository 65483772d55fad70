package verify

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomInt returns a uniform value in [0, n). Predictable selection would
// make the gate enumerable, so this never falls back to a weaker source.
func randomInt(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomInt: bound %d out of range", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}

// randomID returns length characters drawn from the lowercase alphanumeric
// alphabet.
func randomID(length int) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		idx, err := randomInt(len(idAlphabet))
		if err != nil {
			return "", err
		}
		buf[i] = idAlphabet[idx]
	}
	return string(buf), nil
}

// shuffle is an unbiased Fisher-Yates permutation in place.
func shuffle(options []string) error {
	for i := len(options) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return err
		}
		options[i], options[j] = options[j], options[i]
	}
	return nil
}
