package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var base = big.NewInt(int64(len(alphabet)))

// RandomToken returns a random base-36 string with enough entropy to be
// practically unique, built from nBytes of crypto/rand output. This is
// what the repository uuid (assigned once at repository creation) is
// built from; lock tokens come from the locks table's next-key counter. §1
// explicitly leaves the uuid generator's algorithm out of scope, so this
// just needs to be unpredictable and collision-resistant, not match any
// particular upstream format.
func RandomToken(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ids: generating random token: %w", err)
	}
	n := new(big.Int).SetBytes(buf)
	if n.Sign() == 0 {
		return First, nil
	}
	var digits []byte
	zero := big.NewInt(0)
	mod := new(big.Int)
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		digits = append(digits, alphabet[mod.Int64()])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits), nil
}
