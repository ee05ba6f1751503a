package cardno

import (
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"
)

const (
	// Prefix is prepended to every decoded UID.
	Prefix = "0167"
	// Length of a canonical card number, check digit included.
	Length = 20

	bodyDigits = 15
)

var (
	delta     = [10]int{0, 1, 2, 3, 4, -4, -3, -2, -1, 0}
	canonical = regexp.MustCompile(`^\d{20}$`)
	zeroBody  = strings.Repeat("0", bodyDigits)
)

// Decode turns a raw "get UID" response into a canonical card number.
// The first byte and the trailing status word are dropped before decoding.
// An empty string means the bytes carry no usable card data.
func Decode(raw []byte) string {
	if len(raw) < 3 {
		return ""
	}
	payload := raw[1 : len(raw)-2]
	if len(payload) == 0 {
		return ""
	}

	n, ok := hexToBig(strings.ToUpper(hex.EncodeToString(payload)))
	if !ok {
		return ""
	}

	digits := n.String()
	if len(digits) > bodyDigits {
		// UIDs wider than 15 decimal digits cannot form a 20 digit number
		return ""
	}
	digits = strings.Repeat("0", bodyDigits-len(digits)) + digits
	if digits == zeroBody {
		return ""
	}

	body := Prefix + digits
	return body + string(rune('0'+CheckDigit(body)))
}

// hexToBig reads s least significant digit first. Characters that are not
// hex digits contribute nothing. ok is false when s holds no hex digit.
func hexToBig(s string) (*big.Int, bool) {
	n := new(big.Int)
	weight := big.NewInt(1)
	sixteen := big.NewInt(16)
	term := new(big.Int)
	seen := false

	for i := 0; i < len(s); i++ {
		d, valid := hexValue(s[len(s)-1-i])
		if valid {
			seen = true
			term.SetInt64(int64(d))
			n.Add(n, term.Mul(term, weight))
		}
		weight.Mul(weight, sixteen)
	}
	return n, seen
}

func hexValue(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	}
	return 0, false
}

// CheckDigit computes the legacy check digit of a digit string: the digit
// sum plus a delta for every second digit counted from the right.
func CheckDigit(body string) int {
	sum := 0
	for i := 0; i < len(body); i++ {
		sum += digitAt(body, i)
	}
	for i := len(body) - 1; i >= 0; i -= 2 {
		sum += delta[digitAt(body, i)]
	}
	return (10 - sum%10) % 10
}

func digitAt(s string, i int) int {
	c := s[i]
	if c < '0' || c > '9' {
		return 0
	}
	return int(c - '0')
}

// Valid reports whether s is a 20 digit card number.
func Valid(s string) bool {
	return canonical.MatchString(s)
}
