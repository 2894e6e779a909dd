package escrow

import (
	"crypto/subtle"
	"strings"

	"github.com/holdfast/holdfast/internal/idgen"
)

const (
	deliveryCodeLength   = 6
	shortReferenceLength = 8
)

// shortReference is the human-friendly handle printed on parcels.
func shortReference() string {
	return "HF-" + idgen.Code(shortReferenceLength)
}

func codesEqual(stored, given string) bool {
	a := []byte(strings.ToUpper(stored))
	b := []byte(strings.ToUpper(given))
	return subtle.ConstantTimeCompare(a, b) == 1
}
