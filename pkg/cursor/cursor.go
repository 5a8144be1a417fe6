// Package cursor implements the opaque pagination cursors used by paged
// listings. Cursors are server-chosen strings; the only client-visible
// contract is that a present cursor fetches the next page and an absent
// cursor means no more pages. Encode never produces an empty string, so a
// server using this codec cannot emit the ambiguous empty cursor on a
// final page.
package cursor

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalid reports a cursor this server did not produce.
var ErrInvalid = errors.New("invalid pagination cursor")

// prefix versions the cursor encoding so malformed or foreign tokens are
// rejected rather than misread.
const prefix = "c1:"

// Encode wraps a position token in an opaque URL-safe cursor. The result
// is non-empty for every token, including the empty token.
func Encode(token string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + token))
}

// Decode unwraps a cursor produced by Encode.
func Decode(c string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return "", ErrInvalid
	}
	token, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return "", ErrInvalid
	}
	return token, nil
}
