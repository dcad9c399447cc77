package shield

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
)

// Identifiers names the entity being rate limited. Implementations must
// produce the same bytes for the same logical value on every call.
type Identifiers interface {
	// AppendCanonical appends the canonical encoding to dst.
	AppendCanonical(dst []byte) ([]byte, error)
}

// ID is a single string identifier, e.g. a client IP or an API key.
type ID string

// AppendCanonical encodes the ID as s:<len>:"<value>";.
func (id ID) AppendCanonical(dst []byte) ([]byte, error) {
	return appendString(dst, string(id)), nil
}

// Fields is a set of named identifiers, e.g. {"ip": "1.2.3.4", "user": "bob"}.
// Keys are sorted before encoding, so insertion order never affects the digest.
type Fields map[string]string

// AppendCanonical encodes the set as a:<n>:{<key><value>...} with keys in
// byte order and every key and value string-encoded as in ID.
func (f Fields) AppendCanonical(dst []byte) ([]byte, error) {
	if len(f) == 0 {
		return nil, fmt.Errorf("%w: empty field set", ErrInvalidIdentifiers)
	}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst = append(dst, "a:"...)
	dst = strconv.AppendInt(dst, int64(len(keys)), 10)
	dst = append(dst, ":{"...)
	for _, k := range keys {
		dst = appendString(dst, k)
		dst = appendString(dst, f[k])
	}
	return append(dst, '}'), nil
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, "s:"...)
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':', '"')
	dst = append(dst, s...)
	return append(dst, '"', ';')
}

// Digest returns the hex SHA-1 of the canonical encoding of ids.
func Digest(ids Identifiers) (string, error) {
	if ids == nil {
		return "", fmt.Errorf("%w: nil identifiers", ErrInvalidIdentifiers)
	}
	b, err := ids.AppendCanonical(make([]byte, 0, 64))
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}
