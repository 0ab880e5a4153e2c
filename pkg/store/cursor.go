package store

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Cursor is an opaque pagination position: the sort value of the last row
// plus its id as tiebreaker.
type Cursor struct {
	Value string
	ID    string
}

// EncodeCursor packs (value, id) into an opaque URL-safe string.
func EncodeCursor(value, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value + "\x00" + id))
}

// DecodeCursor reverses EncodeCursor. Unrelated bytes return an error.
func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	value, id, ok := strings.Cut(string(raw), "\x00")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{Value: value, ID: id}, nil
}
