package postgres

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// encodeCursor renders a keyset position as an opaque base64 token.
func encodeCursor(c cursor) string {
	raw := c.checkInTime.UTC().Format(time.RFC3339Nano) + "|" + c.id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, errors.New("invalid cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return cursor{}, errors.New("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return cursor{}, errors.New("invalid cursor")
	}
	return cursor{checkInTime: t, id: id}, nil
}
