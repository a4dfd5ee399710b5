package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type cursor struct {
	Offset int `json:"o"`
}

// EncodeOffset serialises a listing offset into a base64 URL-safe page token. Zero yields no token.
func EncodeOffset(offset int) string {
	if offset <= 0 {
		return ""
	}
	data, _ := json.Marshal(cursor{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeOffset parses a page token produced by EncodeOffset.
func DecodeOffset(token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c cursor
	if err := json.Unmarshal(decoded, &c); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidPageToken)
	}
	return c.Offset, nil
}

// Window returns the [start, end) bounds of a page over total items and the token for the next page.
func Window(total, offset, pageSize int) (int, int, string) {
	if offset > total {
		offset = total
	}
	end := offset + pageSize
	if pageSize <= 0 || end > total {
		end = total
	}
	next := ""
	if end < total {
		next = EncodeOffset(end)
	}
	return offset, end, next
}
