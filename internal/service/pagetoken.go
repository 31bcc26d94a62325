package service

import (
	"encoding/base64"
	"encoding/json"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/repository"
)

const pageTokenVersion = 1

type pageToken struct {
	V int               `json:"v"`
	K repository.Cursor `json:"k"`
}

// encodePageToken returns an opaque continuation token for the last
// examined key.
func encodePageToken(c repository.Cursor) string {
	b, _ := json.Marshal(pageToken{V: pageTokenVersion, K: c})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePageToken(s string) (*repository.Cursor, error) {
	if s == "" {
		return nil, nil
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, apperr.Validation("search", "invalid nextToken")
	}

	var t pageToken
	if err := json.Unmarshal(b, &t); err != nil || t.V != pageTokenVersion || t.K.ID == "" {
		return nil, apperr.Validation("search", "invalid nextToken")
	}
	return &t.K, nil
}
