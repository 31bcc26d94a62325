package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/validation"
)

// unversionedObject is the version S3 reports for buckets without versioning.
const unversionedObject = "null"

// s3Notification is the S3 / MinIO bucket notification envelope.
type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Object struct {
				Key       string `json:"key"`
				Size      int64  `json:"size"`
				VersionID string `json:"versionId"`
				ETag      string `json:"eTag"`
				Sequencer string `json:"sequencer"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseEvents decodes an object-created payload. It accepts the S3 / MinIO
// notification form with a Records array, or one flat ObjectEvent.
// Non-create records in a notification are skipped.
func ParseEvents(body []byte) ([]model.ObjectEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, apperr.Validation("ingest.parse", "empty event payload")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, apperr.Validation("ingest.parse", "invalid event JSON: %v", err)
	}

	if _, ok := probe["Records"]; ok {
		var n s3Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, apperr.Validation("ingest.parse", "invalid notification: %v", err)
		}

		events := make([]model.ObjectEvent, 0, len(n.Records))
		for _, r := range n.Records {
			if r.EventName != "" && !strings.Contains(r.EventName, "ObjectCreated") {
				continue
			}
			// Keys in notifications are form-encoded.
			key, err := url.QueryUnescape(r.S3.Object.Key)
			if err != nil {
				return nil, apperr.Validation("ingest.parse", "invalid object key %q", r.S3.Object.Key)
			}
			events = append(events, model.ObjectEvent{
				ObjectKey:     key,
				ObjectVersion: firstNonEmpty(r.S3.Object.VersionID, strings.Trim(r.S3.Object.ETag, `"`), r.S3.Object.Sequencer),
				SizeBytes:     r.S3.Object.Size,
			})
		}
		return events, nil
	}

	var ev model.ObjectEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apperr.Validation("ingest.parse", "invalid event: %v", err)
	}
	if ev.ObjectKey == "" {
		return nil, apperr.Validation("ingest.parse", "objectKey is required")
	}
	return []model.ObjectEvent{ev}, nil
}

var errOwnerlessKey = errors.New("object key is not under uploads/<owner>/")

// ClassifyKey derives the media type from the key suffix and the owner from
// the upload layout.
func ClassifyKey(key string) (model.FileType, string, error) {
	owner, ok := model.OwnerFromKey(key)
	if !ok {
		return "", "", apperr.Wrap(apperr.KindValidation, "ingest.classify", fmt.Sprintf("unsupported object key %q", key), errOwnerlessKey)
	}
	c, ok := validation.ConstraintsForKey(key)
	if !ok {
		return "", "", apperr.Validation("ingest.classify", "unsupported file type for %q", key)
	}
	return c.Type, owner, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
