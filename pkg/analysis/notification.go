package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
)

type s3Event struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// DecodeNotifications accepts either a manifest notification published by the
// builder or an S3 event notification, whose object keys are URL-encoded.
func DecodeNotifications(raw []byte) ([]pipeline.ManifestNotification, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &pipeline.MalformedPayloadError{Err: fmt.Errorf("decode notification: %w", err)}
	}

	if _, ok := probe["Records"]; ok {
		var evt s3Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, &pipeline.MalformedPayloadError{Err: fmt.Errorf("decode s3 event: %w", err)}
		}
		notes := make([]pipeline.ManifestNotification, 0, len(evt.Records))
		for i, record := range evt.Records {
			key, err := url.QueryUnescape(record.S3.Object.Key)
			if err != nil {
				return nil, &pipeline.MalformedPayloadError{Err: fmt.Errorf("record %d key: %w", i, err)}
			}
			if key == "" {
				continue
			}
			notes = append(notes, pipeline.ManifestNotification{Bucket: record.S3.Bucket.Name, Key: key})
		}
		return notes, nil
	}

	var note pipeline.ManifestNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, &pipeline.MalformedPayloadError{Err: fmt.Errorf("decode notification: %w", err)}
	}
	if note.Key == "" {
		return nil, &pipeline.MalformedPayloadError{Err: errors.New("notification has no key")}
	}
	return []pipeline.ManifestNotification{note}, nil
}
