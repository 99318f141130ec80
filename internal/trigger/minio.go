package trigger

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/seantiz/pipetrigger/internal/model"
)

// MinIOPayload is the body of a MinIO webhook notification target.
type MinIOPayload struct {
	EventName string               `json:"EventName"`
	Key       string               `json:"Key"`
	Records   []notification.Event `json:"Records"`
}

// ParseMinIO decodes a MinIO webhook body. Records that are not object
// creations are skipped.
func ParseMinIO(body []byte) ([]model.BlobEvent, error) {
	var p MinIOPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode minio notification: %w", err)
	}
	return FromNotification(p.Records)
}

// FromNotification converts S3-schema records into blob events. Object keys
// arrive URL-encoded.
func FromNotification(records []notification.Event) ([]model.BlobEvent, error) {
	events := make([]model.BlobEvent, 0, len(records))
	for _, rec := range records {
		if !strings.HasPrefix(rec.EventName, "s3:ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode object key %q: %w", rec.S3.Object.Key, err)
		}
		bucket := rec.S3.Bucket.Name
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("minio record %q has no bucket or key", rec.EventName)
		}
		t, err := time.Parse(time.RFC3339Nano, rec.EventTime)
		if err != nil {
			t = time.Now()
		}
		ev := model.BlobEvent{
			Source:    model.SourceMinIO,
			Container: bucket,
			Name:      key,
			Size:      rec.S3.Object.Size,
			ETag:      rec.S3.Object.ETag,
			Time:      t.UTC(),
		}
		if seq := rec.S3.Object.Sequencer; seq != "" {
			ev.ID = bucket + "/" + key + "@" + seq
		}
		events = append(events, ev)
	}
	return events, nil
}
