package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/pipetrigger/internal/model"
)

// FunctionsRequest is the body the Functions host posts to a custom handler.
type FunctionsRequest struct {
	Data     map[string]json.RawMessage `json:"Data"`
	Metadata map[string]json.RawMessage `json:"Metadata"`
}

// FunctionsResponse is the body a custom handler returns to the host.
type FunctionsResponse struct {
	Outputs     map[string]any `json:"Outputs"`
	Logs        []string       `json:"Logs"`
	ReturnValue any            `json:"ReturnValue,omitempty"`
}

type blobProperties struct {
	ETag   string `json:"ETag"`
	Length int64  `json:"Length"`
}

type sysMetadata struct {
	UtcNow time.Time `json:"UtcNow"`
}

// ParseFunctions extracts the blob event from a blob-triggered invocation.
// The container comes from the BlobTrigger path or, failing that, from Uri.
// The event ID combines the blob path with its ETag so that host retries of
// the same blob version are recognized.
func ParseFunctions(body []byte) (model.BlobEvent, error) {
	var req FunctionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return model.BlobEvent{}, fmt.Errorf("decode functions request: %w", err)
	}
	if len(req.Metadata) == 0 {
		return model.BlobEvent{}, errors.New("functions request has no metadata")
	}

	ev := model.BlobEvent{Source: model.SourceFunctions, Time: time.Now().UTC()}
	ev.Name = metaString(req.Metadata, "name")
	ev.URL = metaString(req.Metadata, "Uri")

	if path := metaString(req.Metadata, "BlobTrigger"); path != "" {
		container, name, ok := strings.Cut(path, "/")
		if ok {
			ev.Container = container
			if ev.Name == "" {
				ev.Name = name
			}
		}
	}
	if ev.Container == "" && ev.URL != "" {
		container, name, err := splitBlobURL(ev.URL)
		if err != nil {
			return model.BlobEvent{}, err
		}
		ev.Container = container
		if ev.Name == "" {
			ev.Name = name
		}
	}
	if ev.Name == "" {
		return model.BlobEvent{}, errors.New("functions request metadata has no blob name")
	}

	if raw, ok := req.Metadata["Properties"]; ok {
		var props blobProperties
		if err := json.Unmarshal(raw, &props); err == nil {
			ev.ETag = props.ETag
			ev.Size = props.Length
		}
	}
	if raw, ok := req.Metadata["sys"]; ok {
		var sys sysMetadata
		if err := json.Unmarshal(raw, &sys); err == nil && !sys.UtcNow.IsZero() {
			ev.Time = sys.UtcNow.UTC()
		}
	}
	if ev.ETag != "" {
		ev.ID = ev.Container + "/" + ev.Name + "@" + strings.Trim(ev.ETag, `"`)
	}
	return ev, nil
}

// metaString returns a string metadata value. The host JSON-encodes some
// values twice, so a quoted string inside a string is unwrapped.
func metaString(meta map[string]json.RawMessage, key string) string {
	raw, ok := meta[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	var inner string
	if strings.HasPrefix(s, `"`) && json.Unmarshal([]byte(s), &inner) == nil {
		return inner
	}
	return s
}

// splitBlobURL splits https://<account>.blob.core.windows.net/<container>/<name>.
func splitBlobURL(raw string) (container, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse blob url: %w", err)
	}
	container, name, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || container == "" || name == "" {
		return "", "", fmt.Errorf("blob url %q has no container and name", raw)
	}
	return container, name, nil
}
