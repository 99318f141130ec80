package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/pipetrigger/internal/model"
)

// Event Grid event types.
const (
	EventTypeSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	EventTypeBlobCreated            = "Microsoft.Storage.BlobCreated"
)

// GridEvent is one event of an Event Grid schema delivery.
type GridEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Subject     string          `json:"subject"`
	EventType   string          `json:"eventType"`
	EventTime   time.Time       `json:"eventTime"`
	Data        json.RawMessage `json:"data"`
	DataVersion string          `json:"dataVersion"`
}

type blobCreatedData struct {
	API           string `json:"api"`
	ETag          string `json:"eTag"`
	ContentLength int64  `json:"contentLength"`
	URL           string `json:"url"`
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

// GridDelivery is a parsed Event Grid delivery. A subscription validation
// handshake carries ValidationCode and no events.
type GridDelivery struct {
	ValidationCode string
	Events         []model.BlobEvent
	Ignored        int
}

// ParseEventGrid parses an Event Grid delivery. Events other than
// BlobCreated are counted as ignored.
func ParseEventGrid(body []byte) (GridDelivery, error) {
	var events []GridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return GridDelivery{}, fmt.Errorf("decode event grid delivery: %w", err)
	}

	var d GridDelivery
	for _, ge := range events {
		switch ge.EventType {
		case EventTypeSubscriptionValidation:
			var v validationData
			if err := json.Unmarshal(ge.Data, &v); err != nil {
				return GridDelivery{}, fmt.Errorf("decode validation event: %w", err)
			}
			d.ValidationCode = v.ValidationCode
		case EventTypeBlobCreated:
			ev, err := blobCreated(ge)
			if err != nil {
				return GridDelivery{}, err
			}
			d.Events = append(d.Events, ev)
		default:
			d.Ignored++
		}
	}
	return d, nil
}

func blobCreated(ge GridEvent) (model.BlobEvent, error) {
	var data blobCreatedData
	if len(ge.Data) > 0 {
		if err := json.Unmarshal(ge.Data, &data); err != nil {
			return model.BlobEvent{}, fmt.Errorf("decode blob created event %s: %w", ge.ID, err)
		}
	}
	container, name, err := splitSubject(ge.Subject)
	if err != nil {
		return model.BlobEvent{}, fmt.Errorf("event %s: %w", ge.ID, err)
	}
	t := ge.EventTime.UTC()
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return model.BlobEvent{
		ID:        ge.ID,
		Source:    model.SourceEventGrid,
		Container: container,
		Name:      name,
		URL:       data.URL,
		Size:      data.ContentLength,
		ETag:      data.ETag,
		Time:      t,
	}, nil
}

// splitSubject splits /blobServices/default/containers/<c>/blobs/<name>.
func splitSubject(subject string) (container, name string, err error) {
	const prefix = "/blobServices/default/containers/"
	rest, ok := strings.CutPrefix(subject, prefix)
	if !ok {
		return "", "", fmt.Errorf("unexpected blob subject %q", subject)
	}
	container, name, ok = strings.Cut(rest, "/blobs/")
	if !ok || container == "" || name == "" {
		return "", "", fmt.Errorf("unexpected blob subject %q", subject)
	}
	return container, name, nil
}
