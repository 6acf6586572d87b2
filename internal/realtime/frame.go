package realtime

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/keyrent/internal/dispatch"
)

// TimestampLayout is the ISO-8601 millisecond UTC layout carried by every frame.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DataRequestType is the frame type used to ask the server for a resource.
const DataRequestType = "data_request"

var nullData = json.RawMessage("null")

// Frame is the JSON envelope exchanged over the realtime connection.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// DataRequest is the payload of a data_request frame.
type DataRequest struct {
	ResourceKind string `json:"resourceKind"`
	Params       any    `json:"params,omitempty"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EncodeFrame serialises an outbound frame. A nil data payload is sent as null.
func EncodeFrame(eventType string, data any, now time.Time, requestID string) ([]byte, error) {
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("encode frame: empty type")
	}
	frame := Frame{
		Type:      eventType,
		Data:      nullData,
		Timestamp: FormatTimestamp(now),
		RequestID: requestID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode frame %s data: %w", eventType, err)
		}
		frame.Data = raw
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", eventType, err)
	}
	return out, nil
}

// DecodeFrame parses an inbound frame into a dispatch event.
// A missing or unparsable timestamp leaves Event.Timestamp zero.
func DecodeFrame(raw []byte) (dispatch.Event, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return dispatch.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(frame.Type) == "" {
		return dispatch.Event{}, fmt.Errorf("decode frame: missing type")
	}
	evt := dispatch.Event{
		Type:      frame.Type,
		Data:      frame.Data,
		RequestID: frame.RequestID,
	}
	if frame.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp); err == nil {
			evt.Timestamp = ts.UTC()
		}
	}
	return evt, nil
}
