package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
)

var ErrMalformedFrame = errors.New("malformed frame")
var ErrUnknownAction = errors.New("unknown action")

// Data is the free-form payload of a frame.
type Data map[string]Value

func (d Data) Int(key string) (int, bool)       { return d[key].AsInt() }
func (d Data) String(key string) (string, bool) { return d[key].AsString() }
func (d Data) Bool(key string) (bool, bool)     { return d[key].AsBool() }

// Seconds reads a number of seconds into a duration.
func (d Data) Seconds(key string) (time.Duration, bool) {
	n, ok := d[key].AsNumber()
	if !ok {
		i, ok := d[key].AsInt()
		if !ok {
			return 0, false
		}
		n = float64(i)
	}
	if n < 0 {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}

// Frame is the envelope for every message in both directions.
type Frame struct {
	Action    string  `json:"action"`
	Data      Data    `json:"data"`
	Timestamp *string `json:"timestamp,omitempty"`
	RoomID    *int    `json:"room_id,omitempty"`
}

// Time parses the optional ISO-8601 timestamp.
func (f Frame) Time() (time.Time, bool) {
	if f.Timestamp == nil {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, *f.Timestamp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Action == "" {
		return Frame{}, fmt.Errorf("%w: missing action", ErrMalformedFrame)
	}
	if f.Data == nil {
		f.Data = Data{}
	}
	return f, nil
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Data == nil {
		f.Data = Data{}
	}
	return json.Marshal(f)
}
