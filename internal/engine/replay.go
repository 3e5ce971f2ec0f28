package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"relay/internal/codec"
	"relay/internal/types"
)

// rawEventFrame turns a stored event-log entry back into the uniform frame
// shape, so replay runs through the exact same normalization as live
// delivery.
func rawEventFrame(raw types.RawEvent) codec.Frame {
	frame := codec.Frame{Event: raw.Event}
	if raw.ID > 0 {
		frame.ID = strconv.FormatInt(raw.ID, 10)
	}
	if len(raw.Data) == 0 {
		return frame
	}
	text := strings.TrimSpace(string(raw.Data))
	if strings.HasPrefix(text, `"`) {
		var unquoted string
		if err := json.Unmarshal(raw.Data, &unquoted); err == nil {
			frame.Data = unquoted
			return frame
		}
	}
	frame.Data = text
	return frame
}
