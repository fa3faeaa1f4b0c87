package transport

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errMalformedFrame = errors.New("malformed frame")

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// decodeFrame accepts {"event":..,"data":..} and the ["event", data] array
// form some broker builds emit.
func decodeFrame(raw []byte) (inboundFrame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return inboundFrame{}, errMalformedFrame
	}

	var f inboundFrame
	if raw[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
			return inboundFrame{}, errMalformedFrame
		}
		if err := json.Unmarshal(parts[0], &f.Event); err != nil {
			return inboundFrame{}, errMalformedFrame
		}
		if len(parts) > 1 {
			f.Data = parts[1]
		}
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return inboundFrame{}, errMalformedFrame
	}

	if f.Event == "" {
		return inboundFrame{}, errMalformedFrame
	}
	return f, nil
}
