package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Payload wire format: "{streamID}_{position}". Stream ids may themselves
// contain underscores, so decoding splits on the LAST underscore and
// requires the suffix to parse as a non-negative integer. Anything else is
// malformed.

var errMalformedPayload = errors.New("notify: malformed payload")

// EncodePayload builds the wire payload for a (stream, position) pair.
func EncodePayload(streamID string, position int64) (string, error) {
	if streamID == "" {
		return "", errors.New("notify: empty stream id")
	}
	if position < 0 {
		return "", fmt.Errorf("notify: negative position %d", position)
	}
	return streamID + "_" + strconv.FormatInt(position, 10), nil
}

// DecodePayload parses a wire payload back into (stream, position).
func DecodePayload(payload string) (streamID string, position int64, err error) {
	i := strings.LastIndexByte(payload, '_')
	if i <= 0 || i == len(payload)-1 {
		return "", 0, errMalformedPayload
	}
	n, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil || n < 0 {
		return "", 0, errMalformedPayload
	}
	return payload[:i], n, nil
}
