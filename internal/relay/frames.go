package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"nostr-relay-engine/internal/filter"
	"nostr-relay-engine/internal/types"
)

// Relay -> client message types
const (
	msgEvent  = "EVENT"
	msgEOSE   = "EOSE"
	msgOK     = "OK"
	msgNotice = "NOTICE"
	msgClosed = "CLOSED"
	msgAuth   = "AUTH"
)

var errMalformedFrame = errors.New("malformed frame")

func reqFrame(subID string, f filter.Filter) ([]byte, error) {
	return json.Marshal([]interface{}{"REQ", subID, f.WireObject()})
}

func closeFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

func eventFrame(evt types.Event) ([]byte, error) {
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	return json.Marshal([]interface{}{"EVENT", evt})
}

func authFrame(evt types.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"AUTH", evt})
}

// decodeFrame splits a relay frame into its type and remaining elements
func decodeFrame(raw []byte) (string, []interface{}, error) {
	var msg []interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if len(msg) < 2 {
		return "", nil, fmt.Errorf("%w: %d elements", errMalformedFrame, len(msg))
	}
	msgType, ok := msg[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: type is not a string", errMalformedFrame)
	}
	return msgType, msg[1:], nil
}

// okResult is a decoded ["OK", id, success, message] frame
type okResult struct {
	EventID string
	Success bool
	Message string
}

func parseOK(args []interface{}) (okResult, error) {
	if len(args) < 2 {
		return okResult{}, fmt.Errorf("%w: OK needs id and status", errMalformedFrame)
	}
	id, ok := args[0].(string)
	if !ok {
		return okResult{}, fmt.Errorf("%w: OK id is not a string", errMalformedFrame)
	}
	success, ok := args[1].(bool)
	if !ok {
		return okResult{}, fmt.Errorf("%w: OK status is not a bool", errMalformedFrame)
	}
	res := okResult{EventID: id, Success: success}
	if len(args) > 2 {
		res.Message, _ = args[2].(string)
	}
	return res, nil
}

func stringArg(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}
