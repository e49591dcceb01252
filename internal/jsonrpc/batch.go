package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidJSON = errors.New("jsonrpc: body is not valid JSON")
	ErrEmptyBatch  = errors.New("jsonrpc: batch must contain at least one message")
	ErrNotObject   = errors.New("jsonrpc: body must be an object or an array of objects")
)

// ParseBatch decodes a body that is either one message or a JSON array of
// messages. batched reports whether the body was an array. Every entry must
// be a valid message; the first offending entry fails the whole body.
func ParseBatch(data []byte) (msgs []*AnyMessage, batched bool, err error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, false, ErrInvalidJSON
	}

	switch data[0] {
	case '{':
		msg, err := Parse(data)
		if err != nil {
			return nil, false, err
		}
		return []*AnyMessage{msg}, false, nil
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if len(entries) == 0 {
			return nil, true, ErrEmptyBatch
		}
		msgs = make([]*AnyMessage, 0, len(entries))
		for i, entry := range entries {
			if len(entry) == 0 || entry[0] != '{' {
				return nil, true, fmt.Errorf("entry %d: %w", i, ErrNotObject)
			}
			msg, err := Parse(entry)
			if err != nil {
				return nil, true, fmt.Errorf("entry %d: %w", i, err)
			}
			msgs = append(msgs, msg)
		}
		return msgs, true, nil
	default:
		return nil, false, ErrNotObject
	}
}
