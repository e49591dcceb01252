package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Kind
	}{
		{"request numeric id", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"abc","method":"tools/list","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"null id response", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":3,"result":null}`, KindResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Fatalf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"missing version", `{"id":1,"method":"x"}`, ErrInvalidVersion},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, ErrInvalidVersion},
		{"no method no id", `{"jsonrpc":"2.0","result":1}`, ErrInvalidShape},
		{"id only", `{"jsonrpc":"2.0","id":1}`, ErrInvalidShape},
		{"method with result", `{"jsonrpc":"2.0","id":1,"method":"x","result":1}`, ErrInvalidShape},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"m"}}`, ErrInvalidShape},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"x"}`, ErrInvalidShape},
		{"numeric method", `{"jsonrpc":"2.0","id":1,"method":5}`, ErrInvalidShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMarshalPreservesOriginalBytes(t *testing.T) {
	in := `{"method":"x","jsonrpc":"2.0","id":"z","params":{"b":2,"a":1}}`
	msg, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != in {
		t.Fatalf("round trip changed bytes:\n got %s\nwant %s", out, in)
	}
}

func TestRequestIDKeyDistinguishesTypes(t *testing.T) {
	num, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	str, err := Parse([]byte(`{"jsonrpc":"2.0","id":"1","method":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if num.ID.Key() == str.ID.Key() {
		t.Fatalf("numeric and string ids share key %q", num.ID.Key())
	}
	if num.ID.String() != "1" || str.ID.String() != "1" {
		t.Fatalf("unexpected String(): %q %q", num.ID.String(), str.ID.String())
	}
	if got := NewRequestID(1).Key(); got != num.ID.Key() {
		t.Fatalf("NewRequestID(1).Key() = %q, want %q", got, num.ID.Key())
	}
}

func TestErrorResponseEchoesID(t *testing.T) {
	id := NewRequestID("req-1")
	b, err := json.Marshal(NewErrorResponse(id, ErrorCodeInternalError, "request timeout", nil))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32603,"message":"request timeout"},"id":"req-1"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}

	b, err = json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil))
	if err != nil {
		t.Fatal(err)
	}
	want = `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestParseBatch(t *testing.T) {
	msgs, batched, err := ParseBatch([]byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if err != nil || batched || len(msgs) != 1 {
		t.Fatalf("single: msgs=%d batched=%v err=%v", len(msgs), batched, err)
	}

	msgs, batched, err = ParseBatch([]byte(` [{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","method":"b"}] `))
	if err != nil || !batched || len(msgs) != 2 {
		t.Fatalf("array: msgs=%d batched=%v err=%v", len(msgs), batched, err)
	}
	if msgs[0].Method != "a" || msgs[1].Kind() != KindNotification {
		t.Fatalf("array order or kinds wrong: %+v", msgs)
	}

	bad := []struct {
		in   string
		want error
	}{
		{`{not json`, ErrInvalidJSON},
		{``, ErrInvalidJSON},
		{`[]`, ErrEmptyBatch},
		{`"str"`, ErrNotObject},
		{`[1]`, ErrNotObject},
		{`[{"jsonrpc":"2.0","id":1,"method":"a"},{"id":2,"method":"b"}]`, ErrInvalidVersion},
	}
	for _, tt := range bad {
		if _, _, err := ParseBatch([]byte(tt.in)); !errors.Is(err, tt.want) {
			t.Errorf("ParseBatch(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}
