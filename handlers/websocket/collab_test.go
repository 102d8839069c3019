package websocket

import (
	"collab-editor/core"
	"errors"
	"reflect"
	"testing"
)

func TestExtractAck(t *testing.T) {
	var called bool
	datas := []any{map[string]any{"roomId": "demo"}, func(args ...any) { called = true }}

	ack, args := extractAck(datas)
	if ack == nil {
		t.Fatal("Expected an ack callback")
	}
	if len(args) != 1 {
		t.Fatalf("Expected 1 argument, got %d", len(args))
	}

	ack(nil, map[string]any{"status": "ok"})
	if !called {
		t.Error("Expected ack callback to be invoked")
	}
}

func TestExtractAckWithoutCallback(t *testing.T) {
	datas := []any{"demo", map[string]any{"content": "x"}}

	ack, args := extractAck(datas)
	if ack != nil {
		t.Error("Expected no ack callback")
	}
	if len(args) != 2 {
		t.Errorf("Expected 2 arguments, got %d", len(args))
	}

	ack, args = extractAck(nil)
	if ack != nil || len(args) != 0 {
		t.Error("Expected empty result for no arguments")
	}
}

func TestAckSingleParameter(t *testing.T) {
	var got any
	ack := wrapAck(func(v any) { got = v })

	ack(nil, map[string]any{"status": "ok"})
	if payload, ok := got.(map[string]any); !ok || payload["status"] != "ok" {
		t.Errorf("Expected payload on success, got %v", got)
	}

	ackErr := errors.New("boom")
	ack(ackErr, map[string]any{"status": "error"})
	if got != ackErr {
		t.Errorf("Expected error on failure, got %v", got)
	}
}

func TestAckTwoParameters(t *testing.T) {
	var (
		gotErr     error
		gotPayload map[string]string
	)
	ack := wrapAck(func(err error, payload map[string]string) {
		gotErr = err
		gotPayload = payload
	})

	ack(nil, ackPayload(nil))
	if gotErr != nil {
		t.Errorf("Expected nil error, got %v", gotErr)
	}
	if gotPayload["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", gotPayload)
	}

	conflict := &core.ConflictError{LineIndex: 2, LockedBy: "bob"}
	ack(conflict, ackPayload(conflict))
	if gotErr != conflict {
		t.Errorf("Expected the conflict error, got %v", gotErr)
	}
	if gotPayload["category"] != string(core.CategoryConflict) {
		t.Errorf("Expected conflict category, got %v", gotPayload)
	}
}

func TestAckStringParameters(t *testing.T) {
	var gotErr, gotStatus string
	ack := wrapAck(func(err string, payload any, extra []string) {
		gotErr = err
		gotStatus = payload.(map[string]any)["status"].(string)
		if extra != nil {
			t.Errorf("Expected zero value for extra parameter, got %v", extra)
		}
	})

	ack(&core.ValidationError{Field: "content", Reason: "is required"}, map[string]any{"status": "error"})
	if gotErr != "invalid content: is required" {
		t.Errorf("Expected error text, got %q", gotErr)
	}
	if gotStatus != "error" {
		t.Errorf("Expected error status, got %q", gotStatus)
	}
}

func TestAckArg(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		target reflect.Type
		want   any
	}{
		{"nil to string", nil, reflect.TypeOf(""), ""},
		{"error to string", errors.New("bad"), reflect.TypeOf(""), "bad"},
		{"map to any", map[string]any{"a": 1}, reflect.TypeOf((*any)(nil)).Elem(), map[string]any{"a": 1}},
		{"map to string map", map[string]any{"status": "ok", "n": 1}, stringMapType, map[string]string{"status": "ok"}},
		{"unsupported to struct", "x", reflect.TypeOf(struct{ A int }{}), struct{ A int }{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ackArg(tt.value, tt.target).Interface()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ackArg() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAckPayload(t *testing.T) {
	ok := ackPayload(nil)
	if ok["status"] != "ok" || len(ok) != 1 {
		t.Errorf("Expected plain ok payload, got %v", ok)
	}

	failed := ackPayload(&core.ConflictError{LineIndex: 1, LockedBy: "alice"})
	if failed["status"] != "error" {
		t.Errorf("Expected error status, got %v", failed["status"])
	}
	if failed["category"] != string(core.CategoryConflict) {
		t.Errorf("Expected conflict category, got %v", failed["category"])
	}
	if failed["error"] != "line 1 is locked by alice" {
		t.Errorf("Unexpected error message %v", failed["error"])
	}
}

func TestCorsOrigins(t *testing.T) {
	origins := corsOrigins([]string{"https://editor.example.com"})
	if len(origins) != 3 {
		t.Fatalf("Expected 3 origins, got %d", len(origins))
	}
	if origins[2] != "https://editor.example.com" {
		t.Errorf("Expected configured origin last, got %v", origins[2])
	}
	if !localhostOrigin.MatchString("http://localhost:5173") {
		t.Error("Expected localhost origin to match")
	}
	if localhostOrigin.MatchString("http://evil.example.com") {
		t.Error("Expected foreign origin not to match")
	}
}
