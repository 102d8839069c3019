package gateway

import (
	"collab-editor/core"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = newValidator()

// requiredKeys lists payload keys that must be present and non-null. A zero
// value is meaningful for these (empty content, line 0), so absence cannot be
// told apart after decoding.
var requiredKeys = map[string][]string{
	core.IntentDocumentChange: {"content", "lineIndex"},
	core.IntentLockLine:       {"lineIndex"},
	core.IntentUnlockLine:     {"lineIndex"},
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeIntent turns a transport payload into a typed intent. raw may be a
// decoded map (socket.io) or JSON bytes (raw WebSocket).
func DecodeIntent(name string, raw any) (core.Intent, error) {
	fields, err := toMap(raw)
	if err != nil {
		return nil, &core.ValidationError{Field: "payload", Reason: err.Error()}
	}
	// Older clients send lineNumber.
	if _, ok := fields["lineIndex"]; !ok {
		if v, ok := fields["lineNumber"]; ok {
			fields["lineIndex"] = v
		}
	}
	for _, key := range requiredKeys[name] {
		if v, ok := fields[key]; !ok || v == nil {
			return nil, &core.ValidationError{Field: key, Reason: "is required"}
		}
	}

	var intent core.Intent
	switch name {
	case core.IntentJoinRoom:
		intent = &core.JoinRoom{}
	case core.IntentSetUsername:
		intent = &core.SetUsername{}
	case core.IntentDocumentChange:
		intent = &core.DocumentChange{}
	case core.IntentLockLine:
		intent = &core.LockLine{}
	case core.IntentUnlockLine:
		intent = &core.UnlockLine{}
	case core.IntentTyping:
		intent = &core.Typing{}
	default:
		return nil, &core.ValidationError{Field: "event", Reason: fmt.Sprintf("unknown intent %q", name)}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           intent,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, &core.ValidationError{Field: "payload", Reason: err.Error()}
	}

	// Hand back the value type so callers can switch on it.
	return reflect.ValueOf(intent).Elem().Interface().(core.Intent), nil
}

func toMap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case json.RawMessage:
		return unmarshalMap(v)
	case []byte:
		return unmarshalMap(v)
	case string:
		// set-username may arrive as a bare string.
		return map[string]any{"username": v}, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", raw)
	}
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validateIntent checks struct tags and reports the first failure.
func validateIntent(intent core.Intent) error {
	err := validate.Struct(intent)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &core.ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag()}
	}
	return &core.ValidationError{Field: "payload", Reason: err.Error()}
}
