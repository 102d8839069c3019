package websocket

import (
	"collab-editor/core"
	"collab-editor/gateway"
	"context"
	"fmt"
	"reflect"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

var intentNames = []string{
	core.IntentJoinRoom,
	core.IntentSetUsername,
	core.IntentDocumentChange,
	core.IntentLockLine,
	core.IntentUnlockLine,
	core.IntentTyping,
}

// socketTransport emits room events on one socket.io connection.
type socketTransport struct {
	socket *socketio.Socket
}

func (t socketTransport) Send(evt core.Event) error {
	if !t.socket.Connected() {
		return core.ErrTransportClosed
	}
	return t.socket.Emit(evt.Name, evt.Payload)
}

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

func corsOrigins(origins []string) []any {
	out := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range origins {
		out = append(out, origin)
	}
	return out
}

func SetupSocketIO(gw *gateway.Gateway, origins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigins(origins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		connID := string(socket.Id())
		gw.Connect(connID, socketTransport{socket: socket})

		for _, name := range intentNames {
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(name, func(datas ...any) {
				ack, args := extractAck(datas)
				var raw any
				if len(args) > 0 {
					raw = args[0]
				}
				err := gw.Receive(context.Background(), connID, name, raw)
				respondWithAck(ack, ackPayload(err), err)
			})
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			reason := ""
			if len(datas) > 0 {
				reason = fmt.Sprint(datas[0])
			}
			gw.Disconnect(connID, reason)
			socket.RemoveAllListeners("")
		})
	})

	logrus.WithField("path", "/socket.io").Debug("Socket.IO server configured")
	return srv
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := buildAckArgs(typ, err, payload)
		value.Call(args)
	}
}

var stringMapType = reflect.TypeOf(map[string]string(nil))

// buildAckArgs fits (err, payload) to the callback's parameters. A single
// parameter gets the error when there is one, the payload otherwise.
func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	values := []any{err, payload}
	if typ.NumIn() == 1 && err == nil {
		values = []any{payload}
	}

	args := make([]reflect.Value, typ.NumIn())
	for i := range args {
		var value any
		if i < len(values) {
			value = values[i]
		}
		args[i] = ackArg(value, typ.In(i))
	}
	return args
}

// ackArg converts an ack value for one parameter. Callbacks declare any,
// error or string for the error and any or map[string]string for the payload.
func ackArg(value any, target reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(target)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(target):
		return rv
	case target.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(target)
	case target == stringMapType:
		if payload, ok := value.(map[string]any); ok {
			out := make(map[string]string, len(payload))
			for k, v := range payload {
				if str, ok := v.(string); ok {
					out[k] = str
				}
			}
			return reflect.ValueOf(out)
		}
	}
	return reflect.Zero(target)
}

func respondWithAck(ack ackInvoker, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
}

func ackPayload(ackErr error) map[string]any {
	response := map[string]any{
		"status": "ok",
	}

	if ackErr != nil {
		response["status"] = "error"
		response["error"] = ackErr.Error()
		response["category"] = string(core.CategoryOf(ackErr))
	}

	return response
}
