// Package protocol defines the line-delimited JSON wire protocol spoken by
// presence clients: inbound {method, data} records, outbound events, the
// client method allow-list, and the client-facing error taxonomy.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Method identifies a client-callable protocol method.
type Method string

// The fixed client method allow-list. Names are case-sensitive and match the
// wire protocol exactly.
const (
	MethodLogon        Method = "logon"
	MethodSubscribe    Method = "subscribe"
	MethodUnsubscribe  Method = "unsubscribe"
	MethodEnterRoom    Method = "enter_room"
	MethodMove         Method = "move"
	MethodChat         Method = "chat"
	MethodPortal       Method = "portal"
	MethodUsersOnline  Method = "users_online"
	MethodGetPartylist Method = "get_partylist"
)

var validMethods = map[Method]bool{
	MethodLogon:        true,
	MethodSubscribe:    true,
	MethodUnsubscribe:  true,
	MethodEnterRoom:    true,
	MethodMove:         true,
	MethodChat:         true,
	MethodPortal:       true,
	MethodUsersOnline:  true,
	MethodGetPartylist: true,
}

// Valid reports whether m is on the client method allow-list.
func (m Method) Valid() bool {
	return validMethods[m]
}

// Server-originated event and response names.
const (
	EventOkay             = "okay"
	EventError            = "error"
	EventUsersOnline      = "users_online"
	EventGetPartylist     = "get_partylist"
	EventUserDisconnected = "user_disconnected"
	EventUserLeave        = "user_leave"
	EventUserEnter        = "user_enter"
	EventUserMoved        = "user_moved"
	EventUserChat         = "user_chat"
	EventUserPortal       = "user_portal"
)

// Message is one inbound protocol record.
type Message struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Parse decodes a single wire record. Any input that is not a JSON object
// with a method field is a parse failure; the caller reports it to the
// client and keeps the connection open.
func Parse(record []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(record, &msg); err != nil {
		return Message{}, fmt.Errorf("parsing record: %w", err)
	}
	return msg, nil
}

// Encode serializes an outbound {method, data} event. The transport layer
// owns record framing (CRLF for sockets, one message per websocket frame).
func Encode(method string, data any) ([]byte, error) {
	out, err := json.Marshal(Message{Method: method, Data: mustRaw(data)})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", method, err)
	}
	return out, nil
}

func mustRaw(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	out, err := json.Marshal(data)
	if err != nil {
		// Outbound payloads are server-built maps and structs; a marshal
		// failure here is a programming error.
		panic(fmt.Sprintf("protocol: unencodable payload: %v", err))
	}
	return out
}

// NormalizeData shapes a raw data payload into an object for handlers that
// require object-shaped input. A missing payload becomes an empty object; a
// scalar or array payload is wrapped under the conventional "data" key.
func NormalizeData(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj == nil {
			return map[string]any{}
		}
		return obj
	}
	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return map[string]any{}
	}
	return map[string]any{"data": scalar}
}

var (
	userIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	roomURLPattern = regexp.MustCompile(`^https?://`)
)

// ValidUserID reports whether name is a legal display name: non-empty,
// alphanumeric and underscore only.
func ValidUserID(name string) bool {
	return userIDPattern.MatchString(name)
}

// ValidRoomURL reports whether url is acceptable for a party-list entry:
// empty, or an http(s) URL.
func ValidRoomURL(url string) bool {
	return url == "" || roomURLPattern.MatchString(url)
}

// Truthy reports whether a decoded JSON value is the protocol's notion of
// true: the boolean true or the string "true". Legacy clients send either.
func Truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}
