package protocol

import "fmt"

// ErrorKind classifies client-visible protocol failures.
type ErrorKind int

const (
	// KindProtocol covers malformed records, unknown methods, and calls
	// made before authentication.
	KindProtocol ErrorKind = iota
	// KindValidation covers missing or malformed required fields.
	KindValidation
	// KindNameInUse covers logon attempts with a name held by a live session.
	KindNameInUse
	// KindState covers methods invoked before their prerequisite state exists.
	KindState
)

// ClientError is an error surfaced to exactly one client as a structured
// error event. It never closes the connection and never affects other
// sessions.
type ClientError struct {
	Kind    ErrorKind
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// The client error messages preserve the exact legacy wire strings.
var (
	ErrParse         = &ClientError{KindProtocol, "Unable to parse last message"}
	ErrAuthRequired  = &ClientError{KindProtocol, `You must call "logon" before sending any other commands.`}
	ErrMissingUserID = &ClientError{KindValidation, "Missing userId in data packet"}
	ErrBadUserID     = &ClientError{KindValidation, "illegal character in user name, only use alphanumeric and underscore"}
	ErrMissingRoomID = &ClientError{KindValidation, "Missing roomId in data packet"}
	ErrNameInUse     = &ClientError{KindNameInUse, "User name is already in use"}
)

// ErrInvalidMethod builds the error for a method outside the allow-list.
func ErrInvalidMethod(method string) *ClientError {
	return &ClientError{KindProtocol, fmt.Sprintf("Invalid method: %s", method)}
}

// ErrNoCurrentRoom builds the error for a method that presupposes a current
// room before one has been established.
func ErrNoCurrentRoom(method Method) *ClientError {
	return &ClientError{KindState, fmt.Sprintf("No current room: call logon or enter_room before %s", method)}
}
