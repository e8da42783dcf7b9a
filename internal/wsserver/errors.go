package wsserver

import "errors"

// ErrConnectionClosed is returned by Conn methods once the peer has gone or
// the connection was closed locally.
var ErrConnectionClosed = errors.New("connection closed")

// NotImplementedError reports a request the server refuses to speak, such as
// an unsupported client version.
type NotImplementedError struct{ Reason string }

func (e NotImplementedError) Error() string { return e.Reason }

func IsNotImplemented(err error) bool {
	var e NotImplementedError
	return errors.As(err, &e)
}
