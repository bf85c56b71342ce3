package acme

import "fmt"

type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string {
	return "acme: " + e.Reason
}

func errClient(format string, args ...interface{}) error {
	return &ClientError{Reason: fmt.Sprintf(format, args...)}
}

type JWSError struct {
	Reason string
}

func (e *JWSError) Error() string {
	return "acme jws: " + e.Reason
}

func errJWS(format string, args ...interface{}) error {
	return &JWSError{Reason: fmt.Sprintf(format, args...)}
}
