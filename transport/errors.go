package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	//Connection to the store could not be established or was refused
	ErrTransport = errors.New("transport error")
	//Certificate material could not be loaded or the tls handshake failed
	ErrTls = errors.New("tls error")
	//The session a call was issued on was lost before the call completed
	ErrConnectionLost = errors.New("connection lost")
	//The connection was closed by the caller
	ErrClosed = errors.New("connection closed")
)

func isTlsFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "authentication handshake failed") ||
		strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "tls:")
}

func dialError(endpoint string, err error) error {
	if isTlsFailure(err) {
		return fmt.Errorf("%w: failed handshake with %s: %w", ErrTls, endpoint, err)
	}
	return fmt.Errorf("%w: failed to connect to %s: %w", ErrTransport, endpoint, err)
}
