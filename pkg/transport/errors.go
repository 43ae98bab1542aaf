package transport

import "fmt"

// ConnectError reports a failure to open a transport.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransportFault reports a failure on an open transport.
type TransportFault struct {
	Transport string
	Err       error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
}

func (e *TransportFault) Unwrap() error {
	return e.Err
}
