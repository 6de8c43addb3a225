package proto

import "fmt"

// Errors returned by, or counted within, the protocol engine.  Timeouts are not errors: blocking calls
// return a nil result with a nil error when their timeout expires.
var (
	ErrPoolExhausted      = fmt.Errorf("packet pool exhausted")
	ErrPacketTooLarge     = fmt.Errorf("packet exceeds interface MTU")
	ErrNoRoute            = fmt.Errorf("no route to host")
	ErrUnreachablePort    = fmt.Errorf("port unreachable")
	ErrLoopSuspected      = fmt.Errorf("hop count exhausted")
	ErrInterfaceDown      = fmt.Errorf("interface down")
	ErrInterfaceError     = fmt.Errorf("interface error")
	ErrPortInUse          = fmt.Errorf("port in use")
	ErrConnectionClosed   = fmt.Errorf("connection closed")
	ErrTransactionTimeout = fmt.Errorf("transaction timed out")
	ErrMalformed          = fmt.Errorf("malformed packet")
	ErrIntegrity          = fmt.Errorf("packet integrity check failed")
	ErrConnectionLimit    = fmt.Errorf("connection table full")
	ErrInvalidPort        = fmt.Errorf("invalid port")
	ErrNotSupported       = fmt.Errorf("option not supported")
	ErrQueueFull          = fmt.Errorf("queue full")
)
