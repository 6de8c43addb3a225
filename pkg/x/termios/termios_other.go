//go:build !linux

package termios

import (
	"fmt"
	"os"
)

var ErrNotSupported = fmt.Errorf("serial ports are only supported on Linux")

func OpenSerial(_ string, _ int) (*os.File, error) {
	return nil, ErrNotSupported
}
