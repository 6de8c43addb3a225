//go:build linux

package termios

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenSerial opens a serial device in raw 8N1 mode at an arbitrary baud rate.
func OpenSerial(device string, baud int) (*os.File, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", device, err)
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("error reading termios of %s: %w", device, err)
	}
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.PARENB | unix.CSTOPB | unix.CSIZE | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.BOTHER
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.IEXTEN | unix.ISIG
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.ICRNL | unix.INLCR | unix.PARMRK | unix.INPCK | unix.ISTRIP | unix.IXON
	t.Oflag &^= unix.OCRNL | unix.ONLCR | unix.ONLRET | unix.ONOCR | unix.OFILL | unix.OPOST
	t.Cc[unix.VTIME] = 0
	t.Cc[unix.VMIN] = 1
	// #nosec G115
	t.Ispeed = uint32(baud)
	// #nosec G115
	t.Ospeed = uint32(baud)
	err = unix.IoctlSetTermios(fd, unix.TCSETS2, t)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("error setting termios of %s: %w", device, err)
	}
	// A non-blocking descriptor makes the file pollable, so it supports deadlines
	return os.NewFile(uintptr(fd), device), nil
}
