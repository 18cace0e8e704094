//go:build linux
// +build linux

package transport

import (
	"os"

	"github.com/sirupsen/logrus"
)

// DevNullTransport is a transport that returns EOF on reads and discards
// writes. It backs process stdio when the host did not provide a port for a
// stream, and mocked-out bridge connections in tests.
type DevNullTransport struct{}

var _ Transport = &DevNullTransport{}

func (t *DevNullTransport) Dial(port uint32) (Connection, error) {
	logrus.WithFields(logrus.Fields{
		"port": port,
	}).Info("guestagent::DevNullTransport::Dial")

	return newDevNullConnection(), nil
}

// devNullConnection holds two file descriptors against /dev/null, one for
// read and one for write, so each side can be closed independently the way
// users of a duplex connection expect.
type devNullConnection struct {
	read  *os.File
	write *os.File
}

func newDevNullConnection() *devNullConnection {
	r, _ := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	w, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)

	return &devNullConnection{read: r, write: w}
}

func (c *devNullConnection) Close() error {
	err1 := c.read.Close()
	err2 := c.write.Close()

	if err1 != nil {
		return err1
	}
	return err2
}

func (c *devNullConnection) CloseRead() error {
	return c.read.Close()
}

func (c *devNullConnection) CloseWrite() error {
	return c.write.Close()
}

func (c *devNullConnection) Read(buf []byte) (int, error) {
	return c.read.Read(buf)
}

func (c *devNullConnection) Write(buf []byte) (int, error) {
	return c.write.Write(buf)
}

// File opens a fresh /dev/null handle. Closing it does not affect the
// connection's own read/write handles, unlike a real duplex socket dup.
func (c *devNullConnection) File() (*os.File, error) {
	return os.OpenFile(os.DevNull, os.O_RDWR, 0)
}
