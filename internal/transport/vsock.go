//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"
	"time"

	"github.com/linuxkit/virtsock/pkg/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
)

//nolint:deadcode,varcheck
const (
	vmaddrCidHost = 2
	vmaddrCidAny  = 0xffffffff
)

// VsockTransport is an implementation of Transport which uses vsock
// sockets.
type VsockTransport struct{}

var _ Transport = &VsockTransport{}

const _dialRetrySleepTime = 100 * time.Millisecond

// Dial accepts a vsock socket port number as configuration, and
// returns a connected VsockConnection struct.
func (t *VsockTransport) Dial(port uint32) (Connection, error) {
	entry := log.L.WithFields(logrus.Fields{
		logfields.Port: port,
	})
	entry.Trace("guestagent::VsockTransport::Dial")

	// Retry a handful of times because dials racing the host-side listener
	// setup can return a spurious timeout.
	for i := 0; i < 10; i++ {
		conn, err := vsock.Dial(vmaddrCidHost, port)
		if err == nil {
			return conn, nil
		}
		cause := errors.Cause(err)
		if errno, ok := cause.(syscall.Errno); ok && errno == syscall.ETIMEDOUT {
			entry.WithFields(logrus.Fields{
				logfields.Attempt:  i + 1,
				logfields.Duration: _dialRetrySleepTime,
			}).Debug("vsock dial timed out; sleeping before retrying")
			time.Sleep(_dialRetrySleepTime)
			continue
		}
		return nil, errors.Wrapf(err, "vsock Dial port (%d) failed", port)
	}
	return nil, errors.Errorf("failed connecting the VsockConnection: can't connect after 10 attempts")
}

// Listen returns a listener accepting host connections on `port` from any
// CID.
func (t *VsockTransport) Listen(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(vmaddrCidAny, port)
	if err != nil {
		return nil, errors.Wrapf(err, "vsock Listen port (%d) failed", port)
	}
	return l, nil
}
