// Package daemon sends serialized trace documents to the local collector
// daemon over UDP. Delivery is best-effort and unacknowledged; the daemon
// forwards payloads to the tracing backend.
package daemon

import (
	"fmt"
	"net"
	"strings"

	"github.com/donetkit/contrib-log/glog"
	"github.com/pkg/errors"
)

const (
	// DefaultAddress is used when no daemon address is configured.
	DefaultAddress = "127.0.0.1:2000"

	// Header prefixes every datagram and identifies the document encoding.
	Header = `{"format": "json", "version": 1}` + "\n"
)

// TransportError indicates a failed send to the daemon. The payload is lost;
// there is no retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("daemon transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Emitter writes trace documents to the daemon socket.
type Emitter struct {
	addr   *net.UDPAddr
	conn   *net.UDPConn
	logger glog.ILoggerEntry
}

// NewEmitter dials the daemon at addr. The address may be given as "host",
// ":port" or "host:port"; missing pieces fall back to 127.0.0.1:2000.
func NewEmitter(addr string, logger glog.ILogger) (*Emitter, error) {
	resolved, err := ResolveAddress(addr)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", resolved)
	if err != nil {
		return nil, errors.Wrapf(err, "daemon: resolve %s", resolved)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "daemon: dial %s", resolved)
	}
	e := &Emitter{addr: udpAddr, conn: conn}
	if logger != nil {
		e.logger = logger.WithField("DaemonEmitter", "DaemonEmitter")
	}
	return e, nil
}

// ResolveAddress normalizes a daemon address. Empty input yields the
// default address.
func ResolveAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return DefaultAddress, nil
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr, nil
	}
	if !strings.Contains(addr, ":") {
		return addr + ":2000", nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.Wrapf(err, "daemon: invalid address %q", addr)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// Address returns the resolved daemon address.
func (e *Emitter) Address() string {
	return e.addr.String()
}

// Send writes one document, prefixed by the fixed header, as a single
// datagram. Failures are logged and swallowed so tracing never perturbs the
// instrumented application; the returned error is informational.
func (e *Emitter) Send(doc []byte) error {
	payload := make([]byte, 0, len(Header)+len(doc))
	payload = append(payload, Header...)
	payload = append(payload, doc...)

	if _, err := e.conn.Write(payload); err != nil {
		terr := &TransportError{Err: err}
		if e.logger != nil {
			e.logger.Errorf("failed to send trace payload: %v", err)
		}
		return terr
	}
	return nil
}

// Close releases the socket.
func (e *Emitter) Close() error {
	return e.conn.Close()
}
