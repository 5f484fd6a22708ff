// Package transport is the capability boundary between the protocol engines
// and the operating system: UDP sockets and HTTP requests. Spec.md treats
// this as an externally supplied collaborator (the object-capability host
// environment); this package both defines that abstract contract and ships
// a default implementation backed by net/net.http, the way hlandau/portmap
// ships its own gateway package instead of requiring a caller-supplied one.
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Socket is a bound UDP socket scoped to a single request/response exchange.
// Every Socket obtained from Transport.ListenUDP MUST be closed by the
// caller; Close is idempotent.
type Socket interface {
	// SendTo transmits b to peerIP:peerPort.
	SendTo(b []byte, peerIP net.IP, peerPort int) error

	// Recv blocks for a single datagram, or until ctx is done. A done ctx
	// yields ctx.Err().
	Recv(ctx context.Context) (peerIP net.IP, peerPort int, data []byte, err error)

	// Close releases the socket. Safe to call more than once.
	Close() error
}

// Transport is the abstract capability surface engines are built against.
type Transport interface {
	// ListenUDP binds a UDP socket on localIP (nil = any) and port (0 =
	// ephemeral).
	ListenUDP(localIP net.IP, port int) (Socket, error)

	// HTTPGet performs a GET request, returning the response body.
	HTTPGet(ctx context.Context, url string, timeout time.Duration) ([]byte, error)

	// HTTPPost performs a POST request, returning the status code and body.
	HTTPPost(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) (status int, respBody []byte, err error)
}

// Default is the stdlib-backed Transport implementation used unless a test
// substitutes its own.
var Default Transport = defaultTransport{}

type defaultTransport struct{}

type udpSocket struct {
	conn *net.UDPConn
}

func (defaultTransport) ListenUDP(localIP net.IP, port int) (Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "transport: udp listen failed")
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) SendTo(b []byte, peerIP net.IP, peerPort int) error {
	_, err := s.conn.WriteToUDP(b, &net.UDPAddr{IP: peerIP, Port: peerPort})
	if err != nil {
		return errors.Wrap(err, "transport: udp write failed")
	}
	return nil
}

func (s *udpSocket) Recv(ctx context.Context) (net.IP, int, []byte, error) {
	type result struct {
		ip   net.IP
		port int
		data []byte
		err  error
	}

	resCh := make(chan result, 1)
	go func() {
		buf := make([]byte, 2048)
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			resCh <- result{err: errors.Wrap(err, "transport: udp read failed")}
			return
		}
		resCh <- result{ip: addr.IP, port: addr.Port, data: buf[:n]}
	}()

	select {
	case r := <-resCh:
		return r.ip, r.port, r.data, r.err
	case <-ctx.Done():
		// Unblock the read goroutine above; its result is discarded.
		s.conn.SetReadDeadline(time.Now())
		return nil, 0, nil, ctx.Err()
	}
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

func (defaultTransport) HTTPGet(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "transport: building GET request failed")
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "transport: GET request failed")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "transport: reading GET response failed")
	}

	if res.StatusCode != http.StatusOK {
		return body, errors.Errorf("transport: GET %s returned status %d", url, res.StatusCode)
	}

	return body, nil
}

func (defaultTransport) HTTPPost(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, errors.Wrap(err, "transport: building POST request failed")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "transport: POST request failed")
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, errors.Wrap(err, "transport: reading POST response failed")
	}

	return res.StatusCode, respBody, nil
}
