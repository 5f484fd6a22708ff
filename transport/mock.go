package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// Mock is a test double for Transport. It lets tests script UDP replies and
// HTTP responses without touching real sockets, mirroring the shape of
// hlandau/degoutils's net/mocknet package used elsewhere in this teacher's
// ecosystem for protocol-level unit tests.
type Mock struct {
	// UDPHandler, if set, is invoked synchronously for every SendTo. Return
	// ok=false to simulate a dropped packet / no reply (the caller's Recv
	// will then block until its context is done, exactly like a real
	// timed-out router).
	UDPHandler func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte) (replyIP net.IP, replyPort int, reply []byte, ok bool)

	// UDPMultiHandler, if set, is invoked synchronously for every SendTo and
	// may call push any number of times (including zero) to simulate several
	// datagrams arriving on the same socket — e.g. several SSDP devices
	// answering one M-SEARCH. Takes precedence over UDPHandler.
	UDPMultiHandler func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte, push func(ip net.IP, port int, data []byte))

	// HTTPGetHandler, if set, is invoked for every HTTPGet.
	HTTPGetHandler func(url string) ([]byte, error)

	// HTTPPostHandler, if set, is invoked for every HTTPPost.
	HTTPPostHandler func(url string, headers map[string]string, body []byte) (status int, respBody []byte, err error)

	mu       sync.Mutex
	nextPort int
}

type mockReply struct {
	ip   net.IP
	port int
	data []byte
}

type mockSocket struct {
	m         *Mock
	localIP   net.IP
	localPort int
	replyCh   chan mockReply

	mu     sync.Mutex
	closed bool
}

func (m *Mock) ListenUDP(localIP net.IP, port int) (Socket, error) {
	m.mu.Lock()
	if port == 0 {
		m.nextPort++
		port = 40000 + m.nextPort
	}
	m.mu.Unlock()

	return &mockSocket{
		m:         m,
		localIP:   localIP,
		localPort: port,
		replyCh:   make(chan mockReply, 16),
	}, nil
}

func (s *mockSocket) SendTo(b []byte, peerIP net.IP, peerPort int) error {
	push := func(ip net.IP, port int, data []byte) {
		select {
		case s.replyCh <- mockReply{ip: ip, port: port, data: data}:
		default:
		}
	}

	switch {
	case s.m.UDPMultiHandler != nil:
		s.m.UDPMultiHandler(s.localIP, s.localPort, peerIP, peerPort, b, push)
	case s.m.UDPHandler != nil:
		replyIP, replyPort, reply, ok := s.m.UDPHandler(s.localIP, s.localPort, peerIP, peerPort, b)
		if ok {
			push(replyIP, replyPort, reply)
		}
	}
	return nil
}

func (s *mockSocket) Recv(ctx context.Context) (net.IP, int, []byte, error) {
	select {
	case r := <-s.replyCh:
		return r.ip, r.port, r.data, nil
	case <-ctx.Done():
		return nil, 0, nil, ctx.Err()
	}
}

func (s *mockSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (m *Mock) HTTPGet(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if m.HTTPGetHandler == nil {
		return nil, nil
	}
	return m.HTTPGetHandler(url)
}

func (m *Mock) HTTPPost(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, error) {
	if m.HTTPPostHandler == nil {
		return 200, nil, nil
	}
	return m.HTTPPostHandler(url, headers, body)
}
