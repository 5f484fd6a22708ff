// Package ssdp implements the bounded, single-shot SSDP M-SEARCH collector
// the UPnP engine uses to discover devices. It adapts hlandau/portmap's
// ssdp/ssdpbase split: that package ran one persistent background client
// for the process lifetime, accumulating notices into a registry. The
// Mapping Controller's probe-per-call model doesn't fit a persistent
// registry, so this adaptation collapses the two-level package into one
// bounded collection per call, matching spec.md §4.7 Phase A exactly
// (collect all responses for a fixed budget, not just the first).
package ssdp

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hlandau/natreach/transport"
	"github.com/pkg/errors"
)

// MulticastAddr is the SSDP multicast group and port.
const MulticastAddr = "239.255.255.250:1900"

// Response is one M-SEARCH reply.
type Response struct {
	Location *url.URL
	ST       string
	USN      string
}

// Discover sends an M-SEARCH for searchTarget and collects every reply that
// arrives within budget. A zero-response result (Phase A's failure case) is
// reported as an error.
func Discover(ctx context.Context, t transport.Transport, searchTarget string, budget time.Duration) ([]Response, error) {
	mcastIP, mcastPort, err := net.SplitHostPort(MulticastAddr)
	if err != nil {
		return nil, errors.Wrap(err, "ssdp: invalid multicast address")
	}
	_ = mcastPort

	sock, err := t.ListenUDP(nil, 0)
	if err != nil {
		return nil, errors.Wrap(err, "ssdp: failed to bind discovery socket")
	}
	defer sock.Close()

	msg := []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + MulticastAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: " + searchTarget + "\r\n\r\n")

	dst := net.ParseIP(mcastIP)
	if err := sock.SendTo(msg, dst, 1900); err != nil {
		return nil, errors.Wrap(err, "ssdp: failed to send M-SEARCH")
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var mu sync.Mutex
	var responses []Response

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			_, _, data, err := sock.Recv(ctx)
			if err != nil {
				return
			}
			if r, ok := parseResponse(data); ok {
				mu.Lock()
				responses = append(responses, r)
				mu.Unlock()
			}
		}
	}()
	wg.Wait()

	if len(responses) == 0 {
		return nil, errors.New("ssdp: no devices responded to M-SEARCH")
	}

	return responses, nil
}

func parseResponse(data []byte) (Response, bool) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return Response{}, false
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Response{}, false
	}

	st := res.Header.Get("ST")
	if st == "" {
		return Response{}, false
	}

	loc, err := res.Location()
	if err != nil {
		return Response{}, false
	}

	usn := res.Header.Get("USN")
	if usn == "" {
		usn = loc.String()
	}

	return Response{Location: loc, ST: st, USN: usn}, true
}
