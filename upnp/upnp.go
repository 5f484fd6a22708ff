// Package upnp implements the UPnP IGD:WANIPConnection engine: SSDP-driven
// device discovery, a deliberate string scan (rather than a conformant XML
// parse) to locate the WANIPConnection control URL, and SOAP
// AddPortMapping/DeletePortMapping invocation.
//
// The teacher this module adapts (hlandau/portmap) decodes the device
// description with encoding/xml. This package instead does a plain
// substring scan for "WANIPConnection" followed by the next <controlURL>
// tag, because that is more forgiving of the non-conformant XML some
// consumer router firmware emits — the same defensive trade-off the
// original freedomjs implementation this module's spec was distilled from
// made deliberately, and which the spec calls out to preserve.
package upnp

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hlandau/natreach/ssdp"
	"github.com/hlandau/natreach/transport"
	"github.com/pkg/errors"
)

// WANIPConnectionURN is the UPnP service type this engine maps ports
// through.
const WANIPConnectionURN = "urn:schemas-upnp-org:service:WANIPConnection:1"

// SSDPBudget is how long Phase A (device discovery) waits for responses.
const SSDPBudget = 3 * time.Second

// DescriptionTimeout bounds Phase B's per-response description fetch.
const DescriptionTimeout = 1 * time.Second

// SOAPTimeout bounds Phase C's SOAP invocation.
const SOAPTimeout = 1 * time.Second

// ErrConflictInMappingEntry is returned when the router's SOAP fault body
// names ConflictInMappingEntry. Per spec.md §4.7 this is treated specially
// during probing: a conflict means the service is genuinely present and
// responding, even though this particular mapping attempt failed.
var ErrConflictInMappingEntry = errors.New("upnp: ConflictInMappingEntry")

// Discover runs Phase A and Phase B: SSDP M-SEARCH for an
// InternetGatewayDevice, then fetches each responder's device description
// until one yields a WANIPConnection control URL.
func Discover(ctx context.Context, t transport.Transport) (controlURL string, err error) {
	responses, err := ssdp.Discover(ctx, t, "urn:schemas-upnp-org:device:InternetGatewayDevice:1", SSDPBudget)
	if err != nil {
		return "", errors.Wrap(err, "upnp: SSDP discovery failed")
	}

	for _, r := range responses {
		if r.Location == nil {
			continue
		}

		body, err := t.HTTPGet(ctx, r.Location.String(), DescriptionTimeout)
		if err != nil {
			continue
		}

		if u, ok := scrapeControlURL(body, r.Location); ok {
			return u, nil
		}
	}

	return "", errors.New("upnp: no WANIPConnection controlURL found in any device description")
}

// scrapeControlURL performs the deliberate string scan: find the first
// occurrence of "WANIPConnection", then the next <controlURL>...</controlURL>
// after it, and resolve it relative to the description document's URL.
func scrapeControlURL(body []byte, locationURL *url.URL) (string, bool) {
	s := string(body)

	idx := strings.Index(s, "WANIPConnection")
	if idx < 0 {
		return "", false
	}

	rest := s[idx:]
	open := strings.Index(rest, "<controlURL>")
	if open < 0 {
		return "", false
	}
	rest = rest[open+len("<controlURL>"):]

	close := strings.Index(rest, "</controlURL>")
	if close < 0 {
		return "", false
	}

	raw := strings.TrimSpace(rest[:close])
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	resolved := locationURL.ResolveReference(u)
	return resolved.String(), true
}

// AddPortMapping performs Phase C for a port mapping creation. UDP is the
// only protocol this module maps (TCP/IPv6 mappings are out of scope).
func AddPortMapping(ctx context.Context, t transport.Transport, controlURL string, internalPort, externalPort uint16, internalClient, description string, lifetime time.Duration) error {
	body := `<u:AddPortMapping xmlns:u="` + WANIPConnectionURN + `">` +
		`<NewRemoteHost></NewRemoteHost>` +
		`<NewExternalPort>` + strconv.Itoa(int(externalPort)) + `</NewExternalPort>` +
		`<NewProtocol>UDP</NewProtocol>` +
		`<NewInternalPort>` + strconv.Itoa(int(internalPort)) + `</NewInternalPort>` +
		`<NewInternalClient>` + internalClient + `</NewInternalClient>` +
		`<NewEnabled>1</NewEnabled>` +
		`<NewPortMappingDescription>` + description + `</NewPortMappingDescription>` +
		`<NewLeaseDuration>` + strconv.FormatUint(uint64(lifetime.Seconds()), 10) + `</NewLeaseDuration>` +
		`</u:AddPortMapping>`

	return soapInvoke(ctx, t, controlURL, "AddPortMapping", body)
}

// DeletePortMapping performs Phase C for a port mapping removal.
func DeletePortMapping(ctx context.Context, t transport.Transport, controlURL string, externalPort uint16) error {
	body := `<u:DeletePortMapping xmlns:u="` + WANIPConnectionURN + `">` +
		`<NewRemoteHost></NewRemoteHost>` +
		`<NewExternalPort>` + strconv.Itoa(int(externalPort)) + `</NewExternalPort>` +
		`<NewProtocol>UDP</NewProtocol>` +
		`</u:DeletePortMapping>`

	return soapInvoke(ctx, t, controlURL, "DeletePortMapping", body)
}

func soapInvoke(ctx context.Context, t transport.Transport, controlURL, action, innerBody string) error {
	envelope := `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + innerBody + `</s:Body></s:Envelope>`

	headers := map[string]string{
		"Content-Type": `text/xml; charset="utf-8"`,
		"SOAPAction":   `"` + WANIPConnectionURN + `#` + action + `"`,
	}

	status, respBody, err := t.HTTPPost(ctx, controlURL, headers, []byte(envelope), SOAPTimeout)
	if err != nil && status == 0 {
		return errors.Wrapf(err, "upnp: SOAP %s request failed", action)
	}

	if status == 200 {
		return nil
	}

	if status == 500 {
		desc := scrapeErrorDescription(respBody)
		if desc == "ConflictInMappingEntry" {
			return ErrConflictInMappingEntry
		}
		if desc != "" {
			return errors.Errorf("upnp: SOAP %s fault: %s", action, desc)
		}
		return errors.Errorf("upnp: SOAP %s returned HTTP 500", action)
	}

	return errors.Errorf("upnp: SOAP %s returned unexpected status %d", action, status)
}

func scrapeErrorDescription(body []byte) string {
	s := string(body)
	open := strings.Index(s, "<errorDescription>")
	if open < 0 {
		return ""
	}
	rest := s[open+len("<errorDescription>"):]
	close := strings.Index(rest, "</errorDescription>")
	if close < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:close])
}
