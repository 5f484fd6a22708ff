package gateway

import "testing"

func TestDefaultRouterCandidatesIsNonEmptyAndCopied(t *testing.T) {
	a := DefaultRouterCandidates()
	if len(a) == 0 {
		t.Fatal("expected a non-empty candidate list")
	}
	a[0] = "mutated"
	b := DefaultRouterCandidates()
	if b[0] == "mutated" {
		t.Fatal("expected DefaultRouterCandidates to return a fresh copy each call")
	}
}

func TestPrivateIPs(t *testing.T) {
	ips, err := PrivateIPs()
	if err != nil {
		// Some sandboxed CI environments have no non-loopback interface; that's
		// the one legitimate failure mode this function documents.
		t.Skipf("no usable local IPv4 address in this environment: %v", err)
	}
	if len(ips) == 0 {
		t.Fatal("expected at least one address")
	}
}
