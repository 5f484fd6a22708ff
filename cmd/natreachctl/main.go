// Command natreachctl drives a natreach Controller from the command line:
// add, delete, probe, and list subcommands against the host's real NAT.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hlandau/natreach"
	"github.com/hlandau/natreach/gateway"
	"github.com/hlandau/xlog"
	flag "github.com/ogier/pflag"
)

var log, Log = xlog.NewQuiet("natreachctl")

var (
	internalPort = flag.Uint("internal-port", 0, "internal port to map")
	externalPort = flag.Uint("external-port", 0, "requested external port (0 = let the router choose)")
	lifetime     = flag.Duration("lifetime", 2*time.Hour, "requested mapping lifetime (0 = router default / infinite)")
	showGateway  = flag.Bool("show-gateway", false, "probe: also print the OS routing table's default gateway address(es)")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctl := natreach.New(natreach.Config{})
	ctx := context.Background()

	var err error
	switch args[0] {
	case "add":
		err = cmdAdd(ctx, ctl)
	case "delete":
		err = cmdDelete(ctx, ctl, args[1:])
	case "probe":
		err = cmdProbe(ctx, ctl)
	case "list":
		err = cmdList(ctl)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Errorf("natreachctl: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: natreachctl [flags] add|delete <port>|probe|list")
	flag.PrintDefaults()
}

func cmdAdd(ctx context.Context, ctl *natreach.Controller) error {
	if natreach.IsGloballyRoutable() {
		fmt.Println("host already has a globally routable address; no mapping needed")
		return nil
	}

	m, err := ctl.AddMapping(ctx, uint16(*internalPort), uint16(*externalPort), *lifetime)
	if err != nil {
		return err
	}
	if m.Failed() {
		fmt.Printf("mapping failed: %s\n", m.ErrInfo)
		return nil
	}

	fmt.Printf("mapped %d -> %s (protocol=%s, granted lifetime=%s)\n",
		m.InternalPort, m.HostPort(), m.Protocol, m.ActualLifetime)
	return nil
}

func cmdDelete(ctx context.Context, ctl *natreach.Controller, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete requires exactly one external port argument")
	}

	var port int
	if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil {
		return fmt.Errorf("invalid port %q: %w", args[0], err)
	}

	if ctl.DeleteMapping(ctx, port) {
		fmt.Printf("deleted mapping for external port %d\n", port)
	} else {
		fmt.Printf("no active mapping for external port %d\n", port)
	}
	return nil
}

func cmdProbe(ctx context.Context, ctl *natreach.Controller) error {
	result, err := ctl.ProbeProtocolSupport(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("nat-pmp: %v\n", result.NatPmp)
	fmt.Printf("pcp:     %v\n", result.Pcp)
	fmt.Printf("upnp:    %v\n", result.Upnp)
	if url := ctl.GetUpnpControlURL(); url != "" {
		fmt.Printf("upnp control URL: %s\n", url)
	}

	if *showGateway {
		gws, err := gateway.SystemGatewayIPs()
		if err != nil {
			fmt.Printf("system gateway: %v\n", err)
			return nil
		}
		for _, gw := range gws {
			fmt.Printf("system gateway: %s\n", gw)
		}
	}

	return nil
}

func cmdList(ctl *natreach.Controller) error {
	for port, m := range ctl.GetActiveMappings() {
		fmt.Printf("%d: %s (protocol=%s)\n", port, m.HostPort(), m.Protocol)
	}
	return nil
}
