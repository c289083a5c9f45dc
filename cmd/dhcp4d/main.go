// Command dhcp4d runs a standalone DHCPv4 server on one network interface.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"

	"github.com/Insei/DHCPServer/internal/dhcp4d"
	"github.com/Insei/DHCPServer/internal/persist/filestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		iface      = flag.String("iface", "", "network interface to serve DHCP on")
		rng        = flag.String("range", "", "address pool, as a.b.c.d-a.b.c.e or a.b.c.d/n")
		serverID   = flag.String("server-id", "", "address this server identifies itself with (defaults to range start)")
		subnetMask = flag.String("subnet-mask", "255.255.255.0", "subnet mask advertised to clients")
		router     = flag.String("router", "", "router address advertised to clients, empty to omit")
		dnsServers = flag.String("dns", "", "comma-separated DNS servers advertised to clients")
		leaseTime  = flag.Duration("lease-time", 12*time.Hour, "duration granted to dynamic leases")
		dbPath     = flag.String("db", "dhcp4d-leases.json", "path to the lease database file")
		checkAddrs = flag.Bool("check-addresses", true, "ping a freshly allocated address before offering it")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)

	flag.Parse()

	if *iface == "" || *rng == "" {
		flag.Usage()

		return fmt.Errorf("-iface and -range are required")
	}

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}

	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})

	start, end, err := dhcp4d.ParsePoolRange(*rng)
	if err != nil {
		return fmt.Errorf("parsing range: %w", err)
	}

	sid := start
	if *serverID != "" {
		sid, err = netip.ParseAddr(*serverID)
		if err != nil {
			return fmt.Errorf("parsing server-id: %w", err)
		}
	}

	mask, err := netip.ParseAddr(*subnetMask)
	if err != nil {
		return fmt.Errorf("parsing subnet-mask: %w", err)
	}

	var routerAddr netip.Addr
	if *router != "" {
		routerAddr, err = netip.ParseAddr(*router)
		if err != nil {
			return fmt.Errorf("parsing router: %w", err)
		}
	}

	var dns []netip.Addr
	for _, s := range strings.Split(*dnsServers, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		addr, perr := netip.ParseAddr(s)
		if perr != nil {
			return fmt.Errorf("parsing dns server %q: %w", s, perr)
		}

		dns = append(dns, addr)
	}

	var checker dhcp4d.AddressChecker
	if *checkAddrs {
		checker = &dhcp4d.ICMPAddressChecker{Timeout: time.Second}
	}

	cfg := &dhcp4d.Config{
		Logger:         logger,
		Persister:      filestore.New(*dbPath),
		AddressChecker: checker,
		ServerID:       sid,
		RangeStart:     start,
		RangeEnd:       end,
		SubnetMask:     mask,
		Router:         routerAddr,
		DNSServers:     dns,
		LeaseTime:      *leaseTime,
	}

	srv, err := dhcp4d.New(cfg, timeutil.SystemClock{})
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	go logEvents(logger, srv)

	err = srv.Start(*iface)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	logger.Info("serving dhcp", "iface", *iface, "range_start", start, "range_end", end)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC

	logger.Info("shutting down")

	return srv.Stop()
}

// logEvents relays the server's trace and status channels to logger until
// the server is stopped and both channels are drained and closed by the
// caller exiting the process.
func logEvents(logger *slog.Logger, srv *dhcp4d.Server) {
	traceC := srv.Trace()
	statusC := srv.StatusChanges()

	for {
		select {
		case msg, ok := <-traceC:
			if !ok {
				return
			}

			logger.Debug(msg)
		case sc, ok := <-statusC:
			if !ok {
				return
			}

			if sc.Reason != nil {
				logger.Error("server status changed", "active", sc.Active, "reason", sc.Reason)
			} else {
				logger.Info("server status changed", "active", sc.Active)
			}
		}
	}
}
