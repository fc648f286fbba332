// Command tunstack runs the userspace TCP stack over a TUN device and
// serves a byte-echo on its listening ports. Requires CAP_NET_ADMIN (or
// root) to create the TUN interface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunstack/tunstack/internal/tundev"
	"github.com/tunstack/tunstack/internal/xlog"
	"github.com/tunstack/tunstack/metrics"
	"github.com/tunstack/tunstack/socket"
	"github.com/tunstack/tunstack/stack"
)

func main() {
	var (
		flagTUN     = flag.String("tun", "tun0", "TUN interface name")
		flagMTU     = flag.Int("mtu", 1500, "interface MTU")
		flagPrefix4 = flag.String("prefix4", "10.10.0.1/24", "IPv4 prefix assigned to the interface")
		flagPrefix6 = flag.String("prefix6", "fd00:dead:beef::1/64", "IPv6 prefix assigned to the interface")
		flagListen4 = flag.String("listen4", "10.10.0.10:8080", "IPv4 listen address")
		flagListen6 = flag.String("listen6", "[fd00:dead:beef::10]:8081", "IPv6 listen address")
		flagBacklog = flag.Int("backlog", 8, "accept queue depth per listener")
		flagMetrics = flag.String("metrics", "", "loopback address to serve Prometheus metrics on (empty disables)")
		flagDebug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	if *flagDebug {
		lvl = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	log := xlog.New(slogger)

	prefix4, err := netip.ParsePrefix(*flagPrefix4)
	if err != nil {
		slogger.Error("bad -prefix4", slog.String("err", err.Error()))
		os.Exit(1)
	}
	prefix6, err := netip.ParsePrefix(*flagPrefix6)
	if err != nil {
		slogger.Error("bad -prefix6", slog.String("err", err.Error()))
		os.Exit(1)
	}
	listen4, err := netip.ParseAddrPort(*flagListen4)
	if err != nil {
		slogger.Error("bad -listen4", slog.String("err", err.Error()))
		os.Exit(1)
	}
	listen6, err := netip.ParseAddrPort(*flagListen6)
	if err != nil {
		slogger.Error("bad -listen6", slog.String("err", err.Error()))
		os.Exit(1)
	}

	dev, err := tundev.Open(*flagTUN, prefix4, prefix6)
	if err != nil {
		slogger.Error("open tun", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer dev.Close()

	s := stack.New(dev, stack.Config{
		MTU: *flagMTU,
		V4:  listen4.Addr(),
		V6:  listen6.Addr(),
		Log: log,
	})

	if *flagMetrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewStackCollector("tunstack", s, nil))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*flagMetrics, mux); err != nil {
				slogger.Error("metrics server", slog.String("err", err.Error()))
			}
		}()
	}

	for _, addr := range []netip.AddrPort{listen4, listen6} {
		l, err := socket.Listen(s, addr, *flagBacklog, 0)
		if err != nil {
			slogger.Error("listen", slog.String("addr", addr.String()), slog.String("err", err.Error()))
			os.Exit(1)
		}
		slogger.Info("listening", slog.String("addr", addr.String()))
		go acceptLoop(l, slogger)
	}

	if err := s.Run(context.Background()); err != nil {
		slogger.Error("stack stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func acceptLoop(l *socket.Listener, log *slog.Logger) {
	for {
		conn, err := l.Accept(time.Time{})
		if err != nil {
			log.Error("accept", slog.String("err", err.Error()))
			return
		}
		log.Info("accepted",
			slog.String("id", conn.ID()),
			slog.String("peer", conn.RemoteAddr().String()),
		)
		go echo(conn, log)
	}
}

// echo copies every byte the peer sends back to it until the peer closes
// or the connection errors out.
func echo(conn *socket.Conn, log *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf, time.Time{})
		if err != nil {
			log.Debug("read", slog.String("id", conn.ID()), slog.String("err", err.Error()))
			return
		}
		if n == 0 {
			return // peer sent FIN
		}
		off := 0
		for off < n {
			w, err := conn.Write(buf[off:n], time.Time{})
			if err != nil {
				log.Debug("write", slog.String("id", conn.ID()), slog.String("err", err.Error()))
				return
			}
			off += w
		}
	}
}
