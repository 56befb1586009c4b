// Command sacnrecv is a minimal demo receiver: it joins one sACN universe,
// merges its sources with HTP priority arbitration, and prints the merged
// output to stdout on every merged-data notification, matching the
// pflag-driven-CLI-over-a-background-goroutine shape of the pack's AX.25
// application server (doismellburning-samoyed's AppServerMain), adapted here
// to a single-universe sACN listener.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/spf13/pflag"

	"github.com/openlumen/sacn/cid"
	"github.com/openlumen/sacn/config"
	"github.com/openlumen/sacn/discovery"
	"github.com/openlumen/sacn/internal/nlog"
	"github.com/openlumen/sacn/loss"
	"github.com/openlumen/sacn/merge"
	"github.com/openlumen/sacn/mergereceiver"
	"github.com/openlumen/sacn/metrics"
	"github.com/openlumen/sacn/receiver"
	"github.com/openlumen/sacn/socket"
	"github.com/openlumen/sacn/wire"
)

func main() {
	universe := pflag.Uint16P("universe", "u", 1, "sACN universe to receive")
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (default built-in defaults)")
	usePAP := pflag.Bool("pap", true, "honor per-address priority (0xDD) packets")
	metricsAddr := pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9111)")
	discoverAddr := pflag.Bool("discover", false, "also log universe-discovery advertisements seen on the network")
	jsonOut := pflag.Bool("json", false, "emit merged-data notifications as one JSON object per line instead of a human-readable summary")
	help := pflag.Bool("help", false, "display help text")

	instanceID := xid.New().String()

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - print merged sACN levels for one universe\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: %s [OPTIONS]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			nlog.Errorf("loading config: %v", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		nlog.Errorf("invalid config: %v", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	ms, err := metrics.New(reg, prometheus.Labels{
		"universe": fmt.Sprintf("%d", *universe),
		"instance": instanceID,
	})
	if err != nil {
		nlog.Errorf("registering metrics: %v", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg)
	}

	cidReg := cid.NewRegistry()
	cb := &printer{json: *jsonOut}
	mr, err := mergereceiver.New(cfg, cidReg, *universe, cb, *usePAP)
	if err != nil {
		nlog.Errorf("creating receiver: %v", err)
		os.Exit(1)
	}
	mr.SetMetrics(ms)

	pool, err := socket.New(cfg, nil)
	if err != nil {
		nlog.Errorf("opening sockets: %v", err)
		os.Exit(1)
	}
	defer pool.Close()
	pool.Join(*universe)

	var det *discovery.Detector
	if *discoverAddr {
		det, err = discovery.New(cidReg, cfg.KeepAliveInterval, &discoveryLogger{})
		if err != nil {
			nlog.Errorf("creating discovery detector: %v", err)
			os.Exit(1)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	nlog.Infof("sacnrecv: listening on universe %d (ip-support=%s)", *universe, cfg.IPSupport)
	run(mr, pool, det, ms, stop)
	nlog.Infof("sacnrecv: shutting down")
}

func run(mr *mergereceiver.MergeReceiver, pool *socket.Pool, det *discovery.Detector, ms *metrics.Set, stop <-chan os.Signal) {
	ticker := time.NewTicker(receiver.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mr.Tick()
			if det != nil {
				det.Tick()
			}
		default:
		}

		if err := pool.ApplyPending(); err != nil {
			nlog.Warnf("sacnrecv: applying pending subscriptions: %v", err)
		}
		for _, pkt := range pool.Poll() {
			data, page, err := wire.Parse(pkt.Payload)
			if err != nil {
				ms.Dropped(metrics.ReasonMalformed)
				continue
			}
			if data != nil {
				if data.Universe != mr.Universe() {
					continue
				}
				if err := mr.Dispatch(data.CID, data); err != nil {
					nlog.Warnf("sacnrecv: dispatch: %v", err)
				}
			} else if page != nil && det != nil {
				if err := det.Dispatch(page.CID, page); err != nil {
					nlog.Warnf("sacnrecv: discovery dispatch: %v", err)
				}
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Errorf("metrics server: %v", err)
	}
}

// mergedDataJSON is the --json output record for one merged-data
// notification; jsoniter keeps this on a separate, faster encode path than
// encoding/json since sacnrecv may be piped into a log aggregator at a high
// notification rate.
type mergedDataJSON struct {
	NonZeroSlots     int  `json:"non_zero_slots"`
	UniversePriority byte `json:"universe_priority"`
	PAPActive        bool `json:"pap_active"`
}

// printer implements mergereceiver.Callbacks, writing either human-readable
// lines or (with json=true) one JSON object per line to stdout. A real
// application would feed MergedData into a lighting console's DMX output
// instead.
type printer struct {
	json bool
}

func (p printer) MergedData(out *merge.Output) {
	nonzero := 0
	for _, lvl := range out.Levels {
		if lvl > 0 {
			nonzero++
		}
	}
	if p.json {
		b, err := jsoniter.Marshal(mergedDataJSON{
			NonZeroSlots:     nonzero,
			UniversePriority: out.UniversePriority,
			PAPActive:        out.PAPActive,
		})
		if err != nil {
			nlog.Warnf("sacnrecv: marshaling merged-data record: %v", err)
			return
		}
		fmt.Println(string(b))
		return
	}
	fmt.Printf("merged: %d non-zero slots (universe priority %d, pap-active=%v)\n", nonzero, out.UniversePriority, out.PAPActive)
}

func (printer) NonDMX(src cid.Handle, d *wire.Data) {
	fmt.Printf("non-dmx packet from source %d, start code 0x%02x\n", src, d.StartCode)
}

func (printer) SourcesLost(events []loss.LostEvent) {
	for _, ev := range events {
		fmt.Printf("source %d lost (terminated=%v)\n", ev.Handle, ev.Terminated)
	}
}

func (printer) PAPLost(src cid.Handle) {
	fmt.Printf("source %d: per-address-priority stream lost\n", src)
}

func (printer) SourceLimitExceeded() {
	fmt.Println("source limit exceeded; further new sources are ignored")
}

// discoveryLogger implements discovery.Callbacks with stdout diagnostics.
type discoveryLogger struct{}

func (discoveryLogger) UniverseList(n discovery.UniverseListNotification) {
	fmt.Printf("discovery: source %d advertises universes %v\n", n.Handle, n.Universes)
}

func (discoveryLogger) SourceExpired(h cid.Handle) {
	fmt.Printf("discovery: source %d stopped advertising\n", h)
}
