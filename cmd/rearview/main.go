// Command rearview runs the RearView RPZ agent: it listens for telemetry
// describing forward DNS resolutions, associates them with the addresses
// they resolved to, and keeps a response policy zone's PTR records pointed
// at the best-scoring resolution for each address.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"

	"github.com/m3047/rearview/associator"
	"github.com/m3047/rearview/config"
	"github.com/m3047/rearview/console"
	"github.com/m3047/rearview/heuristic"
	"github.com/m3047/rearview/rpz"
	"github.com/m3047/rearview/scheduler"
	"github.com/m3047/rearview/solver"
	"github.com/m3047/rearview/stats"
	"github.com/m3047/rearview/telemetry"
	"github.com/m3047/rearview/zonemirror"
)

func main() {
	configPath := flag.String("config", "/etc/rearview/config.yaml", "path to the agent's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if level, lerr := log.ParseLevel(cfg.LogLevel); lerr == nil {
		log.SetLevel(level)
	}

	if cfg.UDPListener.Interface != "" {
		log.Infof("rearview starting. multicast group %s:%d on %s, rpz %s",
			cfg.UDPListener.Recipient, cfg.UDPListener.Port, cfg.UDPListener.Interface, cfg.ResponsePolicyZone)
	} else {
		log.Infof("rearview starting. listening on %s:%d, rpz %s",
			cfg.UDPListener.Recipient, cfg.UDPListener.Port, cfg.ResponsePolicyZone)
	}

	counters := stats.New()

	heuristicFn, ok := heuristic.ByName(cfg.Heuristic)
	if !ok {
		fmt.Fprintf(os.Stderr, "unrecognized heuristic %q\n", cfg.Heuristic)
		os.Exit(1)
	}
	as := associator.New(cfg.CacheSize, heuristicFn)
	mirror := zonemirror.New()

	var garbage rpz.GarbageLogger
	if cfg.GarbageLoggingEnabled() {
		garbage = func(rr dns.RR) {
			counters.Increment("garbage_rrs", 1)
			log.Warnf("rpz: unexpected RR in zone: %s", rr.String())
		}
	}
	onError := func(err error) {
		counters.Increment("rpz_errors", 1)
		log.Errorf("rpz: %v", err)
	}
	serverAddr := cfg.DNSServer
	if _, _, err := net.SplitHostPort(serverAddr); err != nil {
		serverAddr = net.JoinHostPort(serverAddr, "53")
	}
	client := rpz.New(cfg.ResponsePolicyZone, serverAddr, garbage, onError)

	ownerOf := func(ip string) string {
		reverse, err := dns.ReverseAddr(ip)
		if err != nil {
			return ""
		}
		return strings.TrimSuffix(reverse, ".")
	}

	if err := bootstrap(context.Background(), client, as, mirror, ownerOf); err != nil {
		log.Errorf("bootstrap AXFR failed, starting with an empty mirror: %v", err)
	}

	sched := scheduler.New(as, mirror, client, ownerOf, 1024)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sched.Run(ctx)

	if cfg.StatsInterval > 0 {
		go counters.RunPeriodicReport(ctx, time.Duration(cfg.StatsInterval)*time.Second)
	}

	if cfg.Console != nil {
		consoleAddr := net.JoinHostPort(cfg.Console.Host, strconv.Itoa(cfg.Console.Port))
		consoleSrv, err := console.Listen(consoleAddr, &backend{sched: sched, client: client})
		if err != nil {
			log.Errorf("console: %v", err)
		} else {
			go consoleSrv.Run(ctx)
		}
	}

	telemetryHost, telemetryGroup := telemetryBinding(cfg.UDPListener)
	listener, err := telemetry.Listen(telemetry.Config{
		Host:        telemetryHost,
		Port:        cfg.UDPListener.Port,
		Multicast:   telemetryGroup,
		SequenceKey: cfg.TelemetryID,
	}, func(addr string, chain []string, now time.Time) {
		counters.Increment("telemetry_datagrams", 1)
		sched.Submit(scheduler.Observation{Address: addr, Chain: chain}, now)
	})
	if err != nil {
		if os.IsPermission(err) {
			fmt.Fprintln(os.Stderr, "permission denied (do you need root?)")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("telemetry: %v", err)
	}

	cancel()
}

// telemetryBinding derives telemetry.Config's Host/Multicast pair from the
// configuration's recipient/interface dictionary keys. When Recipient is a
// multicast group, Interface names the local address to join it on;
// otherwise Recipient is itself the unicast bind address.
func telemetryBinding(l config.UDPListener) (host, multicast string) {
	ip := net.ParseIP(l.Recipient)
	if ip != nil && ip.IsMulticast() {
		return l.Interface, l.Recipient
	}
	return l.Recipient, ""
}

// backend adapts a *scheduler.Scheduler to console.Backend. It exists
// because Scheduler already exports fields named Associator and Mirror,
// so it can't also carry same-named methods.
type backend struct {
	sched  *scheduler.Scheduler
	client *rpz.Client
}

func (b *backend) Associator() *associator.Associator { return b.sched.Associator }
func (b *backend) Mirror() *zonemirror.Mirror         { return b.sched.Mirror }
func (b *backend) NResolutions() int                  { return b.sched.NResolutions() }
func (b *backend) QueueDepths() (association, solver, rpz int) {
	return b.sched.QueueDepths()
}
func (b *backend) RPZZone() string       { return b.client.Zone }
func (b *backend) RPZServerAddr() string { return b.client.ServerAddr }

func (b *backend) RefreshHistory(n int) []console.RefreshRecord {
	stats := b.sched.RefreshHistory(n)
	out := make([]console.RefreshRecord, len(stats))
	for i, s := range stats {
		out[i] = console.RefreshRecord{Timestamp: s.Timestamp, AddressCount: s.AddressCount, Written: s.Written}
	}
	return out
}

// bootstrap loads the zone's current contents via AXFR and seeds the
// Associator and ZoneMirror with them, so a restarted agent doesn't treat
// every address as new until fresh telemetry arrives.
func bootstrap(ctx context.Context, client *rpz.Client, as *associator.Associator, mirror *zonemirror.Mirror, ownerOf func(string) string) error {
	records, err := client.AXFR(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, rec := range records {
		ip, err := addressFromOwner(rec.Owner)
		if err != nil {
			log.Warnf("bootstrap: skipping unparseable owner %q: %v", rec.Owner, err)
			continue
		}

		mirror.Update(rec.Owner, rec.PTR, rec.Meta.Last)
		evicted := as.UpdateResolutionFromRPZ(ip, associator.RPZPackage{
			PTR:   rec.PTR,
			Depth: rec.Meta.Depth,
			First: rec.Meta.First,
			Last:  rec.Meta.Last,
			Count: rec.Meta.Count,
			Trend: rec.Meta.Trend,
			Score: rec.Meta.Score,
		}, now)

		if evicted != nil {
			applyBootstrapEviction(ctx, client, as, mirror, ownerOf, evicted, now)
		}
	}

	log.Infof("bootstrap: loaded %d records from %s", len(records), client.Zone)
	return nil
}

// applyBootstrapEviction handles the rare case where loading the zone
// itself pushes the Associator over cache_size (e.g. the cache was shrunk
// since the last run). It applies deletions and re-solves synchronously,
// since the scheduler's goroutine isn't running yet during bootstrap.
func applyBootstrapEviction(ctx context.Context, client *rpz.Client, as *associator.Associator, mirror *zonemirror.Mirror, ownerOf func(string) string, evicted *associator.EvictionResult, now time.Time) {
	for _, ip := range evicted.Deleted {
		owner := ownerOf(ip)
		if _, ok := mirror.Get(owner); !ok {
			// Not mirrored, so not in the zone: every record this AXFR
			// pass loads is mirrored before it reaches the Associator.
			// Nothing to delete from the server.
			continue
		}
		if err := client.Delete(ctx, owner); err != nil {
			log.Warnf("bootstrap: evicting %s: %v", ip, err)
			continue
		}
		mirror.Delete(owner)
	}
	for _, ip := range evicted.Affected {
		task := solver.Solve(as, ownerOf, ip, now)
		if task == nil {
			continue
		}
		applyBootstrapTask(ctx, client, mirror, task)
	}
}

func applyBootstrapTask(ctx context.Context, client *rpz.Client, mirror *zonemirror.Mirror, task *solver.Task) {
	if task.Delete {
		if _, ok := mirror.Get(task.Owner); !ok {
			return
		}
		if err := client.Delete(ctx, task.Owner); err != nil {
			log.Warnf("bootstrap: deleting %s: %v", task.Owner, err)
			return
		}
		mirror.Delete(task.Owner)
		return
	}
	meta := rpz.Metadata{Depth: task.Depth, First: task.First, Last: task.Last, Count: task.Count, Trend: task.Trend, Score: task.Score}
	if err := client.UpdatePTR(ctx, task.Owner, task.PTR, meta); err != nil {
		log.Warnf("bootstrap: updating %s: %v", task.Owner, err)
		return
	}
	mirror.Update(task.Owner, task.PTR, task.Last)
}

// addressFromOwner inverts the reverse-arpa owner name construction back
// into a dotted-quad or colon-hex address literal.
func addressFromOwner(owner string) (string, error) {
	owner = strings.TrimSuffix(owner, ".")

	switch {
	case strings.HasSuffix(owner, ".in-addr.arpa"):
		base := strings.TrimSuffix(owner, ".in-addr.arpa")
		parts := strings.Split(base, ".")
		if len(parts) != 4 {
			return "", fmt.Errorf("malformed in-addr.arpa owner %q", owner)
		}
		octets := make([]byte, 4)
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil || v < 0 || v > 255 {
				return "", fmt.Errorf("malformed in-addr.arpa owner %q", owner)
			}
			octets[3-i] = byte(v)
		}
		return net.IP(octets).String(), nil

	case strings.HasSuffix(owner, ".ip6.arpa"):
		base := strings.TrimSuffix(owner, ".ip6.arpa")
		parts := strings.Split(base, ".")
		if len(parts) != 32 {
			return "", fmt.Errorf("malformed ip6.arpa owner %q", owner)
		}
		ip := make(net.IP, 16)
		for i, p := range parts {
			v, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return "", fmt.Errorf("malformed ip6.arpa owner %q", owner)
			}
			byteIdx := 15 - i/2
			if i%2 == 0 {
				ip[byteIdx] |= byte(v)
			} else {
				ip[byteIdx] |= byte(v) << 4
			}
		}
		return ip.String(), nil

	default:
		return "", fmt.Errorf("owner %q is not a reverse-arpa name", owner)
	}
}
