// Package console is a line-oriented TCP introspection server: a2z,
// address, entry, qd, cache, evictions, refresh, and quit.
package console

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"

	"github.com/m3047/rearview/associator"
	"github.com/m3047/rearview/resolver"
	"github.com/m3047/rearview/zonemirror"
)

// Backend is the state the console reports on. It is implemented by the
// scheduler's wiring in cmd/rearview.
type Backend interface {
	Associator() *associator.Associator
	Mirror() *zonemirror.Mirror
	QueueDepths() (association, solver, rpz int)
	NResolutions() int

	// RPZZone and RPZServerAddr identify the zone's authoritative server,
	// so entry can issue a live comparison query against it.
	RPZZone() string
	RPZServerAddr() string

	// RefreshHistory returns up to n of the most recent batched
	// TXT-metadata refresh passes, most recent first.
	RefreshHistory(n int) []RefreshRecord
}

// RefreshRecord is one completed batched-refresh pass, as reported by the
// "refresh" command.
type RefreshRecord struct {
	Timestamp    time.Time
	AddressCount int
	Written      int
}

var commandArgc = map[string]int{
	"a2z": 1, "address": 2, "entry": 2, "qd": 1,
	"cache": 3, "evictions": 2, "refresh": 2, "quit": 1,
}

var abbreviated = map[string]string{
	"addr": "address", "evict": "evictions", "refr": "refresh",
}

// Server accepts console connections on a TCP listener.
type Server struct {
	backend Backend
	ln      net.Listener
	live    *resolver.Resolver
}

// Listen binds a console Server to addr ("host:port").
func Listen(addr string, backend Backend) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("console: listen on %s: %w", addr, err)
	}
	return &Server{backend: backend, ln: ln, live: resolver.New()}, nil
}

// Run accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("console: accept: %v", err)
				return
			}
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		resp, quit := s.handle(line)
		if quit {
			return
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func (s *Server) handle(line string) (response string, quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}

	verb := strings.ToLower(fields[0])
	if len(verb) >= 4 {
		for full, canon := range abbreviated {
			if strings.HasPrefix(canon, verb) || full == verb {
				verb = canon
				break
			}
		}
	}

	argc, known := commandArgc[verb]
	if !known {
		return formatSingle(400, "unrecognized command"), false
	}
	if len(fields) != argc {
		return formatSingle(400, "improperly formed request"), false
	}

	switch verb {
	case "quit":
		return "", true
	case "a2z":
		return formatMulti(200, s.a2z()), false
	case "address":
		return s.address(fields[1]), false
	case "entry":
		return s.entry(fields[1]), false
	case "qd":
		return formatMulti(200, s.qd()), false
	case "cache":
		return s.cache(fields[1], fields[2])
	case "evictions":
		return s.evictions(fields[1])
	case "refresh":
		return s.refresh(fields[1])
	}
	return formatSingle(500, "internal error"), false
}

func formatSingle(code int, line string) string {
	return fmt.Sprintf("%d %s\n", code, line)
}

func formatMulti(code int, lines []string) string {
	if len(lines) == 0 {
		return formatSingle(code, "")
	}
	if len(lines) == 1 {
		return formatSingle(code, lines[0])
	}
	var b strings.Builder
	for i, line := range lines {
		c := 210
		if i > 0 {
			c = 212
		}
		fmt.Fprintf(&b, "%d %s\n", c, line)
	}
	return b.String()
}

func (s *Server) a2z() []string {
	as := s.backend.Associator()
	mirror := s.backend.Mirror()

	// Tracked addresses are compared in the Mirror's key space (bare
	// reverse-arpa owner); addrOf maps an owner back to its address.
	var addrs []string
	addrOf := map[string]string{}
	for _, ip := range as.CacheHead(as.Len()) {
		owner := ip
		if reverse, err := dns.ReverseAddr(ip); err == nil {
			owner = strings.TrimSuffix(reverse, ".")
		}
		addrOf[owner] = ip
		addrs = append(addrs, owner)
	}
	sort.Strings(addrs)

	all := mirror.All()
	var owners []string
	for owner := range all {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var out []string
	i, j := 0, 0
	for i < len(addrs) || j < len(owners) {
		switch {
		case j >= len(owners) || (i < len(addrs) && addrs[i] < owners[j]):
			out = append(out, "< "+addrOf[addrs[i]])
			i++
		case i >= len(addrs) || owners[j] < addrs[i]:
			out = append(out, "> "+owners[j])
			j++
		default:
			i++
			j++
		}
	}
	return out
}

func (s *Server) address(addr string) string {
	a, ok := s.backend.Associator().Get(addr)
	if !ok {
		return formatSingle(500, "not found")
	}

	var lines []string
	now := time.Now()
	for _, r := range a.Resolutions() {
		marker := "   "
		if a.BestResolution == r {
			marker = "***"
		}
		lines = append(lines, fmt.Sprintf("%s %v", marker, r.Chain))
		lines = append(lines, fmt.Sprintf(
			"        fs:%.1f ls:%.1f qc:%d qt:%.1f h:%.3f",
			now.Sub(r.FirstSeen).Seconds(), now.Sub(r.LastSeen).Seconds(),
			r.QueryCount, r.QueryTrend, s.backend.Associator().Score(r, now),
		))
	}
	return formatMulti(200, lines)
}

// entry reports both the Zone Mirror's believed PTR value for addr and the
// value a live query against the RPZ server itself actually returns, so an
// operator can spot drift between the agent's memory and the zone.
func (s *Server) entry(addr string) string {
	reverse, err := dns.ReverseAddr(addr)
	if err != nil {
		return formatSingle(400, "not a valid address")
	}
	owner := strings.TrimSuffix(reverse, ".")

	memoryValue := "** MISSING **"
	if e, ok := s.backend.Mirror().Get(owner); ok {
		memoryValue = e.PTR
	}

	return formatSingle(200, fmt.Sprintf("%s %s", memoryValue, s.queryLive(owner)))
}

func (s *Server) queryLive(owner string) string {
	fqdn := owner + "." + s.backend.RPZZone()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rs, err := s.live.Query(ctx, "PTR", fqdn, s.backend.RPZServerAddr())
	if err != nil {
		return fmt.Sprintf("** %s **", err)
	}
	if len(rs.Values) == 0 {
		return "** MISSING **"
	}
	return strings.TrimSuffix(rs.Values[0], ".")
}

func (s *Server) qd() []string {
	assoc, solver, rpz := s.backend.QueueDepths()
	return []string{
		fmt.Sprintf("association: %d", assoc),
		fmt.Sprintf("solver: %d", solver),
		fmt.Sprintf("zone updates: %d", rpz),
	}
}

func (s *Server) cache(which, nStr string) (string, bool) {
	if which != "<" && which != ">" {
		return formatSingle(400, "expected \"<\" or \">\""), false
	}
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 1 {
		return formatSingle(400, "expected a positive integer value"), false
	}

	as := s.backend.Associator()
	var ips []string
	if which == "<" {
		ips = as.CacheHead(n)
	} else {
		ips = as.CacheTail(n)
	}

	lines := []string{fmt.Sprintf("Actual Resolutions in cache: %d", as.NResolutions())}
	for _, ip := range ips {
		a, _ := as.Get(ip)
		lines = append(lines, fmt.Sprintf("%s (%d)", ip, a.Len()))
	}
	return formatMulti(200, lines), false
}

func (s *Server) evictions(nStr string) (string, bool) {
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 1 {
		return formatSingle(400, "expected a positive integer value"), false
	}

	history := s.backend.Associator().EvictionHistory(n)
	var lines []string
	for _, stat := range history {
		lines = append(lines, fmt.Sprintf("** %s **", stat.Timestamp.Format(time.RFC3339)))
		lines = append(lines, "Resolutions:")
		lines = append(lines, fmt.Sprintf(
			"     Overage:%6d      Target:%6d      Working:%6d      N After:%6d",
			stat.Overage, stat.TargetPoolSize, stat.WorkingPoolSize, stat.NResolutions,
		))
		lines = append(lines, "Addresses:")
		lines = append(lines, fmt.Sprintf(
			"    Affected:%6d     Deleted:%6d    Recycled:%6d",
			stat.AffectedAddresses, stat.DeletedAddresses, stat.RecycledAddresses,
		))
		if stat.SingleAddress {
			lines = append(lines, fmt.Sprintf(
				"    Single address branch taken, %d resolutions remaining", stat.SingleAddressCount,
			))
		}
	}
	if len(lines) == 0 {
		lines = []string{"no evictions recorded"}
	}
	return formatMulti(200, lines), false
}

// refresh reports the last n completed batched TXT-metadata refresh
// passes: addresses recycled by an eviction but not themselves affected by
// it, whose mirrored last_refresh had simply gone stale.
func (s *Server) refresh(nStr string) (string, bool) {
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 1 {
		return formatSingle(400, "expected a positive integer value"), false
	}

	history := s.backend.RefreshHistory(n)
	var lines []string
	for _, rec := range history {
		lines = append(lines, fmt.Sprintf(
			"** %s ** addresses:%4d written:%4d",
			rec.Timestamp.Format(time.RFC3339), rec.AddressCount, rec.Written,
		))
	}
	if len(lines) == 0 {
		lines = []string{"no pending batches"}
	}
	return formatMulti(200, lines), false
}
