// Package rpz is the TCP client that speaks AXFR (bootstrap) and DNS UPDATE
// (steady-state writes) to the response policy zone's primary name server.
package rpz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// RRTTL is the TTL stamped on every PTR/TXT pair the agent writes.
const RRTTL = 600

// GarbageLogger is invoked for any RR encountered during AXFR that isn't a
// PTR, TXT, or SOA: evidence of manual edits or a foreign zone mixed into
// the RPZ. A nil GarbageLogger silently drops them.
type GarbageLogger func(dns.RR)

// ErrorHook is invoked whenever a zone operation fails, in addition to the
// error being returned, so that a caller that fires tasks off into a
// queue still gets a chance to log or count the failure.
type ErrorHook func(error)

// Client owns the TCP connection to one RPZ primary. It is not safe for
// concurrent use: SPEC_FULL.md's concurrency model dedicates a single
// goroutine to own the RPZ task queue and, transitively, this client.
type Client struct {
	Zone       string
	ServerAddr string

	dnsClient *dns.Client
	garbage   GarbageLogger
	onError   ErrorHook

	mu   sync.Mutex
	conn *dns.Conn // persistent UPDATE channel, dialed lazily, held until Close
}

// New returns a Client for zone (a bare domain, no trailing dot required)
// against serverAddr ("host:port").
func New(zone, serverAddr string, garbage GarbageLogger, onError ErrorHook) *Client {
	return &Client{
		Zone:       dns.Fqdn(zone),
		ServerAddr: serverAddr,
		dnsClient:  &dns.Client{Net: "tcp", Timeout: 10 * time.Second},
		garbage:    garbage,
		onError:    onError,
	}
}

// Record is one reconstructed (owner, PTR, metadata) triple recovered from
// an AXFR of the zone.
type Record struct {
	Owner string // bare reverse-arpa name, RPZ suffix stripped, no trailing dot
	PTR   string
	Meta  Metadata
}

// fqdnOwner builds the fully-qualified owner name for a bare reverse-arpa
// name (no RPZ suffix, trailing dot optional).
func (c *Client) fqdnOwner(bareOwner string) string {
	bareOwner = strings.TrimSuffix(bareOwner, ".")
	return bareOwner + "." + c.Zone
}

// bareOwner strips the RPZ suffix and trailing dot from a fully-qualified
// owner name observed on the wire.
func (c *Client) bareOwner(fqdn string) string {
	trimmed := strings.TrimSuffix(fqdn, c.Zone)
	return strings.TrimSuffix(trimmed, ".")
}

// AXFR streams the zone and pairs up PTR/TXT records sharing an owner name.
// RRs of any other type are handed to the GarbageLogger, if one was
// configured, and otherwise dropped.
func (c *Client) AXFR(ctx context.Context) ([]Record, error) {
	m := new(dns.Msg)
	m.SetAxfr(c.Zone)

	t := new(dns.Transfer)
	t.DialTimeout = 10 * time.Second

	env, err := t.In(m, c.ServerAddr)
	if err != nil {
		err = fmt.Errorf("rpz: AXFR dial %s for %s: %w", c.ServerAddr, c.Zone, err)
		c.fail(err)
		return nil, err
	}

	ptrs := map[string]string{}
	txts := map[string]string{}
	var order []string

	for e := range env {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if e.Error != nil {
			err = fmt.Errorf("rpz: AXFR envelope for %s: %w", c.Zone, e.Error)
			c.fail(err)
			return nil, err
		}

		for _, rr := range e.RR {
			owner := rr.Header().Name

			switch v := rr.(type) {
			case *dns.PTR:
				if _, seen := ptrs[owner]; !seen {
					order = append(order, owner)
				}
				ptrs[owner] = v.Ptr
			case *dns.TXT:
				txts[owner] = joinTXT(v.Txt)
			case *dns.SOA:
				// zone-bounding record, expected and ignored
			default:
				if c.garbage != nil {
					c.garbage(rr)
				}
			}
		}
	}

	records := make([]Record, 0, len(order))
	for _, owner := range order {
		meta, err := ParseTXT(txts[owner])
		if err != nil {
			log.Warnf("rpz: discarding unparseable TXT metadata for %s: %v", owner, err)
			continue
		}
		records = append(records, Record{Owner: c.bareOwner(owner), PTR: ptrs[owner], Meta: meta})
	}
	return records, nil
}

func joinTXT(chunks []string) string {
	out := ""
	for _, s := range chunks {
		out += s
	}
	return out
}

// UpdatePTR replaces bareOwner's PTR and TXT records with ptr/meta in a
// single UPDATE transaction: DELETE the existing RRset, then ADD the new
// PTR and TXT. bareOwner has no RPZ suffix; the full owner name within the
// zone is constructed here.
func (c *Client) UpdatePTR(ctx context.Context, bareOwner, ptr string, meta Metadata) error {
	m := new(dns.Msg)
	m.SetUpdate(c.Zone)

	owner := c.fqdnOwner(bareOwner)

	m.RemoveRRset([]dns.RR{&dns.PTR{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypePTR, Class: dns.ClassINET}}})
	m.RemoveRRset([]dns.RR{&dns.TXT{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeTXT, Class: dns.ClassINET}}})

	m.Insert([]dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: RRTTL},
			Ptr: dns.Fqdn(ptr),
		},
		&dns.TXT{
			Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: RRTTL},
			Txt: []string{EncodeTXT(meta)},
		},
	})

	return c.exchange(ctx, m, owner)
}

// Delete removes bareOwner's PTR and TXT RRsets from the zone entirely.
func (c *Client) Delete(ctx context.Context, bareOwner string) error {
	m := new(dns.Msg)
	m.SetUpdate(c.Zone)

	owner := c.fqdnOwner(bareOwner)

	m.RemoveRRset([]dns.RR{&dns.PTR{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypePTR, Class: dns.ClassINET}}})
	m.RemoveRRset([]dns.RR{&dns.TXT{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeTXT, Class: dns.ClassINET}}})

	return c.exchange(ctx, m, owner)
}

// exchange sends m over the client's persistent UPDATE connection, dialing
// one lazily on first use. Unlike AXFR's one-shot dns.Transfer, steady-state
// UPDATE traffic reuses a single TCP channel across calls rather than
// dialing fresh per write; Close tears it down once the caller's task queue
// drains, mirroring the keep_open bookkeeping of the agent this was ported
// from.
func (c *Client) exchange(ctx context.Context, m *dns.Msg, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.exchangeLocked(m)
	if err != nil {
		err = fmt.Errorf("rpz: UPDATE %s at %s: %w", owner, c.ServerAddr, err)
		c.fail(err)
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		err = fmt.Errorf("rpz: UPDATE %s at %s: %s", owner, c.ServerAddr, dns.RcodeToString[resp.Rcode])
		c.fail(err)
		return err
	}
	return nil
}

func (c *Client) exchangeLocked(m *dns.Msg) (*dns.Msg, error) {
	if c.conn == nil {
		conn, err := c.dnsClient.Dial(c.ServerAddr)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	resp, _, err := c.dnsClient.ExchangeWithConn(m, c.conn)
	if err != nil {
		// The connection is presumed dead; drop it so the next call
		// redials rather than retrying on a broken socket.
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	return resp, nil
}

// Close shuts the persistent UPDATE connection, if one is open. Callers
// (the scheduler's RPZ worker) call this once their task queue empties, so
// the channel stays open only while writes are actually pending.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
