// Package telemetry runs the UDP ingress: clients fire-and-forget JSON
// datagrams describing one forward resolution chain observed for an
// address, and telemetry decodes and hands them to the scheduler.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	log "github.com/sirupsen/logrus"
)

// ReapFrequency is how often stale peers are swept from the tracker.
const ReapFrequency = 60 * time.Second

// StalePeer is how long a peer can go silent before it's forgotten.
const StalePeer = 3600 * time.Second

// Datagram is the wire shape of one telemetry message's fixed fields. Any
// additional field (commonly a sequence id, under whatever key
// Config.SequenceKey names) is read out of the raw object separately,
// since its name is configurable.
type Datagram struct {
	Address string   `json:"address"`
	Chain   []string `json:"chain"`
}

// Handler is invoked for each successfully decoded datagram.
type Handler func(addr string, chain []string, now time.Time)

// peerKey identifies a telemetry source for sequence-gap tracking.
type peerKey struct {
	host string
	port int
}

// peerState mirrors the Python original's DictOfCounters entry: a
// sequence number and the timestamp it last changed.
type peerState struct {
	seq      int64
	lastSeen time.Time
}

// Listener owns the UDP socket (optionally joined to a multicast group)
// and the per-peer datagram counters used to detect drops.
type Listener struct {
	conn     *net.UDPConn
	ipv4Conn *ipv4.PacketConn // non-nil only when bound to a multicast group

	handler Handler

	sequenceKey string
	peers       map[peerKey]*peerState
}

// Config describes how to bind the listener.
type Config struct {
	// Host is the local address to bind, e.g. "0.0.0.0" or a specific
	// interface address. Empty means all interfaces.
	Host string
	Port int
	// Multicast, if non-empty, is a multicast group address to join,
	// mirroring the agent's optional group-telemetry mode. The listener
	// then binds all addresses on Port and uses Host only to pick the
	// interface to join the group on.
	Multicast string
	// SequenceKey, if non-empty, names the JSON field carrying a
	// monotonically increasing sequence number. When set, a gap between
	// the last value seen from a peer and this one is logged. When
	// empty, peers are tracked only for arrival/departure.
	SequenceKey string
}

// Listen binds a Listener per cfg. If cfg.Multicast is set, it joins that
// group on the interface implied by Host.
func Listen(cfg Config, handler Handler) (*Listener, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port}

	var conn *net.UDPConn
	var err error
	var p4 *ipv4.PacketConn

	if cfg.Multicast != "" {
		group := net.ParseIP(cfg.Multicast)
		if group == nil {
			return nil, fmt.Errorf("telemetry: invalid multicast group %q", cfg.Multicast)
		}
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
		if err != nil {
			return nil, fmt.Errorf("telemetry: listen for multicast on :%d: %w", cfg.Port, err)
		}
		p4 = ipv4.NewPacketConn(conn)
		var iface *net.Interface
		if cfg.Host != "" {
			iface, _ = interfaceForAddr(cfg.Host)
		}
		if err := p4.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("telemetry: join multicast group %s: %w", cfg.Multicast, err)
		}
	} else {
		conn, err = net.ListenUDP("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("telemetry: listen on %s: %w", addr, err)
		}
	}

	return &Listener{
		conn:        conn,
		ipv4Conn:    p4,
		handler:     handler,
		sequenceKey: cfg.SequenceKey,
		peers:       map[peerKey]*peerState{},
	}, nil
}

func interfaceForAddr(host string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == host {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("telemetry: no interface has address %s", host)
}

// Run reads datagrams until ctx is cancelled, decoding and dispatching
// each to the handler. Malformed datagrams are logged and dropped rather
// than terminating the listener.
func (l *Listener) Run(ctx context.Context) error {
	go l.reapLoop(ctx)

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return l.conn.Close()
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("telemetry: read: %w", err)
			}
		}

		var dg Datagram
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(buf[:n], &raw); err != nil {
			log.Warnf("telemetry: malformed datagram from %s: %v", src, err)
			continue
		}
		if err := json.Unmarshal(buf[:n], &dg); err != nil {
			log.Warnf("telemetry: malformed datagram from %s: %v", src, err)
			continue
		}
		if dg.Address == "" || len(dg.Chain) == 0 {
			log.Warnf("telemetry: datagram from %s missing address or chain", src)
			continue
		}
		malformed := false
		for _, fqdn := range dg.Chain {
			if len(fqdn) == 0 || fqdn[len(fqdn)-1] != '.' {
				log.Warnf("telemetry: datagram from %s has chain element %q missing trailing dot", src, fqdn)
				malformed = true
				break
			}
		}
		if malformed {
			continue
		}

		l.trackPeer(src, raw, time.Now())
		l.handler(dg.Address, dg.Chain, time.Now())
	}
}

func (l *Listener) trackPeer(src *net.UDPAddr, raw map[string]json.RawMessage, now time.Time) {
	key := peerKey{host: src.IP.String(), port: src.Port}
	p, existed := l.peers[key]
	if !existed {
		p = &peerState{}
		l.peers[key] = p
	}

	if l.sequenceKey == "" {
		if !existed {
			log.Infof("telemetry: new peer %s:%d", key.host, key.port)
		}
		p.lastSeen = now
		return
	}

	field, ok := raw[l.sequenceKey]
	if !ok {
		p.lastSeen = now
		return
	}
	var seq int64
	if err := json.Unmarshal(field, &seq); err != nil {
		log.Warnf("telemetry: peer %s:%d sent non-numeric sequence id: %v", key.host, key.port, err)
		p.lastSeen = now
		return
	}

	if !existed {
		log.Infof("telemetry: new peer %s:%d", key.host, key.port)
	} else if seq != p.seq+1 {
		log.Infof("telemetry: sequence %s:%d: %d -> %d", key.host, key.port, p.seq, seq)
	}
	p.seq = seq
	p.lastSeen = now
}

func (l *Listener) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(ReapFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.reap(now)
		}
	}
}

func (l *Listener) reap(now time.Time) {
	for key, p := range l.peers {
		if now.Sub(p.lastSeen) > StalePeer {
			log.Infof("telemetry: reaping stale peer %s:%d (last seen %s ago)", key.host, key.port, now.Sub(p.lastSeen))
			delete(l.peers, key)
		}
	}
}

// PeerCount returns the number of distinct peers currently tracked.
func (l *Listener) PeerCount() int {
	return len(l.peers)
}
