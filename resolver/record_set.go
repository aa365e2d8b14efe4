package resolver

import (
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// RecordSet represents the response to a DNS query.
type RecordSet struct {
	// QueryType is the type of query that has been sent, such as "A", "AAAA",
	// "SRV", etc.
	//
	// QueryType is set even in case of network errors.
	QueryType string

	// Name is the fully qualified domain name of this record set. The trailing
	// dot is omitted.
	//
	// Name is set even in case of network errors.
	Name string

	// ResponseType is the type of the DNS response returned by the name
	// server, such as "A", "AAAA", "SRV", etc.
	//
	// If the response indicates an error, ResponseType is set to a string
	// representation of that error, such as "NXDOMAIN", "SERVFAIL", etc.
	ResponseType string

	// TTL is the time-to-live of this DNS response, as returned by the name
	// server. If the name server is a caching name server, this is not
	// necessarily the same as the maximum TTL that the authoritative name
	// server would advice.
	TTL time.Duration

	// Values contains the values of each record in the DNS response, in the
	// order sent by the server. The values may be quoted, for instance in SPF
	// record sets.
	Values []string

	// NameServerAddress contains the IP address and port of the name server
	// that has returned this record set.
	//
	// NameServerAddress is set even in case of network errors.
	NameServerAddress string

	// Age is the amount of time that has passed since the response was cached
	// by a Resolver. Age is zero if the RecordSet has not been added to the
	// cache.
	Age time.Duration

	// RTT is the measured round-trip time for this record set, i.e. the
	// duration between sending the DNS query to the server and receiving the
	// response. This duration includes encoding the request packet(s) and
	// parsing the response packet(s). It does not include the time spent on
	// any other recursive queries, such as NS lookups.
	//
	// RTT is set even in case of network errors (but then excludes parsing the
	// response, obviously).
	RTT time.Duration

	// Trace reports which name servers have answered queries.
	Trace *Trace

	// Raw is the last DNS response message received for this query, prior to
	// CNAME chasing. CachePolicy implementations consult it directly.
	Raw *dns.Msg

	// TODO: Authoritative bool?
	// TODO: FromCache bool?
}

// fromResult populates rs from the terminal queryResult of a query, following
// any CNAME chain present in the response's ANSWER and ADDITIONAL sections.
//
// If the chain is circular, ErrCircular is returned. If no record of the
// requested type is ultimately found, ErrNXDomain is returned.
func (rs *RecordSet) fromResult(result queryResult) error {
	if result.Response != nil {
		rs.Raw = result.Response
	}
	rs.NameServerAddress = result.ServerAddr
	rs.RTT = result.RTT

	if result.Error != nil {
		return result.Error
	}

	resp := result.Response
	name := result.Question.Name
	qtype := result.Question.Qtype

	rs.ResponseType = dns.TypeToString[qtype]

	if resp.Rcode != dns.RcodeSuccess {
		rs.ResponseType = dns.RcodeToString[resp.Rcode]
		return fmt.Errorf("%s: %w", dns.RcodeToString[resp.Rcode], ErrNXDomain)
	}

	candidates := append(append([]dns.RR{}, resp.Answer...), resp.Extra...)

	seen := map[string]bool{}
	var minTTL uint32
	haveTTL := false
	bumpTTL := func(ttl uint32) {
		if !haveTTL || ttl < minTTL {
			minTTL = ttl
		}
		haveTTL = true
	}

	for {
		if seen[name] {
			return ErrCircular
		}
		seen[name] = true

		var values []string
		var cname *dns.CNAME

		for _, rr := range candidates {
			hdr := rr.Header()
			if hdr.Name != name {
				continue
			}

			if hdr.Rrtype == qtype {
				bumpTTL(hdr.Ttl)
				values = append(values, rrValue(rr))
				continue
			}

			if c, ok := rr.(*dns.CNAME); ok && cname == nil {
				cname = c
			}
		}

		if len(values) > 0 {
			rs.Values = values
			rs.TTL = time.Duration(minTTL) * time.Second
			return nil
		}

		if cname == nil {
			return ErrNXDomain
		}

		bumpTTL(cname.Header().Ttl)
		name = cname.Target
	}
}
