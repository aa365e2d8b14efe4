package rpz

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Metadata is the decoded form of the TXT record that rides alongside every
// mirrored PTR: depth of the winning resolution chain, its first/last seen
// timestamps, query count, query trend, and the heuristic score that won it
// the slot.
type Metadata struct {
	Depth int
	First time.Time
	Last  time.Time
	Count int
	Trend float64
	Score float64
}

// EncodeTXT renders m in the fixed key order the agent has always written:
// depth, first, last, count, trend, score.
func EncodeTXT(m Metadata) string {
	return fmt.Sprintf(
		"depth=%d,first=%s,last=%s,count=%d,trend=%s,score=%s",
		m.Depth,
		formatFloat(float64(m.First.Unix())+float64(m.First.Nanosecond())/1e9),
		formatFloat(float64(m.Last.Unix())+float64(m.Last.Nanosecond())/1e9),
		m.Count,
		formatFloat(m.Trend),
		formatFloat(m.Score),
	)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseTXT decodes a TXT body written by EncodeTXT. It is order-agnostic:
// any permutation of the six keys, or a subset, parses without error, with
// unseen fields left at their zero value.
func ParseTXT(s string) (Metadata, error) {
	var m Metadata
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return m, fmt.Errorf("rpz: malformed TXT field %q", field)
		}
		key, val := kv[0], kv[1]

		switch key {
		case "depth":
			n, err := strconv.Atoi(val)
			if err != nil {
				return m, fmt.Errorf("rpz: bad depth %q: %w", val, err)
			}
			m.Depth = n
		case "first":
			t, err := parseUnixFloat(val)
			if err != nil {
				return m, fmt.Errorf("rpz: bad first %q: %w", val, err)
			}
			m.First = t
		case "last":
			t, err := parseUnixFloat(val)
			if err != nil {
				return m, fmt.Errorf("rpz: bad last %q: %w", val, err)
			}
			m.Last = t
		case "count":
			n, err := strconv.Atoi(val)
			if err != nil {
				return m, fmt.Errorf("rpz: bad count %q: %w", val, err)
			}
			m.Count = n
		case "trend":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return m, fmt.Errorf("rpz: bad trend %q: %w", val, err)
			}
			m.Trend = f
		case "score":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return m, fmt.Errorf("rpz: bad score %q: %w", val, err)
			}
			m.Score = f
		default:
			// Unknown keys are ignored rather than rejected, so that a
			// future agent version can add fields without breaking an
			// older one reading its own AXFR bootstrap.
		}
	}
	return m, nil
}

func parseUnixFloat(val string) (time.Time, error) {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}
