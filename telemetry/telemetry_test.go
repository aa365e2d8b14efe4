package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedObservation struct {
	addr  string
	chain []string
}

func startListener(t *testing.T, cfg Config) (*Listener, *[]capturedObservation, *sync.Mutex) {
	t.Helper()

	var mu sync.Mutex
	var got []capturedObservation

	l, err := Listen(cfg, func(addr string, chain []string, now time.Time) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, capturedObservation{addr: addr, chain: chain})
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Run(ctx)

	return l, &got, &mu
}

func sendDatagram(t *testing.T, port int, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(b)
	require.NoError(t, err)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func waitForObservations(t *testing.T, got *[]capturedObservation, mu *sync.Mutex, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := len(*got)
		mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d observations", n)
}

func TestListener_DecodesValidDatagram(t *testing.T) {
	port := 25353
	_, got, mu := startListener(t, Config{Host: "127.0.0.1", Port: port})

	sendDatagram(t, port, map[string]any{
		"address": "10.0.0.1",
		"chain":   []string{"host.example.com."},
	})

	waitForObservations(t, got, mu, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	assert.Equal(t, "10.0.0.1", (*got)[0].addr)
	assert.Equal(t, []string{"host.example.com."}, (*got)[0].chain)
}

func TestListener_DropsMalformedDatagram(t *testing.T) {
	port := 25354
	_, got, mu := startListener(t, Config{Host: "127.0.0.1", Port: port})

	sendDatagram(t, port, map[string]any{"chain": []string{"host.example.com."}})
	sendDatagram(t, port, map[string]any{
		"address": "10.0.0.2",
		"chain":   []string{"good.example.com."},
	})

	waitForObservations(t, got, mu, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	assert.Equal(t, "10.0.0.2", (*got)[0].addr)
}

func TestListener_DropsDatagramWithMissingTrailingDot(t *testing.T) {
	port := 25356
	_, got, mu := startListener(t, Config{Host: "127.0.0.1", Port: port})

	sendDatagram(t, port, map[string]any{
		"address": "10.0.0.3",
		"chain":   []string{"bad.example.com"}, // missing trailing dot
	})
	sendDatagram(t, port, map[string]any{
		"address": "10.0.0.4",
		"chain":   []string{"good.example.com."},
	})

	waitForObservations(t, got, mu, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	assert.Equal(t, "10.0.0.4", (*got)[0].addr)
}

func TestListener_TracksSequenceGaps(t *testing.T) {
	port := 25355
	l, got, mu := startListener(t, Config{Host: "127.0.0.1", Port: port, SequenceKey: "id"})

	sendDatagram(t, port, map[string]any{"address": "10.0.0.1", "chain": []string{"a.example.com."}, "id": 1})
	waitForObservations(t, got, mu, 1)
	sendDatagram(t, port, map[string]any{"address": "10.0.0.1", "chain": []string{"a.example.com."}, "id": 2})
	waitForObservations(t, got, mu, 2)

	assert.Equal(t, 1, l.PeerCount())
}
