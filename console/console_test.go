package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3047/rearview/associator"
	"github.com/m3047/rearview/heuristic"
	"github.com/m3047/rearview/resolver"
	"github.com/m3047/rearview/zonemirror"
)

type fakeBackend struct {
	as             *associator.Associator
	mirror         *zonemirror.Mirror
	refreshHistory []RefreshRecord
}

func (f *fakeBackend) Associator() *associator.Associator { return f.as }
func (f *fakeBackend) Mirror() *zonemirror.Mirror          { return f.mirror }
func (f *fakeBackend) QueueDepths() (int, int, int)        { return 1, 2, 3 }
func (f *fakeBackend) NResolutions() int                   { return f.as.NResolutions() }
func (f *fakeBackend) RPZZone() string                     { return "rpz.example.com." }
func (f *fakeBackend) RefreshHistory(n int) []RefreshRecord { return f.refreshHistory }

// RPZServerAddr points at a port nothing listens on, so entry's live
// comparison query fails fast and deterministically rather than needing a
// real authoritative server in these unit tests.
func (f *fakeBackend) RPZServerAddr() string { return "127.0.0.1:1" }

func newFakeBackend() *fakeBackend {
	as := associator.New(100, heuristic.Standard)
	now := time.Unix(1_700_000_000, 0)
	as.UpdateResolution("10.0.0.1", []string{"host.example.com."}, now)
	return &fakeBackend{as: as, mirror: zonemirror.New()}
}

func TestHandle_QD(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("qd")
	require.False(t, quit)
	assert.Contains(t, resp, "association: 1")
	assert.Contains(t, resp, "solver: 2")
	assert.Contains(t, resp, "zone updates: 3")
}

func TestHandle_UnrecognizedCommand(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("bogus")
	require.False(t, quit)
	assert.Equal(t, "400 unrecognized command\n", resp)
}

func TestHandle_WrongArgCount(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("address")
	require.False(t, quit)
	assert.Equal(t, "400 improperly formed request\n", resp)
}

func TestHandle_AddressNotFound(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("address 10.0.0.99")
	require.False(t, quit)
	assert.Equal(t, "500 not found\n", resp)
}

func TestHandle_AddressFound(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("address 10.0.0.1")
	require.False(t, quit)
	assert.Contains(t, resp, "200 ")
}

func TestHandle_CacheRejectsBadDirection(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("cache x 3")
	require.False(t, quit)
	assert.Contains(t, resp, "400")
}

func TestHandle_CacheHead(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("cache < 5")
	require.False(t, quit)
	assert.Contains(t, resp, "10.0.0.1")
}

func TestHandle_Quit(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("quit")
	assert.True(t, quit)
	assert.Equal(t, "", resp)
}

func TestHandle_EntryRejectsInvalidAddress(t *testing.T) {
	s := &Server{backend: newFakeBackend(), live: resolver.New()}
	resp, quit := s.handle("entry not-an-address")
	require.False(t, quit)
	assert.Equal(t, "400 not a valid address\n", resp)
}

func TestHandle_EntryReportsMemoryAndLiveValues(t *testing.T) {
	s := &Server{backend: newFakeBackend(), live: resolver.New()}
	resp, quit := s.handle("entry 10.0.0.1")
	require.False(t, quit)
	assert.Contains(t, resp, "200 ")
	assert.Contains(t, resp, "** MISSING **") // nothing is mirrored or listening for this address
}

func TestHandle_RefreshWithNoHistory(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("refresh 5")
	require.False(t, quit)
	assert.Equal(t, "200 no pending batches\n", resp)
}

func TestHandle_RefreshReportsHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.refreshHistory = []RefreshRecord{
		{Timestamp: time.Unix(1_700_000_000, 0), AddressCount: 3, Written: 2},
	}
	s := &Server{backend: backend}
	resp, quit := s.handle("refresh 5")
	require.False(t, quit)
	assert.Contains(t, resp, "200 ")
	assert.Contains(t, resp, "addresses:   3")
	assert.Contains(t, resp, "written:   2")
}

func TestHandle_RefreshRejectsNonInteger(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("refresh x")
	require.False(t, quit)
	assert.Equal(t, "400 expected a positive integer value\n", resp)
}

func TestHandle_AbbreviatedAddress(t *testing.T) {
	s := &Server{backend: newFakeBackend()}
	resp, quit := s.handle("addr 10.0.0.1")
	require.False(t, quit)
	assert.Contains(t, resp, "200")
}
