package trackerclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeswarm/peerd/core"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		HTTPTimeout:    time.Second,
		MaxElapsedTime: 200 * time.Millisecond,
	}
}

func TestAnnounceDictionaryMode(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AnnounceRequest
		require.NoError(json.NewDecoder(r.Body).Decode(&req))
		require.Equal(Started, req.Event)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"interval": 60,
			"peers": []map[string]interface{}{
				{"peer_id": req.PeerID.String(), "ip": "10.0.0.2", "port": 6881},
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	resp, err := c.Announce(AnnounceRequest{
		PeerID: peerID, InfoHash: "deadbeef", IP: "10.0.0.1", Port: 6881, Event: Started,
	})
	require.NoError(err)
	require.Equal(60, resp.IntervalSec)
	require.Len(resp.Peers, 1)
	require.Equal("10.0.0.2", resp.Peers[0].IP)
	require.Equal(6881, resp.Peers[0].Port)
}

func TestAnnounceCompactMode(t *testing.T) {
	require := require.New(t)

	want := []*core.PeerInfo{
		core.NewPeerInfo(core.PeerID{}, "192.168.1.5", 51413),
		core.NewPeerInfo(core.PeerID{}, "192.168.1.6", 51414),
	}
	packed, err := EncodeCompactPeers(want)
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"peers": packed,
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	resp, err := c.Announce(AnnounceRequest{PeerID: peerID, Compact: true})
	require.NoError(err)
	require.Len(resp.Peers, 2)
	require.Equal("192.168.1.5", resp.Peers[0].IP)
	require.Equal(51413, resp.Peers[0].Port)
	require.Equal("192.168.1.6", resp.Peers[1].IP)
	require.Equal(51414, resp.Peers[1].Port)
}

func TestAnnounceFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"failure_reason": "unregistered torrent",
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	_, err = c.Announce(AnnounceRequest{PeerID: peerID})
	require.Error(err)
	var fe *FailureError
	require.ErrorAs(err, &fe)
	require.Equal("unregistered torrent", fe.Reason)
}

func TestAnnounceNon200IsPermanentFailure(t *testing.T) {
	require := require.New(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	_, err = c.Announce(AnnounceRequest{PeerID: peerID})
	require.Error(err)
	require.Equal(1, calls, "a non-200 response must not be retried")
}

func TestMetainfoNotFound(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	_, err := c.Metainfo(core.Fingerprint{})
	require.ErrorIs(err, ErrNotFound)
}

func TestMetainfoReturnsDescriptor(t *testing.T) {
	require := require.New(t)

	d, err := core.BuildDescriptor("blob.bin", []byte("0123456789abcdef"), 8, "http://tracker.example/announce")
	require.NoError(err)
	serialized, err := d.Serialize()
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(serialized)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)
	got, err := c.Metainfo(d.Fingerprint())
	require.NoError(err)
	require.Equal(d.Fingerprint(), got.Fingerprint())
}

func TestIntervalOrDefaultClamps(t *testing.T) {
	require := require.New(t)

	c := New(Config{
		BaseURL:         "http://unused",
		DefaultInterval: 30 * time.Second,
		MaxInterval:     60 * time.Second,
	}, nil)

	require.Equal(30*time.Second, c.IntervalOrDefault(AnnounceResponse{IntervalSec: 0}))
	require.Equal(45*time.Second, c.IntervalOrDefault(AnnounceResponse{IntervalSec: 45}))
	require.Equal(60*time.Second, c.IntervalOrDefault(AnnounceResponse{IntervalSec: 3600}))
}
