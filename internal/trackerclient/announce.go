package trackerclient

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"github.com/nodeswarm/peerd/core"
)

// Event is the lifecycle event carried on an announce request, per
// spec.md §4.5's Announce loop ("started on add; completed the first time
// progress() reaches 1.0; stopped on pause/remove").
type Event string

// Announce events.
const (
	Started   Event = "started"
	Completed Event = "completed"
	Stopped   Event = "stopped"
	// Empty is sent on ordinary periodic re-announces.
	Empty Event = ""
)

// AnnounceRequest is the JSON body of a POST /announce call, per spec.md
// §4.6.
type AnnounceRequest struct {
	PeerID     core.PeerID `json:"peer_id"`
	InfoHash   string      `json:"info_hash"`
	IP         string      `json:"ip"`
	Port       int         `json:"port"`
	Uploaded   int64       `json:"uploaded"`
	Downloaded int64       `json:"downloaded"`
	Left       int64       `json:"left"`
	Event      Event       `json:"event"`
	Compact    CompactFlag `json:"compact"`
}

// CompactFlag is the `compact` field of an announce request. spec.md §4.6
// specifies it as JSON `0|1`, not a JSON boolean, so it marshals as the
// integer literal rather than `true`/`false`.
type CompactFlag bool

// MarshalJSON encodes the flag as the bare integer 0 or 1.
func (c CompactFlag) MarshalJSON() ([]byte, error) {
	if c {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON accepts 0/1 and, leniently, true/false.
func (c *CompactFlag) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "1", "true":
		*c = true
	case "0", "false":
		*c = false
	default:
		return fmt.Errorf("invalid compact flag %s", data)
	}
	return nil
}

// announceResponseWire is the on-the-wire JSON shape. Peers is decoded by
// hand in AnnounceResponse.UnmarshalJSON because it takes one of two
// shapes: a JSON array of peer objects, or (compact mode) a base64 string
// of packed 6-byte groups. JSON has no native way to carry the raw packed
// byte string spec.md §4.6 describes, so this implementation base64-encodes
// it rather than smuggling raw bytes through a JSON string.
type announceResponseWire struct {
	Warning       string          `json:"warning,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	TrackerID     string          `json:"tracker_id,omitempty"`
	Interval      int             `json:"interval,omitempty"` // seconds
	Peers         json.RawMessage `json:"peers,omitempty"`
}

// AnnounceResponse is the decoded response of a POST /announce call.
type AnnounceResponse struct {
	Warning       string
	FailureReason string
	TrackerID     string
	IntervalSec   int
	Peers         []*core.PeerInfo
}

// UnmarshalJSON decodes the tracker's announce response, handling both the
// dictionary-mode peer list (an array of {peer_id, ip, port} objects) and
// the compact packed form (ipv4(4) ‖ port(2), base64-encoded), per
// spec.md §4.6: "The client must handle both."
func (r *AnnounceResponse) UnmarshalJSON(data []byte) error {
	var wire announceResponseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode announce response: %s", err)
	}
	r.Warning = wire.Warning
	r.FailureReason = wire.FailureReason
	r.TrackerID = wire.TrackerID
	r.IntervalSec = wire.Interval

	if len(wire.Peers) == 0 || string(wire.Peers) == "null" {
		return nil
	}

	switch wire.Peers[0] {
	case '[':
		var dict []dictPeer
		if err := json.Unmarshal(wire.Peers, &dict); err != nil {
			return fmt.Errorf("decode dictionary-mode peers: %s", err)
		}
		for _, p := range dict {
			id, err := core.NewPeerID(p.PeerID)
			if err != nil {
				return fmt.Errorf("decode peer_id %q: %s", p.PeerID, err)
			}
			r.Peers = append(r.Peers, core.NewPeerInfo(id, p.IP, p.Port))
		}
	case '"':
		var packed string
		if err := json.Unmarshal(wire.Peers, &packed); err != nil {
			return fmt.Errorf("decode compact peers: %s", err)
		}
		peers, err := decodeCompactPeers(packed)
		if err != nil {
			return err
		}
		r.Peers = peers
	default:
		return fmt.Errorf("unrecognized peers encoding: leading byte %q", wire.Peers[0])
	}
	return nil
}

type dictPeer struct {
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// decodeCompactPeers unpacks a base64-encoded string of 6-byte
// (ipv4(4) ‖ port(2), big-endian) groups, per spec.md §4.6's compact mode.
// Compact peers carry no peer_id, so we synthesize a deterministic one via
// core.HashedPeerID over the address, the same derivation
// core.AddrHashPeerIDFactory uses elsewhere in this engine.
func decodeCompactPeers(packed string) ([]*core.PeerInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(packed)
	if err != nil {
		return nil, fmt.Errorf("base64 decode compact peers: %s", err)
	}
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers: length %d is not a multiple of 6", len(raw))
	}
	var peers []*core.PeerInfo
	for i := 0; i < len(raw); i += 6 {
		ip := net.IP(raw[i : i+4]).String()
		port := int(binary.BigEndian.Uint16(raw[i+4 : i+6]))
		id, err := core.HashedPeerID(fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			return nil, err
		}
		peers = append(peers, core.NewPeerInfo(id, ip, port))
	}
	return peers, nil
}

// EncodeCompactPeers packs peers into the 6-byte-group, base64-encoded
// compact form. Used by tests to build fixture tracker responses; a real
// tracker server is out of scope per spec.md §1.
func EncodeCompactPeers(peers []*core.PeerInfo) (string, error) {
	buf := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			return "", fmt.Errorf("invalid ip %q", p.IP)
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return "", fmt.Errorf("compact mode only supports ipv4, got %q", p.IP)
		}
		buf = append(buf, ip4...)
		var portBytes [2]byte
		binary.BigEndian.PutUint16(portBytes[:], uint16(p.Port))
		buf = append(buf, portBytes[:]...)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
