// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import "sort"

// PeerInfo defines a remote peer's id and address, as handed out by
// the tracker or learned from an inbound connection.
type PeerInfo struct {
	PeerID PeerID `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// NewPeerInfo creates a new PeerInfo.
func NewPeerInfo(peerID PeerID, ip string, port int) *PeerInfo {
	return &PeerInfo{PeerID: peerID, IP: ip, Port: port}
}

// PeerContext defines the context the local peer runs within: the fields
// used to identify it to the tracker and to remote peers.
type PeerContext struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	PeerID PeerID `json:"peer_id"`
}

// NewPeerContext creates a new PeerContext, generating a PeerID per f.
func NewPeerContext(f PeerIDFactory, ip string, port int) (PeerContext, error) {
	if ip == "" {
		return PeerContext{}, errNoIP
	}
	if port == 0 {
		return PeerContext{}, errNoPort
	}
	peerID, err := f.GeneratePeerID(ip, port)
	if err != nil {
		return PeerContext{}, err
	}
	return PeerContext{IP: ip, Port: port, PeerID: peerID}, nil
}

// PeerInfos groups PeerInfo structs for sorting.
type PeerInfos []*PeerInfo

func (s PeerInfos) Len() int      { return len(s) }
func (s PeerInfos) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// PeersByPeerID sorts PeerInfos by peer id.
type PeersByPeerID struct{ PeerInfos }

// Less for sorting.
func (s PeersByPeerID) Less(i, j int) bool {
	return s.PeerInfos[i].PeerID.LessThan(s.PeerInfos[j].PeerID)
}

// SortedByPeerID returns a copy of peers sorted by peer id. Useful for
// deterministic test assertions and stable status snapshots.
func SortedByPeerID(peers []*PeerInfo) []*PeerInfo {
	c := make([]*PeerInfo, len(peers))
	copy(c, peers)
	sort.Sort(PeersByPeerID{PeerInfos(c)})
	return c
}
