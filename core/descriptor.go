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

// Package core holds the identifiers and metadata types shared across the
// engine: peer ids, content fingerprints, and the torrent descriptor.
package core

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// FileEntry describes one file within a Descriptor's payload.
type FileEntry struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// descriptorBody is the serialized form whose SHA-1 determines the
// Descriptor's Fingerprint. Field order matters for a stable hash; Go's
// encoding/json emits fields in struct declaration order, and the body is
// kept as a distinct type to make that contract explicit.
type descriptorBody struct {
	Name        string      `json:"name"`
	PieceLength int64       `json:"piece_length"`
	PieceCount  int         `json:"piece_count"`
	Files       []FileEntry `json:"files"`
	Tracker     string      `json:"tracker"`
	Pieces      []string    `json:"pieces"`
}

// Descriptor is the torrent metadata: display name, uniform piece length,
// ordered file list, and the ordered list of per-piece SHA-1 hashes.
type Descriptor struct {
	body        descriptorBody
	fingerprint Fingerprint
}

// NewDescriptor builds a Descriptor from its constituent fields, validating
// the invariants from spec.md §3: ceil(sum(file.length)/piece_length) == P,
// len(piece_hashes) == P.
func NewDescriptor(
	name string,
	pieceLength int64,
	files []FileEntry,
	tracker string,
	pieceHashes []PieceHash) (*Descriptor, error) {

	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if len(files) == 0 {
		return nil, errors.New("descriptor must declare at least one file")
	}

	var total int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("file %q has negative length", f.Path)
		}
		total += f.Length
	}

	expectedPieces := numPieces(total, pieceLength)
	if len(pieceHashes) != expectedPieces {
		return nil, fmt.Errorf(
			"invariant violation: expected %d piece hashes for %d total bytes at piece length %d, got %d",
			expectedPieces, total, pieceLength, len(pieceHashes))
	}

	hexHashes := make([]string, len(pieceHashes))
	for i, h := range pieceHashes {
		hexHashes[i] = h.Hex()
	}

	body := descriptorBody{
		Name:        name,
		PieceLength: pieceLength,
		PieceCount:  expectedPieces,
		Files:       files,
		Tracker:     tracker,
		Pieces:      hexHashes,
	}
	fp, err := hashBody(body)
	if err != nil {
		return nil, fmt.Errorf("hash descriptor: %s", err)
	}

	return &Descriptor{body: body, fingerprint: fp}, nil
}

func numPieces(totalLength, pieceLength int64) int {
	if totalLength == 0 {
		return 0
	}
	n := totalLength / pieceLength
	if totalLength%pieceLength != 0 {
		n++
	}
	return int(n)
}

func hashBody(body descriptorBody) (Fingerprint, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Fingerprint{}, err
	}
	return NewFingerprintFromBytes(b), nil
}

// Fingerprint returns the content-addressed identifier of d.
func (d *Descriptor) Fingerprint() Fingerprint {
	return d.fingerprint
}

// Name returns the descriptor's display name.
func (d *Descriptor) Name() string {
	return d.body.Name
}

// Tracker returns the tracker URL embedded in the descriptor.
func (d *Descriptor) Tracker() string {
	return d.body.Tracker
}

// Files returns the ordered list of payload files.
func (d *Descriptor) Files() []FileEntry {
	return d.body.Files
}

// TotalLength returns the sum of all file lengths.
func (d *Descriptor) TotalLength() int64 {
	var total int64
	for _, f := range d.body.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns P, the total piece count.
func (d *Descriptor) NumPieces() int {
	return d.body.PieceCount
}

// PieceLength returns the uniform piece length. The final piece may be
// shorter; use PieceLengthAt for the true length of a given piece.
func (d *Descriptor) PieceLength() int64 {
	return d.body.PieceLength
}

// PieceLengthAt returns the expected length of piece i, accounting for a
// possibly-shorter final piece.
func (d *Descriptor) PieceLengthAt(i int) (int64, error) {
	if i < 0 || i >= d.body.PieceCount {
		return 0, fmt.Errorf("piece index %d out of range [0, %d)", i, d.body.PieceCount)
	}
	if i < d.body.PieceCount-1 {
		return d.body.PieceLength, nil
	}
	return d.TotalLength() - int64(d.body.PieceCount-1)*d.body.PieceLength, nil
}

// PieceHashAt returns the expected SHA-1 hash of piece i.
func (d *Descriptor) PieceHashAt(i int) (PieceHash, error) {
	if i < 0 || i >= len(d.body.Pieces) {
		return PieceHash{}, fmt.Errorf("piece index %d out of range [0, %d)", i, len(d.body.Pieces))
	}
	return NewPieceHashFromHex(d.body.Pieces[i])
}

// Serialize converts d to its canonical JSON form (the descriptor file
// format from spec.md §6: "<name>.torrent.json").
func (d *Descriptor) Serialize() ([]byte, error) {
	type wire struct {
		descriptorBody
		InfoHash string `json:"info_hash"`
	}
	return json.Marshal(wire{d.body, d.fingerprint.Hex()})
}

// DeserializeDescriptor reconstructs a Descriptor from its JSON form,
// recomputing and verifying the fingerprint against the embedded
// info_hash field.
func DeserializeDescriptor(data []byte) (*Descriptor, error) {
	var wire struct {
		descriptorBody
		InfoHash string `json:"info_hash"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	fp, err := hashBody(wire.descriptorBody)
	if err != nil {
		return nil, fmt.Errorf("hash descriptor: %s", err)
	}
	if wire.InfoHash != "" && wire.InfoHash != fp.Hex() {
		return nil, fmt.Errorf(
			"descriptor fingerprint mismatch: embedded %s, computed %s", wire.InfoHash, fp.Hex())
	}
	return &Descriptor{body: wire.descriptorBody, fingerprint: fp}, nil
}

// BuildDescriptor hashes a single in-memory blob into piece hashes and
// constructs a Descriptor for it. This is the minimal stand-in for the
// out-of-scope descriptor-creation utility (spec.md §1): it lets tests and
// small tools produce a valid Descriptor without shelling out.
func BuildDescriptor(name string, data []byte, pieceLength int64, tracker string) (*Descriptor, error) {
	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	hashes := make([]PieceHash, 0, numPieces(int64(len(data)), pieceLength))
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes = append(hashes, NewPieceHash(data[off:end]))
	}
	files := []FileEntry{{Path: name, Length: int64(len(data))}}
	return NewDescriptor(name, pieceLength, files, tracker, hashes)
}

// ValidateSHA1Hex returns an error if s is not a well-formed SHA-1 hex digest.
func ValidateSHA1Hex(s string) error {
	if len(s) != 40 {
		return fmt.Errorf("expected 40 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("hex: %s", err)
	}
	return nil
}
