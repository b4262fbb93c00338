// Package selection implements the piece Selection Policy of spec.md §4.3:
// rarest-first choice among a peer's available, still-needed pieces during
// normal operation, switching to redundant end-game requesting once a
// torrent is nearly complete.
//
// Grounded on lib/torrent/scheduler/piecerequest/manager.go's reservoir
// sampling over a candidate bitset (the uniform-tiebreak idiom here is the
// same one that manager.go uses to pick among equally-eligible pieces), and
// generalized with an explicit rarity count per spec.md's rarest-first
// requirement, which piecerequest.Manager does not implement (it treats
// all candidates as equally eligible).
package selection

import (
	"math/rand"

	"github.com/willf/bitset"

	"github.com/nodeswarm/peerd/internal/piecestore"
)

// EndGameThreshold is the progress fraction at which the policy begins
// permitting duplicate outstanding requests for the same piece, per
// spec.md §4.3.
const EndGameThreshold = 0.95

// Policy chooses which piece to request next. The zero value is usable:
// RarityFallback defaults to disabled (rarity counts are required), mirror
// the spec's instruction that falling back to uniform-random selection be
// an explicit, runtime-configurable choice rather than a silent default.
type Policy struct {
	// RarityFallback, when true, selects uniformly at random among
	// eligible candidates instead of requiring rarity counts. Must be
	// set explicitly; see spec.md §4.3.
	RarityFallback bool
}

// Candidate pairs a piece index with how many connected sessions are known
// to hold it (its "rarity"), used for rarest-first tie-breaking.
type Candidate struct {
	Index  int
	Rarity int
}

// Select picks the next piece to request from a peer whose claimed
// availability is avail, given the torrent's current piece states, the set
// of pieces already in flight to other peers (excludeSet — ignored for any
// piece when endGame is true, per §4.3), and the rarity of each candidate
// (ignored when p.RarityFallback is true).
//
// Returns false if there is no eligible piece.
func (p Policy) Select(
	store *piecestore.Store,
	avail *bitset.BitSet,
	excludeSet map[int]bool,
	rarity map[int]int,
	endGame bool,
) (int, bool) {

	var candidates []Candidate
	for i, ok := avail.NextSet(0); ok; i, ok = avail.NextSet(i + 1) {
		idx := int(i)
		if idx >= store.NumPieces() {
			break
		}
		state := store.State(idx)
		if state == Verified {
			continue
		}
		if !endGame && (state == Requested || excludeSet[idx]) {
			continue
		}
		candidates = append(candidates, Candidate{Index: idx, Rarity: rarity[idx]})
	}

	if len(candidates) == 0 {
		return 0, false
	}
	if p.RarityFallback {
		return candidates[rand.Intn(len(candidates))].Index, true
	}
	return rarest(candidates), true
}

// rarest returns the index of the candidate with the lowest rarity count,
// breaking ties uniformly at random.
func rarest(candidates []Candidate) int {
	min := candidates[0].Rarity
	for _, c := range candidates[1:] {
		if c.Rarity < min {
			min = c.Rarity
		}
	}
	var tied []int
	for _, c := range candidates {
		if c.Rarity == min {
			tied = append(tied, c.Index)
		}
	}
	return tied[rand.Intn(len(tied))]
}

// InEndGame reports whether the policy should switch to end-game
// behavior, per spec.md §4.3: progress at or above EndGameThreshold with
// at least one piece still missing.
func InEndGame(progress float64, missing int) bool {
	return progress >= EndGameThreshold && missing > 0
}

// ComputeRarity counts, for each piece index, how many of the given
// availability maps include it. Intended to be called by the Swarm
// Manager over the availability maps of its currently Established
// sessions.
func ComputeRarity(numPieces int, availabilities []*bitset.BitSet) map[int]int {
	rarity := make(map[int]int, numPieces)
	for _, avail := range availabilities {
		for i, ok := avail.NextSet(0); ok; i, ok = avail.NextSet(i + 1) {
			idx := int(i)
			if idx >= numPieces {
				break
			}
			rarity[idx]++
		}
	}
	return rarity
}
