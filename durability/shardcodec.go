// Package durability implements Reed-Solomon erasure coding for blob storage adapters that
// want to survive losing or corrupting a handful of the shards a blob is split across.
package durability

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ShardCodec splits a blob into DataShards data shards plus ParityShards parity shards, and
// can reconstruct the blob from any ShardSet with at most ParityShards fragments missing or
// corrupted.
type ShardCodec struct {
	DataShards   int
	ParityShards int
	enc          reedsolomon.Encoder
}

// NewShardCodec builds a codec for the given data/parity split.
func NewShardCodec(dataShards, parityShards int) (*ShardCodec, error) {
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("durability: sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &ShardCodec{DataShards: dataShards, ParityShards: parityShards, enc: enc}, nil
}

// ShardSet is the unit a blob-storing adapter keeps around for one blob: the erasure-coded
// fragments, a checksum per fragment so Decode can tell "corrupted" from "missing", and the
// zero-padding Encode added to make the fragments equal length. It travels as a single value
// so a caller never has to keep fragments and their metadata in sync across two slices.
type ShardSet struct {
	PadCount  byte     `json:"padCount"`
	Shards    [][]byte `json:"shards"`
	Checksums [][]byte `json:"checksums"`
}

// Encode splits data into a ShardSet: DataShards data fragments plus ParityShards parity
// fragments computed from them, each carrying a checksum of its own contents.
func (c *ShardCodec) Encode(data []byte) (*ShardSet, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}

	set := &ShardSet{Shards: shards, Checksums: make([][]byte, len(shards))}
	if rem := len(data) % c.DataShards; rem != 0 {
		set.PadCount = byte(c.DataShards - rem)
	}
	for i, s := range shards {
		set.Checksums[i] = checksum(s)
	}
	return set, nil
}

func checksum(shard []byte) []byte {
	sum := sha256.Sum256(shard)
	return sum[:]
}

// badFragments reports which indices in set.Shards are missing (nil) or present but fail
// their recorded checksum. A fragment with no recorded checksum is trusted as-is; that lets
// a caller carry a ShardSet whose checksums weren't persisted and still decode it so long as
// nothing is actually missing.
func (c *ShardCodec) badFragments(set *ShardSet) (missing, corrupted []int) {
	for i, s := range set.Shards {
		if s == nil {
			missing = append(missing, i)
			continue
		}
		if i < len(set.Checksums) && set.Checksums[i] != nil && !bytes.Equal(checksum(s), set.Checksums[i]) {
			corrupted = append(corrupted, i)
		}
	}
	return missing, corrupted
}

// DecodeResult carries the reassembled blob plus the indices of any fragment that had to be
// reconstructed because it was missing or failed its checksum.
type DecodeResult struct {
	Data     []byte
	Repaired []int
	Err      error
}

// Decode reassembles set back into the original blob. It first classifies every fragment as
// missing, corrupted, or good, zeroes out the corrupted ones, and asks the Reed-Solomon
// encoder to reconstruct everything classified bad in a single pass; it only falls back to a
// second verify/reconstruct round if that classification turns out to have been wrong (the
// fragment's recorded checksum disagreeing with what the encoder actually needed).
func (c *ShardCodec) Decode(set *ShardSet) *DecodeResult {
	if len(set.Shards) == 0 {
		return &DecodeResult{Err: fmt.Errorf("durability: shard set is empty")}
	}

	missing, corrupted := c.badFragments(set)
	repaired := append(append([]int(nil), missing...), corrupted...)

	if len(repaired) > 0 {
		bad := make([]bool, len(set.Shards))
		for _, i := range repaired {
			bad[i] = true
			set.Shards[i] = nil
		}
		if err := c.enc.ReconstructSome(set.Shards, bad); err != nil {
			return &DecodeResult{Err: fmt.Errorf("durability: reconstructing %d fragment(s): %w", len(repaired), err)}
		}
	}

	if ok, _ := c.enc.Verify(set.Shards); !ok {
		// The checksums said those fragments were the only bad ones, but the encoder
		// still rejects the result: something beyond what Checksums tracked is wrong.
		// Retry once: reconstruct any fragment still missing and verify again.
		retried, err := c.reconstructByVerification(set)
		if err != nil {
			return &DecodeResult{Err: err}
		}
		repaired = retried
	}

	out, err := c.join(set)
	if err != nil {
		return &DecodeResult{Err: err}
	}
	return &DecodeResult{Data: out, Repaired: repaired}
}

// reconstructByVerification is the fallback path once reedsolomon.Verify has rejected a set:
// it reconstructs every fragment that is still nil and runs Verify again, reporting the set
// as unrecoverable if that check fails too. It does not use Verify to locate a corrupted
// fragment that is present.
func (c *ShardCodec) reconstructByVerification(set *ShardSet) ([]int, error) {
	var bad []int
	need := make([]bool, len(set.Shards))
	for i := range set.Shards {
		if set.Shards[i] == nil {
			need[i] = true
			bad = append(bad, i)
		}
	}
	if err := c.enc.ReconstructSome(set.Shards, need); err != nil {
		return nil, fmt.Errorf("durability: verification-driven reconstruction: %w", err)
	}
	if ok, err := c.enc.Verify(set.Shards); !ok {
		return nil, fmt.Errorf("durability: shard set unrecoverable: %w", err)
	}
	return bad, nil
}

func (c *ShardCodec) join(set *ShardSet) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := c.enc.Join(w, set.Shards, len(set.Shards[0])*c.DataShards); err != nil {
		return nil, fmt.Errorf("durability: join: %w", err)
	}
	w.Flush()
	out := make([]byte, buf.Len()-int(set.PadCount))
	copy(out, buf.Bytes())
	return out, nil
}
