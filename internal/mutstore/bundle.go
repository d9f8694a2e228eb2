package mutstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/eitri-vcs/eitri/internal/mutation"
	"github.com/eitri-vcs/eitri/internal/node"
)

// Bundle layout:
//
//	"EMB1"                         // magic + format version
//	zstd(uvarint(count) + records) // framed records, see mutation codec
//	32 bytes BLAKE3-256            // trailer over everything before it
//
// The trailer lets the exchange layer reject a corrupt or truncated
// bundle before attempting to parse it.

var magicBundle = []byte{'E', 'M', 'B', '1'}

// ErrMalformedBundle is the base error for any structurally invalid
// bundle. Nothing from a malformed bundle is ever applied.
var ErrMalformedBundle = errors.New("malformed mutation bundle")

// Bundle serializes the closure of entries needed to explain nodes,
// walking predecessors transitively, for transmission alongside commit
// data. Split siblings resolve through their head so that bundling any
// member of a split carries the whole rewrite.
func Bundle(s Store, nodes []node.Node) ([]byte, error) {
	var records []*mutation.Entry
	seen := node.NewSet()
	queue := append([]node.Node(nil), nodes...)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen.Has(n) {
			continue
		}
		seen.Add(n)

		e, err := s.Get(n)
		if err != nil {
			return nil, err
		}
		if e == nil {
			if head, ok, err := s.GetSplitHead(n); err != nil {
				return nil, err
			} else if ok {
				queue = append(queue, head)
			}
			continue
		}
		records = append(records, e)
		queue = append(queue, e.Preds...)
	}

	var payload bytes.Buffer
	var count [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(count[:], uint64(len(records)))
	payload.Write(count[:n])
	for _, e := range records {
		mutation.EncodeRecord(&payload, e)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	out := append([]byte(nil), magicBundle...)
	out = enc.EncodeAll(payload.Bytes(), out)

	sum := blake3.Sum256(out)
	return append(out, sum[:]...), nil
}

// Unbundle verifies and decodes a bundle into entries, to be fed to
// Store.Add. Any structural defect is a hard parse error with nothing
// decoded.
func Unbundle(data []byte) ([]*mutation.Entry, error) {
	if len(data) < len(magicBundle)+32 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrMalformedBundle, len(data))
	}
	if !bytes.Equal(data[:len(magicBundle)], magicBundle) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedBundle)
	}

	body := data[:len(data)-32]
	var trailer [32]byte
	copy(trailer[:], data[len(data)-32:])
	if blake3.Sum256(body) != trailer {
		return nil, fmt.Errorf("%w: integrity trailer mismatch", ErrMalformedBundle)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(body[len(magicBundle):], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformedBundle, err)
	}

	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: record count: %v", ErrMalformedBundle, err)
	}
	// The count comes from the peer; bound it by the remaining payload
	// before allocating.
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: record count %d exceeds remaining data", ErrMalformedBundle, count)
	}

	entries := make([]*mutation.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		e, err := mutation.DecodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedBundle, i, err)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedBundle, i, err)
		}
		entries = append(entries, e)
	}
	// Bytes after the last record belong to future bundle sections.
	return entries, nil
}
