package mutation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/eitri-vcs/eitri/internal/node"
)

// Record wire format (version 1). Each record is framed by a uvarint body
// length so that readers can skip fields appended by newer writers.
//
// Record body:
//   byte(origin)                  // provenance tag
//   20 bytes successor            // node this record explains
//   uvarint(len(preds))           // predecessor count, never zero
//   repeat: 20 bytes predecessor
//   uvarint(len(split))           // split sibling count, zero if no split
//   repeat: 20 bytes sibling
//   uvarint(len(op))              // operation label length
//   bytes(op)
//   uvarint(len(user))            // user string length
//   bytes(user)
//   8 bytes float64 big-endian    // time, seconds since epoch
//   4 bytes int32 big-endian      // timezone offset, seconds
//
// Unknown bytes after the timezone offset are ignored; a body shorter than
// the known fields is a hard parse error.

// EncodeRecord appends the framed record encoding of e to buf.
func EncodeRecord(buf *bytes.Buffer, e *Entry) {
	var body bytes.Buffer
	body.WriteByte(byte(e.Origin))
	body.Write(e.Succ[:])
	writeUvarint(&body, uint64(len(e.Preds)))
	for _, p := range e.Preds {
		body.Write(p[:])
	}
	writeUvarint(&body, uint64(len(e.Split)))
	for _, s := range e.Split {
		body.Write(s[:])
	}
	writeUvarint(&body, uint64(len(e.Op)))
	body.WriteString(e.Op)
	writeUvarint(&body, uint64(len(e.User)))
	body.WriteString(e.User)

	var f64 [8]byte
	binary.BigEndian.PutUint64(f64[:], math.Float64bits(e.Time))
	body.Write(f64[:])
	var tz [4]byte
	binary.BigEndian.PutUint32(tz[:], uint32(e.TZ))
	body.Write(tz[:])

	writeUvarint(buf, uint64(body.Len()))
	buf.Write(body.Bytes())
}

// DecodeRecord reads one framed record from r. It tolerates unknown
// trailing fields inside the frame but rejects a structurally truncated
// body.
func DecodeRecord(r *bytes.Reader) (*Entry, error) {
	bodyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read record length: %w", err)
	}
	if uint64(r.Len()) < bodyLen {
		return nil, fmt.Errorf("truncated record: want %d bytes, have %d", bodyLen, r.Len())
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read record body: %w", err)
	}

	br := bytes.NewReader(body)
	e := &Entry{}

	origin, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated record: origin: %w", err)
	}
	e.Origin = Origin(origin)

	if e.Succ, err = readNode(br); err != nil {
		return nil, fmt.Errorf("truncated record: successor: %w", err)
	}
	if e.Preds, err = readNodeList(br); err != nil {
		return nil, fmt.Errorf("truncated record: predecessors: %w", err)
	}
	if len(e.Preds) == 0 {
		return nil, fmt.Errorf("record for %s has no predecessors", e.Succ.Short())
	}
	if e.Split, err = readNodeList(br); err != nil {
		return nil, fmt.Errorf("truncated record: split: %w", err)
	}
	if len(e.Split) == 0 {
		e.Split = nil
	}
	if e.Op, err = readString(br); err != nil {
		return nil, fmt.Errorf("truncated record: operation: %w", err)
	}
	if e.User, err = readString(br); err != nil {
		return nil, fmt.Errorf("truncated record: user: %w", err)
	}

	var f64 [8]byte
	if _, err := io.ReadFull(br, f64[:]); err != nil {
		return nil, fmt.Errorf("truncated record: time: %w", err)
	}
	e.Time = math.Float64frombits(binary.BigEndian.Uint64(f64[:]))

	var tz [4]byte
	if _, err := io.ReadFull(br, tz[:]); err != nil {
		return nil, fmt.Errorf("truncated record: timezone: %w", err)
	}
	e.TZ = int32(binary.BigEndian.Uint32(tz[:]))

	// Remaining body bytes belong to fields this version does not know.
	return e, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readNode(r *bytes.Reader) (node.Node, error) {
	var n node.Node
	_, err := io.ReadFull(r, n[:])
	return n, err
}

func readNodeList(r *bytes.Reader) ([]node.Node, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if count > uint64(r.Len())/node.Size {
		return nil, fmt.Errorf("node list count %d exceeds remaining data", count)
	}
	nodes := make([]node.Node, count)
	for i := range nodes {
		if nodes[i], err = readNode(r); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func readString(r *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if length > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining data", length)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
