package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kenkendk/slimdht/dhtkey"
)

// Operation tags the four RPC primitives a peer exposes to others.
type Operation uint8

const (
	OpPing Operation = iota
	OpStore
	OpFindPeer
	OpFindValue
)

func (op Operation) String() string {
	switch op {
	case OpPing:
		return "PING"
	case OpStore:
		return "STORE"
	case OpFindPeer:
		return "FIND_PEER"
	case OpFindValue:
		return "FIND_VALUE"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(op))
	}
}

// PeerInfo is the wire shape of a peer identity: a key plus a
// dialable address, carried as a separate IP string and port rather
// than one address string.
type PeerInfo struct {
	Key  dhtkey.Key
	IP   string
	Port uint16
}

// Request is an outbound RPC call.
type Request struct {
	ID     uint64
	Op     Operation
	Sender PeerInfo
	Target dhtkey.Key
	Data   []byte
}

// Response answers a Request. It is a success/failure sum type rather
// than an error value: Success distinguishes the two, and the caller
// inspects Data/Peers on success or FailureKind/Message on failure.
type Response struct {
	ID          uint64
	Sender      PeerInfo
	Success     bool
	Data        []byte
	Peers       []PeerInfo
	FailureKind string
	Message     string
}

const (
	kindRequest  byte = 1
	kindResponse byte = 2
)

// EncodeRequest serializes a Request for WriteFrame.
func EncodeRequest(r *Request) []byte {
	var buf bytes.Buffer
	buf.WriteByte(kindRequest)
	writeUint64(&buf, r.ID)
	buf.WriteByte(byte(r.Op))
	writePeerInfo(&buf, r.Sender)
	writeKey(&buf, r.Target)
	writeBlob(&buf, r.Data)
	return buf.Bytes()
}

// EncodeResponse serializes a Response for WriteFrame.
func EncodeResponse(r *Response) []byte {
	var buf bytes.Buffer
	buf.WriteByte(kindResponse)
	writeUint64(&buf, r.ID)
	writePeerInfo(&buf, r.Sender)
	writeBool(&buf, r.Success)
	writeBlob(&buf, r.Data)
	writeUint16(&buf, uint16(len(r.Peers)))
	for _, p := range r.Peers {
		writePeerInfo(&buf, p)
	}
	writeString(&buf, r.FailureKind)
	writeString16(&buf, r.Message)
	return buf.Bytes()
}

// Decode parses a message produced by EncodeRequest or EncodeResponse,
// returning whichever of req/resp applies.
func Decode(payload []byte) (req *Request, resp *Response, err error) {
	r := bytes.NewReader(payload)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: decode: %w", err)
	}
	switch kind {
	case kindRequest:
		req, err = decodeRequest(r)
		return req, nil, err
	case kindResponse:
		resp, err = decodeResponse(r)
		return nil, resp, err
	default:
		return nil, nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}
}

func decodeRequest(r *bytes.Reader) (*Request, error) {
	req := &Request{}
	var err error
	if req.ID, err = readUint64(r); err != nil {
		return nil, err
	}
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	req.Op = Operation(opByte)
	if req.Sender, err = readPeerInfo(r); err != nil {
		return nil, err
	}
	if req.Target, err = readKey(r); err != nil {
		return nil, err
	}
	if req.Data, err = readBlob(r); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeResponse(r *bytes.Reader) (*Response, error) {
	resp := &Response{}
	var err error
	if resp.ID, err = readUint64(r); err != nil {
		return nil, err
	}
	if resp.Sender, err = readPeerInfo(r); err != nil {
		return nil, err
	}
	if resp.Success, err = readBool(r); err != nil {
		return nil, err
	}
	if resp.Data, err = readBlob(r); err != nil {
		return nil, err
	}
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	resp.Peers = make([]PeerInfo, n)
	for i := range resp.Peers {
		if resp.Peers[i], err = readPeerInfo(r); err != nil {
			return nil, err
		}
	}
	if resp.FailureKind, err = readString(r); err != nil {
		return nil, err
	}
	if resp.Message, err = readString16(r); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- primitive helpers -----------------------------------------------------

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func writeKey(buf *bytes.Buffer, k dhtkey.Key) {
	b := k.Bytes()
	buf.Write(b[:])
}

func readKey(r *bytes.Reader) (dhtkey.Key, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return dhtkey.Key{}, err
	}
	return dhtkey.FromBytes(b), nil
}

// writeString/readString: 1-byte length prefix, for short fields such
// as an IP text form or a failure kind tag.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// writeString16/readString16: 2-byte length prefix, for human-readable
// failure messages that may exceed 255 bytes.
func writeString16(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readString16(r *bytes.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// writeBlob/readBlob: 4-byte length prefix, for STORE/FIND_VALUE
// payloads which are not bounded to 64KB.
func writeBlob(buf *bytes.Buffer, b []byte) {
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(b)))
	buf.Write(lenb[:])
	buf.Write(b)
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var lenb [4]byte
	if _, err := io.ReadFull(r, lenb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenb[:])
	if n == 0 {
		// keep "no data" as nil so a data-less message round-trips to
		// the absent form, not an empty slice
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writePeerInfo(buf *bytes.Buffer, p PeerInfo) {
	writeKey(buf, p.Key)
	writeString(buf, p.IP)
	writeUint16(buf, p.Port)
}

func readPeerInfo(r *bytes.Reader) (PeerInfo, error) {
	var p PeerInfo
	var err error
	if p.Key, err = readKey(r); err != nil {
		return p, err
	}
	if p.IP, err = readString(r); err != nil {
		return p, err
	}
	if p.Port, err = readUint16(r); err != nil {
		return p, err
	}
	return p, nil
}
