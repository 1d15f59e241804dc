// Package wire implements the POT message codec: parsing and
// serializing request, ACK, REP, REP+B, PUB, PUB+B and bundle frames.
// It is the only package that understands the wire grammar; every
// other package deals in Go structs.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tenzoki/potproxy/internal/wireerr"
)

// Kind identifies a client request's verb.
type Kind string

const (
	KindRead   Kind = "READ"
	KindWrite  Kind = "WRITE"
	KindID     Kind = "ID"
	KindConfig Kind = "CONFIG"
	KindHash   Kind = "HASH"
)

// MessageType identifies a response or broadcast's wire tag.
type MessageType string

const (
	MsgACK    MessageType = "ACK"
	MsgREP    MessageType = "REP"
	MsgREPBulk MessageType = "REP+B"
	MsgPUB    MessageType = "PUB"
	MsgPUBBulk MessageType = "PUB+B"
)

// BadFrame is returned for truncated, non-UTF-8, or otherwise malformed
// input. The codec tolerates unknown extra JSON fields (forward
// compatibility); it never errors on those. ErrType carries which wire
// error symbol the condition corresponds to, so callers can report it
// to clients without re-parsing Reason.
type BadFrame struct {
	ErrType wireerr.Type
	Reason  string
}

func (e *BadFrame) Error() string { return "bad frame: " + e.Reason }

func badFrame(errType wireerr.Type, format string, args ...interface{}) error {
	return &BadFrame{ErrType: errType, Reason: fmt.Sprintf(format, args...)}
}

// Request is a parsed client request, independent of which grammar
// (command-line text or JSON) it arrived in.
type Request struct {
	Kind Kind
	Name string          // fullname for READ/WRITE, store for CONFIG, optional store filter for ID/HASH
	ID   string           // transaction id; may be empty (caller fills one in)
	Data json.RawMessage // WRITE payload: {"name":..., "data":...}
}

// ParseClientFrame parses the text grammar from the external request
// socket body frame: "<KIND> [argument]". The transaction id is not
// part of this grammar — it travels as a separate frame on the router
// socket (see socket.RouterSocket) and is attached by the caller.
func ParseClientFrame(body []byte) (*Request, error) {
	if len(body) == 0 {
		return nil, badFrame(wireerr.ValueError, "empty request")
	}
	if !isValidUTF8Line(body) {
		return nil, badFrame(wireerr.ValueError, "non-UTF-8 request")
	}
	s := string(body)
	kindStr, rest := splitFirstToken(s)
	if kindStr == "" {
		return nil, badFrame(wireerr.ValueError, "missing request kind")
	}
	req := &Request{Kind: Kind(strings.ToUpper(kindStr))}
	switch req.Kind {
	case KindRead, KindConfig:
		req.Name = strings.TrimSpace(rest)
		if req.Name == "" {
			return nil, badFrame(wireerr.KeyError, "%s requires a name argument", req.Kind)
		}
	case KindHash:
		req.Name = strings.TrimSpace(rest)
	case KindID:
		req.Name = strings.TrimSpace(rest)
	case KindWrite:
		data := strings.TrimSpace(rest)
		if data == "" {
			return nil, badFrame(wireerr.KeyError, "WRITE requires a JSON argument")
		}
		var probe struct {
			Name string          `json:"name"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(data), &probe); err != nil {
			return nil, badFrame(wireerr.TypeError, "WRITE argument is not valid JSON: %v", err)
		}
		if probe.Name == "" {
			return nil, badFrame(wireerr.KeyError, "WRITE JSON missing 'name' field")
		}
		req.Name = probe.Name
		req.Data = []byte(data)
	default:
		// Unknown kind: let the caller (reqserver) emit the canonical
		// ValueError response; the codec itself only rejects malformed
		// framing, not unknown-but-well-formed commands.
	}
	return req, nil
}

// internalRequestJSON is the JSON request form accepted on the worker
// socket: {"request": KIND, "name": ..., "id": ..., "data": ...}.
type internalRequestJSON struct {
	Request string          `json:"request"`
	Name    string          `json:"name,omitempty"`
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EncodeWorkerRequest serializes a Request into the JSON form the worker
// expects on its request socket.
func EncodeWorkerRequest(req *Request) ([]byte, error) {
	out := internalRequestJSON{
		Request: string(req.Kind),
		Name:    req.Name,
		ID:      req.ID,
	}
	if req.Kind == KindWrite {
		var probe struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(req.Data, &probe); err == nil {
			out.Data = probe.Data
		}
	}
	return json.Marshal(out)
}

// ParseWorkerRequest parses the JSON request form, for symmetry and for
// internal_request() callers that build requests programmatically.
func ParseWorkerRequest(body []byte) (*Request, error) {
	var in internalRequestJSON
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, badFrame(wireerr.TypeError, "invalid JSON request: %v", err)
	}
	if in.Request == "" {
		return nil, badFrame(wireerr.KeyError, "missing 'request' field")
	}
	return &Request{Kind: Kind(in.Request), Name: in.Name, ID: in.ID, Data: in.Data}, nil
}

// Response is the JSON response descriptor:
// {message, id, time, name?, data?, error?}.
type Response struct {
	Message MessageType     `json:"message"`
	ID      string          `json:"id"`
	Time    float64         `json:"time"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *wireerr.Error  `json:"error,omitempty"`
}

// NewResponse stamps the current time and validates the id width.
func NewResponse(msg MessageType, id string) (*Response, error) {
	if !isEightHex(id) {
		return nil, badFrame(wireerr.ValueError, "id %q is not 8 hex digits", id)
	}
	return &Response{Message: msg, ID: id, Time: float64(time.Now().UnixNano()) / 1e9}, nil
}

// Encode serializes a response descriptor to its wire JSON form.
func (r *Response) Encode() ([]byte, error) {
	if !isEightHex(r.ID) {
		return nil, badFrame(wireerr.ValueError, "id %q is not 8 hex digits", r.ID)
	}
	return json.Marshal(r)
}

// DecodeResponse parses a response descriptor frame, tolerating unknown
// extra fields.
func DecodeResponse(body []byte) (*Response, error) {
	if !isValidUTF8Line(body) {
		return nil, badFrame(wireerr.ValueError, "non-UTF-8 response")
	}
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, badFrame(wireerr.TypeError, "invalid JSON response: %v", err)
	}
	if r.Message == "" {
		return nil, badFrame(wireerr.KeyError, "response missing 'message' field")
	}
	if !isEightHex(r.ID) {
		return nil, badFrame(wireerr.ValueError, "response id %q is not 8 hex digits", r.ID)
	}
	return &r, nil
}

// BulkFrame is the second frame of a +B transaction:
// "<name>;bulk <id-hex> <raw bytes>".
type BulkFrame struct {
	Topic   string // "<name>;bulk"
	ID      string
	Payload []byte
}

const bulkSuffix = ";bulk"
const bundleSuffix = ";bundle"

// EncodeBulkFrame serializes a bulk second frame. Payload may contain any
// octet, including spaces; only the first two whitespace-delimited
// fields (topic, id) are structured.
func EncodeBulkFrame(topic, id string, payload []byte) []byte {
	head := []byte(topic + " " + id + " ")
	return append(head, payload...)
}

// DecodeBulkFrame splits a bulk frame into topic, id hex, and raw
// payload. The second space is the only delimiter that matters; the
// payload itself is never re-tokenized.
func DecodeBulkFrame(frame []byte) (*BulkFrame, error) {
	firstSpace := indexByte(frame, ' ')
	if firstSpace < 0 {
		return nil, badFrame(wireerr.ValueError, "bulk frame missing topic/id separator")
	}
	topic := string(frame[:firstSpace])
	if !strings.HasSuffix(topic, bulkSuffix) {
		return nil, badFrame(wireerr.ValueError, "bulk frame topic %q missing %q suffix", topic, bulkSuffix)
	}
	rest := frame[firstSpace+1:]
	secondSpace := indexByte(rest, ' ')
	if secondSpace < 0 {
		return nil, badFrame(wireerr.ValueError, "bulk frame missing id/payload separator")
	}
	id := string(rest[:secondSpace])
	if !isEightHex(id) {
		return nil, badFrame(wireerr.ValueError, "bulk frame id %q is not 8 hex digits", id)
	}
	payload := rest[secondSpace+1:]
	return &BulkFrame{Topic: topic, ID: id, Payload: payload}, nil
}

// BroadcastFrame is a parsed publish frame: "<topic> <json>" where topic
// is a plain fullname, a ";bulk"-suffixed fullname (handled separately,
// see BulkFrame), or a ";bundle"-suffixed prefix.
type BroadcastFrame struct {
	Topic   string
	Payload json.RawMessage
}

// IsBundle reports whether the topic carries the bundle suffix.
func (b *BroadcastFrame) IsBundle() bool {
	return strings.HasSuffix(b.Topic, bundleSuffix)
}

// DecodeBroadcastFrame splits "<topic> <json>" into topic and payload.
func DecodeBroadcastFrame(frame []byte) (*BroadcastFrame, error) {
	sp := indexByte(frame, ' ')
	if sp < 0 {
		return nil, badFrame(wireerr.ValueError, "broadcast frame missing topic/payload separator")
	}
	topic := string(frame[:sp])
	payload := frame[sp+1:]
	if !isValidUTF8Line(payload) {
		return nil, badFrame(wireerr.ValueError, "non-UTF-8 broadcast payload")
	}
	return &BroadcastFrame{Topic: topic, Payload: json.RawMessage(payload)}, nil
}

// EncodeBroadcastFrame is the inverse of DecodeBroadcastFrame.
func EncodeBroadcastFrame(topic string, payload json.RawMessage) []byte {
	return append([]byte(topic+" "), payload...)
}

// BundleElements unmarshals a bundle payload into its PUB descriptors,
// verifying every element shares the same transaction id.
func BundleElements(payload json.RawMessage) ([]*Response, error) {
	var elems []*Response
	if err := json.Unmarshal(payload, &elems); err != nil {
		return nil, badFrame(wireerr.TypeError, "invalid bundle JSON array: %v", err)
	}
	if len(elems) == 0 {
		return elems, nil
	}
	id := elems[0].ID
	for i, e := range elems {
		if e.ID != id {
			return nil, badFrame(wireerr.ValueError, "bundle element %d id %q does not match %q", i, e.ID, id)
		}
	}
	return elems, nil
}

// ValidID reports whether s is exactly eight lowercase hex digits, the
// only form a transaction id may take on the wire.
func ValidID(s string) bool {
	return isEightHex(s)
}

// --- small helpers (kept dependency-free on purpose; strings/unicode/utf8 only) ---

func isEightHex(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func splitFirstToken(s string) (first, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func isValidUTF8Line(b []byte) bool {
	return utf8.Valid(b)
}
