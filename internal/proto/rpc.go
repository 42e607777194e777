package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/google/uuid"
)

const (
	MethodOpenAuction     = "openAuction"
	MethodPlaceBid        = "placeBid"
	MethodCloseAuction    = "closeAuction"
	MethodGetOpenAuctions = "getOpenAuctions"
	MethodGetAuction      = "getAuction"

	MethodAnnounce = "announce"
	MethodLookup   = "lookup"
)

// Failure codes carried next to the human readable error text.
const (
	CodeDuplicateID      = "duplicate_id"
	CodeNotFound         = "not_found"
	CodeBidTooLow        = "bid_too_low"
	CodeMalformedPayload = "malformed_payload"
	CodeUnknownMethod    = "unknown_method"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Frames are a 4-byte big-endian length followed by one JSON document.
const (
	MaxResponseSize = 1 << 20
	MaxRequestSize  = 16 << 10

	MaxDescriptionBytes = 1 << 10
	MaxBidderBytes      = 128
	MaxAddrBytes        = 256

	// method name, uuid, numbers, hex keys and JSON punctuation
	baseRequestSize = 512
	// json.Marshal may expand a string byte to a \u00XX escape
	maxEscape = 6
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrFrameTooLarge    = errors.New("frame too large")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

type Request struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope every method answers with.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func OK() Response {
	return Response{Success: true}
}

func Failure(code string, err error) Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Response{Success: false, Error: msg, Code: code}
}

func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error}
}

// RemoteError is a failure envelope surfaced on the caller side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return e.Message
}

func EncodeRequest(method string, payload any) ([]byte, error) {
	if method == "" {
		return nil, errors.New("missing method")
	}
	req := Request{Method: method}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req.Payload = raw
	}
	return json.Marshal(req)
}

// RequestCap is the largest encoded request accepted for method. Unknown
// methods get the base allowance so they can still be answered.
func RequestCap(method string) int {
	switch method {
	case MethodOpenAuction:
		return baseRequestSize + maxEscape*MaxDescriptionBytes
	case MethodPlaceBid:
		return baseRequestSize + maxEscape*MaxBidderBytes
	case MethodAnnounce:
		return baseRequestSize + maxEscape*MaxAddrBytes + MaxAnnouncePayload
	default:
		return baseRequestSize
	}
}

// WriteFrame writes body behind its length prefix in a single Write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return errors.New("empty frame")
	}
	if len(body) > MaxResponseSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, malformed("empty frame")
	}
	if uint64(n) > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRequest reads one request frame and decodes it. A frame larger than
// MaxRequestSize is refused unread; a decoded request larger than its
// method's cap fails as malformed.
func ReadRequest(r io.Reader) (Request, error) {
	data, err := readFrame(r, MaxRequestSize)
	if err != nil {
		return Request{}, err
	}
	req, err := DecodeRequest(data)
	if err != nil {
		return Request{}, err
	}
	if limit := RequestCap(req.Method); len(data) > limit {
		return Request{}, fmt.Errorf("%w: %w: %s request of %d bytes exceeds %d",
			ErrMalformedPayload, ErrFrameTooLarge, req.Method, len(data), limit)
	}
	return req, nil
}

func ReadResponse(r io.Reader) ([]byte, error) {
	return readFrame(r, MaxResponseSize)
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, malformed("request: %v", err)
	}
	if strings.TrimSpace(req.Method) == "" {
		return Request{}, malformed("missing method")
	}
	return req, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return malformed("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return malformed("%v", err)
	}
	return nil
}

// DecodeResponse decodes any envelope shape into out and returns its header.
func DecodeResponse(data []byte, out any) (Response, error) {
	var hdr Response
	if err := json.Unmarshal(data, &hdr); err != nil {
		return Response{}, malformed("response: %v", err)
	}
	if out != nil && hdr.Success {
		if err := json.Unmarshal(data, out); err != nil {
			return Response{}, malformed("response body: %v", err)
		}
	}
	return hdr, nil
}

func ValidAuctionID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
