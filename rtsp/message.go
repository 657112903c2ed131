package rtsp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// Size limits for one request.
const (
	MaxBodySize   = 1 << 20
	MaxHeaderSize = 64 << 10
)

// Protocol versions accepted on the control channel. Pairing requests
// arrive as HTTP posts on the same connection.
const (
	ProtoRTSP = "RTSP/1.0"
	ProtoHTTP = "HTTP/1.1"
)

// Request is one parsed control request.
type Request struct {
	Method string
	URL    string
	Proto  string
	Header textproto.MIMEHeader
	Body   []byte
}

// CSeq returns the request's sequence header.
func (r *Request) CSeq() string {
	return r.Header.Get("CSeq")
}

// ContentType returns the media type without parameters.
func (r *Request) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// ReadRequest reads one request from br. io.EOF is returned unwrapped when
// the peer closed the connection between requests.
//
// For ErrMalformedRequest and ErrBodyTooLarge the returned request is not
// nil when the header block was read, so the caller can echo its CSeq.
// After ErrBodyTooLarge or ErrHeaderTooLarge the stream position is lost.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	head, err := readHead(br)
	if err != nil {
		return nil, err
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, oops.Wrapf(ErrMalformedRequest, "request line: %v", err)
	}
	req, lineErr := parseRequestLine(line)

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, oops.Wrapf(ErrMalformedRequest, "header block: %v", err)
	}
	req.Header = header
	if lineErr != nil {
		return req, lineErr
	}

	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return req, oops.Wrapf(ErrMalformedRequest, "content-length %q", cl)
		}
		if n > MaxBodySize {
			return req, oops.Wrapf(ErrBodyTooLarge, "%d bytes", n)
		}
		req.Body = make([]byte, n)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			return nil, oops.Wrapf(io.ErrUnexpectedEOF, "body of %d bytes: %v", n, err)
		}
	}
	return req, nil
}

// readHead returns the start line and header block up to and including
// the blank line that ends them, never buffering more than MaxHeaderSize.
// Blank lines before the start line are skipped.
func readHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	lineStart := 0
	for {
		chunk, err := br.ReadSlice('\n')
		if len(head)+len(chunk) > MaxHeaderSize {
			return nil, oops.Wrapf(ErrHeaderTooLarge, "more than %d bytes", MaxHeaderSize)
		}
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			head = append(head, chunk...)
			continue
		case errors.Is(err, io.EOF):
			if len(head) == 0 && len(chunk) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, oops.Wrapf(err, "failed to read request head")
		}

		head = append(head, chunk...)
		line := head[lineStart:]
		lineStart = len(head)
		if len(bytes.TrimRight(line, "\r\n")) != 0 {
			continue
		}
		if len(line) == len(head) {
			// Stray blank line between pipelined requests.
			head, lineStart = head[:0], 0
			continue
		}
		return head, nil
	}
}

// parseRequestLine always returns a request so the header block can still
// be attached to it.
func parseRequestLine(line string) (*Request, error) {
	req := &Request{Proto: ProtoRTSP}
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return req, oops.Wrapf(ErrMalformedRequest, "request line %q", line)
	}
	switch parts[2] {
	case ProtoRTSP, ProtoHTTP:
	default:
		return req, oops.Wrapf(ErrMalformedRequest, "unsupported protocol %q", parts[2])
	}
	req.Proto = parts[2]
	for _, c := range parts[0] {
		if (c < 'A' || c > 'Z') && c != '_' && c != '-' {
			return req, oops.Wrapf(ErrMalformedRequest, "method %q", parts[0])
		}
	}
	req.Method, req.URL = parts[0], parts[1]
	return req, nil
}

// Response is a control response. Write fills in CSeq and Content-Length.
type Response struct {
	StatusCode int
	Reason     string
	Header     textproto.MIMEHeader
	Body       []byte
}

// NewResponse returns a response with the standard reason phrase.
func NewResponse(status int) *Response {
	return &Response{
		StatusCode: status,
		Reason:     StatusText(status),
		Header:     make(textproto.MIMEHeader),
	}
}

// SetBody sets the body and its content type.
func (r *Response) SetBody(contentType string, body []byte) {
	r.Header.Set("Content-Type", contentType)
	r.Body = body
}

// Write serializes the response, echoing cseq.
func (r *Response) Write(w io.Writer, proto, cseq string) error {
	if proto == "" {
		proto = ProtoRTSP
	}
	reason := r.Reason
	if reason == "" {
		reason = StatusText(r.StatusCode)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", proto, r.StatusCode, reason)
	if cseq != "" {
		fmt.Fprintf(&buf, "CSeq: %s\r\n", cseq)
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		switch k {
		case "Cseq", "Content-Length":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(r.Body))
	buf.Write(r.Body)

	_, err := w.Write(buf.Bytes())
	return err
}

// Status codes used on the control channel.
const (
	StatusOK                     = 200
	StatusBadRequest             = 400
	StatusUnauthorized           = 401
	StatusForbidden              = 403
	StatusNotFound               = 404
	StatusRequestEntityTooLarge  = 413
	StatusUnsupportedMediaType   = 415
	StatusHeaderFieldsTooLarge   = 431
	StatusNotEnoughBandwidth     = 453
	StatusSessionNotFound        = 454
	StatusMethodNotValidInState  = 455
	StatusUnsupportedTransport   = 461
	StatusConnectionAuthRequired = 470
	StatusInternalServerError    = 500
	StatusNotImplemented         = 501
	StatusServiceUnavailable     = 503
)

var statusText = map[int]string{
	StatusOK:                     "OK",
	StatusBadRequest:             "Bad Request",
	StatusUnauthorized:           "Unauthorized",
	StatusForbidden:              "Forbidden",
	StatusNotFound:               "Not Found",
	StatusRequestEntityTooLarge:  "Request Entity Too Large",
	StatusUnsupportedMediaType:   "Unsupported Media Type",
	StatusHeaderFieldsTooLarge:   "Request Header Fields Too Large",
	StatusNotEnoughBandwidth:     "Not Enough Bandwidth",
	StatusSessionNotFound:        "Session Not Found",
	StatusMethodNotValidInState:  "Method Not Valid in This State",
	StatusUnsupportedTransport:   "Unsupported Transport",
	StatusConnectionAuthRequired: "Connection Authorization Required",
	StatusInternalServerError:    "Internal Server Error",
	StatusNotImplemented:         "Not Implemented",
	StatusServiceUnavailable:     "Service Unavailable",
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Status " + strconv.Itoa(code)
}
