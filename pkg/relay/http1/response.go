package http1

import (
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"
)

// Response is what a Responder returns. The handler adds Content-Length,
// Connection and, when compressing, Content-Encoding and Vary.
type Response struct {
	Status int
	Header textproto.MIMEHeader
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(textproto.MIMEHeader)}
}

// Text returns a text/plain response.
func Text(status int, body string) *Response {
	r := NewResponse(status)
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	r.Body = []byte(body)
	return r
}

// bodyAllowed reports whether a response with status may carry a body.
func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

var (
	gzipWriters = sync.Pool{
		New: func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
			return w
		},
	}
	brotliWriters = sync.Pool{
		New: func() interface{} {
			return brotli.NewWriterLevel(nil, brotli.DefaultCompression)
		},
	}
)

// negotiateEncoding picks "br" or "gzip" from Accept-Encoding values, or ""
// when neither is acceptable. br wins ties.
func negotiateEncoding(values []string) string {
	var br, gz float64 = -1, -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, q := parseQuality(part)
			switch name {
			case "br":
				br = q
			case "gzip", "x-gzip":
				gz = q
			case "*":
				if br < 0 {
					br = q
				}
				if gz < 0 {
					gz = q
				}
			}
		}
	}
	switch {
	case br > 0 && br >= gz:
		return "br"
	case gz > 0:
		return "gzip"
	}
	return ""
}

func parseQuality(part string) (string, float64) {
	name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
	name = strings.ToLower(strings.TrimSpace(name))
	q := 1.0
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "q") {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
	}
	return name, q
}

// compressible reports whether a content type benefits from compression.
func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "xml"),
		strings.HasPrefix(ct, "image/svg"):
		return true
	}
	return false
}

// compress encodes body into dst with encoding.
func compress(dst io.Writer, encoding string, body []byte) error {
	switch encoding {
	case "br":
		w := brotliWriters.Get().(*brotli.Writer)
		defer brotliWriters.Put(w)
		w.Reset(dst)
		if _, err := w.Write(body); err != nil {
			return err
		}
		return w.Close()
	default:
		w := gzipWriters.Get().(*gzip.Writer)
		defer gzipWriters.Put(w)
		w.Reset(dst)
		if _, err := w.Write(body); err != nil {
			return err
		}
		return w.Close()
	}
}

// writeResponse serializes resp into a pooled buffer and writes it in one
// call. head suppresses the body of a HEAD response.
func writeResponse(w io.Writer, resp *Response, head, closing bool, encoding string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if resp.Header == nil {
		resp.Header = make(textproto.MIMEHeader)
	}

	body := resp.Body
	if encoding != "" && bodyAllowed(resp.Status) {
		zbuf := bytebufferpool.Get()
		defer bytebufferpool.Put(zbuf)
		if err := compress(zbuf, encoding, body); err == nil && zbuf.Len() < len(body) {
			body = zbuf.B
			resp.Header.Set("Content-Encoding", encoding)
		}
		resp.Header.Add("Vary", "Accept-Encoding")
	}

	if bodyAllowed(resp.Status) {
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		resp.Header.Del("Content-Length")
		body = nil
	}
	if closing {
		resp.Header.Set("Connection", "close")
	}

	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(resp.Status))
	buf.WriteString(" ")
	buf.WriteString(http.StatusText(resp.Status))
	buf.WriteString("\r\n")

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")

	if !head {
		buf.Write(body)
	}

	_, err := w.Write(buf.B)
	return err
}
