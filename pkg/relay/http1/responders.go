package http1

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Info answers every request with a plain text description of it. It is the
// default responder of the relay binary.
func Info() Responder {
	return ResponderFunc(func(req *Request) *Response {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %s\n", req.Method, req.URL.Path, req.Proto)
		fmt.Fprintf(&b, "host: %s\n", req.Host)
		fmt.Fprintf(&b, "client: %s\n", req.Peer.IP)
		if req.Peer.Country != "" {
			fmt.Fprintf(&b, "country: %s\n", req.Peer.Country)
		}
		fmt.Fprintf(&b, "secure: %t\n", req.Secure)
		fmt.Fprintf(&b, "reuse: %d\n", req.Reuse)
		if len(req.Body) > 0 {
			fmt.Fprintf(&b, "body: %d bytes\n", len(req.Body))
		}
		return Text(http.StatusOK, b.String())
	})
}

// Dir serves GET and HEAD requests from the files under root. Directories
// serve their index.html.
func Dir(root string) Responder {
	return ResponderFunc(func(req *Request) *Response {
		if req.Method != "GET" && req.Method != "HEAD" {
			resp := Text(http.StatusMethodNotAllowed, "method not allowed\n")
			resp.Header.Set("Allow", "GET, HEAD")
			return resp
		}

		// Cleaning a rooted path cannot climb above "/".
		name := path.Clean("/" + req.URL.Path)
		file := filepath.Join(root, filepath.FromSlash(name))

		info, err := os.Stat(file)
		if err == nil && info.IsDir() {
			file = filepath.Join(file, "index.html")
			info, err = os.Stat(file)
		}
		if err != nil || info.IsDir() {
			return Text(http.StatusNotFound, "not found\n")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return Text(http.StatusInternalServerError, "cannot read file\n")
		}

		resp := NewResponse(http.StatusOK)
		ct := mime.TypeByExtension(filepath.Ext(file))
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		resp.Header.Set("Content-Type", ct)
		resp.Header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
		resp.Body = data
		return resp
	})
}
