package net

import (
	"net"
	"net/http"
)

// ForwardedHeaders sets the X-Forwarded-* headers on a request about
// to be proxied. Existing client-supplied values are preserved, the
// gateway's values are appended.
type ForwardedHeaders struct {
	// Appends the request remote IP to the X-Forwarded-For header
	For bool
	// Prepends the request remote IP to the X-Forwarded-For header, overrides For
	PrependFor bool
	// Appends the request host to the X-Forwarded-Host header
	Host bool
	// Appends the given value to the X-Forwarded-Proto header
	Proto string
}

func (h *ForwardedHeaders) Set(req *http.Request) {
	if (h.For || h.PrependFor) && req.RemoteAddr != "" {
		addr := req.RemoteAddr
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			addr = host
		}

		v := req.Header.Get("X-Forwarded-For")
		if v == "" {
			v = addr
		} else if h.PrependFor {
			v = addr + ", " + v
		} else {
			v = v + ", " + addr
		}
		req.Header.Set("X-Forwarded-For", v)
	}

	if h.Host {
		req.Header.Add("X-Forwarded-Host", req.Host)
	}

	if h.Proto != "" {
		req.Header.Add("X-Forwarded-Proto", h.Proto)
	}
}
