package rfc9111

import (
	"net/http"
	"strings"
)

// §  3.1.  Storing Header and Trailer Fields
//
// StorableHeader returns a copy of the header without hop-by-hop fields.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return make(http.Header)
	}
	// §     Caches MUST include all received response header fields -- including
	// §     unrecognized ones -- when storing a response [...]
	h := header.Clone()
	// §     *  The Connection header field and fields whose names are listed in
	// §        it are required by Section 7.6.1 of [HTTP] to be removed before
	// §        forwarding the message.  This MAY be implemented by doing so
	// §        before storage.
	removeHopByHop(h)
	return h
}

// GetForwardRequest clones the request for forwarding, without hop-by-hop fields.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	removeHopByHop(r.Header)
	return r
}

func removeHopByHop(h http.Header) {
	for _, name := range GetListHeader(h, "Connection") {
		h.Del(name)
	}
	h.Del("Connection")
	h.Del("Proxy-Connection")
	h.Del("Keep-Alive")
	h.Del("TE")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
}

// GetListHeader splits a comma separated list header into its members.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
