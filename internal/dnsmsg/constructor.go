// Package dnsmsg contains common constants, functions, and types for inspecting
// and constructing DNS messages.
package dnsmsg

import (
	"strings"

	"github.com/miekg/dns"
)

// CertTTL is the TTL of the certificate TXT records in seconds.
const CertTTL = 60

// MessageConstructor creates DNS messages.
type MessageConstructor interface {
	// NewMsgSERVFAIL creates a new response message replying to req with the
	// SERVFAIL code.
	NewMsgSERVFAIL(req *dns.Msg) (resp *dns.Msg)

	// NewMsgTruncated creates a new empty response message replying to req
	// with the TC flag set.  It keeps the header and the question of resp,
	// which must be a response to req.
	NewMsgTruncated(resp *dns.Msg) (trunc *dns.Msg)

	// NewMsgCertificates creates a new authoritative response message replying
	// to req with a TXT record for each of txts.
	NewMsgCertificates(req *dns.Msg, txts []string) (resp *dns.Msg)
}

// DefaultMessageConstructor is a default implementation of
// [MessageConstructor].
type DefaultMessageConstructor struct{}

// type check
var _ MessageConstructor = DefaultMessageConstructor{}

// NewMsgSERVFAIL implements the [MessageConstructor] interface for
// DefaultMessageConstructor.
func (DefaultMessageConstructor) NewMsgSERVFAIL(req *dns.Msg) (resp *dns.Msg) {
	return reply(req, dns.RcodeServerFailure)
}

// NewMsgTruncated implements the [MessageConstructor] interface for
// DefaultMessageConstructor.
func (DefaultMessageConstructor) NewMsgTruncated(resp *dns.Msg) (trunc *dns.Msg) {
	trunc = &dns.Msg{
		MsgHdr:   resp.MsgHdr,
		Compress: true,
		Question: resp.Question,
	}
	trunc.Truncated = true

	return trunc
}

// NewMsgCertificates implements the [MessageConstructor] interface for
// DefaultMessageConstructor.
func (DefaultMessageConstructor) NewMsgCertificates(req *dns.Msg, txts []string) (resp *dns.Msg) {
	resp = reply(req, dns.RcodeSuccess)
	resp.Authoritative = true

	q := req.Question[0]
	for _, txt := range txts {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    CertTTL,
			},
			Txt: []string{txt},
		})
	}

	return resp
}

// IsCertRequest returns true if req is a TXT query for the certificates of
// providerName, which must be fully qualified.
func IsCertRequest(req *dns.Msg, providerName string) (ok bool) {
	if req.Response || len(req.Question) != 1 {
		return false
	}

	q := req.Question[0]

	return q.Qtype == dns.TypeTXT &&
		q.Qclass == dns.ClassINET &&
		strings.EqualFold(q.Name, providerName)
}

// reply creates a new response message replying to req with the given code.
func reply(req *dns.Msg, code int) (resp *dns.Msg) {
	resp = (&dns.Msg{}).SetRcode(req, code)
	resp.RecursionAvailable = true

	return resp
}
