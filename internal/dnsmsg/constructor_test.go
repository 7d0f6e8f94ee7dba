package dnsmsg_test

import (
	"testing"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnsmsg"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProviderName = "2.dnscrypt-cert.example.org."

func TestDefaultMessageConstructor(t *testing.T) {
	var mc dnsmsg.MessageConstructor = dnsmsg.DefaultMessageConstructor{}

	req := (&dns.Msg{}).SetQuestion("example.com.", dns.TypeA)

	t.Run("servfail", func(t *testing.T) {
		resp := mc.NewMsgSERVFAIL(req)

		assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
		assert.Equal(t, req.Id, resp.Id)
		assert.True(t, resp.RecursionAvailable)
		assert.Equal(t, req.Question, resp.Question)
	})

	t.Run("truncated", func(t *testing.T) {
		resp := (&dns.Msg{}).SetReply(req)
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET},
		}}

		trunc := mc.NewMsgTruncated(resp)

		assert.True(t, trunc.Truncated)
		assert.True(t, trunc.Response)
		assert.Equal(t, req.Id, trunc.Id)
		assert.Equal(t, req.Question, trunc.Question)
		assert.Empty(t, trunc.Answer)
	})

	t.Run("certificates", func(t *testing.T) {
		certReq := (&dns.Msg{}).SetQuestion(testProviderName, dns.TypeTXT)

		resp := mc.NewMsgCertificates(certReq, []string{"a", "b"})
		require.Len(t, resp.Answer, 2)

		assert.True(t, resp.Authoritative)
		assert.True(t, resp.RecursionAvailable)

		txt, ok := resp.Answer[1].(*dns.TXT)
		require.True(t, ok)

		assert.Equal(t, []string{"b"}, txt.Txt)
		assert.Equal(t, uint32(dnsmsg.CertTTL), txt.Hdr.Ttl)
		assert.Equal(t, testProviderName, txt.Hdr.Name)
	})
}

func TestIsCertRequest(t *testing.T) {
	testCases := []struct {
		req  *dns.Msg
		name string
		want bool
	}{{
		req:  (&dns.Msg{}).SetQuestion(testProviderName, dns.TypeTXT),
		name: "cert",
		want: true,
	}, {
		req:  (&dns.Msg{}).SetQuestion("2.DNSCRYPT-CERT.example.org.", dns.TypeTXT),
		name: "case",
		want: true,
	}, {
		req:  (&dns.Msg{}).SetQuestion(testProviderName, dns.TypeA),
		name: "type",
		want: false,
	}, {
		req:  (&dns.Msg{}).SetQuestion("example.org.", dns.TypeTXT),
		name: "name",
		want: false,
	}, {
		req:  &dns.Msg{},
		name: "empty",
		want: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, dnsmsg.IsCertRequest(tc.req, testProviderName))
		})
	}
}
