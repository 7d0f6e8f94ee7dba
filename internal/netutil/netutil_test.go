package netutil_test

import (
	"net/netip"
	"testing"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddrPort(t *testing.T) {
	testCases := []struct {
		want    netip.AddrPort
		name    string
		in      string
		wantErr bool
	}{{
		want:    netip.MustParseAddrPort("127.0.0.1:5353"),
		name:    "ipv4_port",
		in:      "127.0.0.1:5353",
		wantErr: false,
	}, {
		want:    netip.MustParseAddrPort("8.8.8.8:53"),
		name:    "ipv4",
		in:      "8.8.8.8",
		wantErr: false,
	}, {
		want:    netip.MustParseAddrPort("[::1]:5353"),
		name:    "ipv6_port",
		in:      "[::1]:5353",
		wantErr: false,
	}, {
		want:    netip.MustParseAddrPort("[2001:db8::1]:53"),
		name:    "ipv6",
		in:      "2001:db8::1",
		wantErr: false,
	}, {
		want:    netip.MustParseAddrPort("[2001:db8::1]:53"),
		name:    "ipv6_brackets",
		in:      "[2001:db8::1]",
		wantErr: false,
	}, {
		want:    netip.MustParseAddrPort("1.2.3.4:53"),
		name:    "mapped",
		in:      "[::ffff:1.2.3.4]:53",
		wantErr: false,
	}, {
		want:    netip.AddrPort{},
		name:    "empty",
		in:      "",
		wantErr: true,
	}, {
		want:    netip.AddrPort{},
		name:    "hostname",
		in:      "example.org:53",
		wantErr: true,
	}, {
		want:    netip.AddrPort{},
		name:    "bad_port",
		in:      "1.2.3.4:port",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := netutil.ParseAddrPort(tc.in, netutil.DefaultPort)
			if tc.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)

			assert.Equal(t, tc.want, got)
		})
	}
}
