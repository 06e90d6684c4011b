package bittorrent

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientID(t *testing.T) {
	var table = []struct {
		peerID   string
		expected string
	}{
		{"-AZ3034-6wfG2wk6wWLc", "AZ3034"},
		{"-AZ3042-6ozMq5q6Q3NX", "AZ3042"},
		{"-BS5820-oy4La2MWGEFj", "BS5820"},
		{"-TR0960-6ep6svaa61r4", "TR0960"},
		{"M4-4-0--9aa757efd5be", "M4-4-0"},
		{"\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "\x00\x00\x00\x00\x00\x00"},
	}

	for _, tt := range table {
		t.Run(fmt.Sprintf("%#v", tt.peerID), func(t *testing.T) {
			var expected ClientID
			copy(expected[:], tt.expected)
			require.Equal(t, expected, PeerIDFromString(tt.peerID).ClientID())
		})
	}
}

func TestSanitizeAnnounce(t *testing.T) {
	base := func() *AnnounceRequest {
		return &AnnounceRequest{
			Passkey: "0123456789abcdef0123456789abcdef",
			Peer: Peer{
				ID:   PeerIDFromString("-TR0960-6ep6svaa61r4"),
				IP:   IP{IP: net.ParseIP("10.1.2.3")},
				Port: 6881,
			},
		}
	}

	t.Run("zero port rejected", func(t *testing.T) {
		r := base()
		r.Port = 0
		require.Equal(t, ErrInvalidPort, SanitizeAnnounce(r, 100, 50))
	})

	t.Run("bad passkey rejected", func(t *testing.T) {
		r := base()
		r.Passkey = "short"
		require.Equal(t, ErrInvalidPasskey, SanitizeAnnounce(r, 100, 50))
	})

	t.Run("numwant defaulted and capped", func(t *testing.T) {
		r := base()
		require.NoError(t, SanitizeAnnounce(r, 100, 50))
		require.Equal(t, uint32(50), r.NumWant)

		r = base()
		r.NumWant = 500
		r.NumWantProvided = true
		require.NoError(t, SanitizeAnnounce(r, 100, 50))
		require.Equal(t, uint32(100), r.NumWant)
	})

	t.Run("v4 mapped address coerced", func(t *testing.T) {
		r := base()
		require.NoError(t, SanitizeAnnounce(r, 100, 50))
		require.Equal(t, IPv4, r.Peer.IP.AddressFamily)
		require.Len(t, r.Peer.IP.IP, net.IPv4len)
	})
}
