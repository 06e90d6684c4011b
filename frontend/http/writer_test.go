package http

import (
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/bittorrent"
)

func TestWriteError(t *testing.T) {
	var table = []struct {
		reason, expected string
	}{
		{"hello world", "d14:failure reason11:hello worlde"},
		{"what's up", "d14:failure reason9:what's upe"},
	}

	for _, tt := range table {
		r := httptest.NewRecorder()
		err := WriteError(r, bittorrent.ClientError(tt.reason))
		assert.Nil(t, err)
		assert.Equal(t, tt.expected, r.Body.String())
		assert.Equal(t, 200, r.Code)
	}
}

func TestWriteInternalError(t *testing.T) {
	r := httptest.NewRecorder()
	err := WriteError(r, assert.AnError)
	assert.Nil(t, err)
	assert.Equal(t, 500, r.Code)
	assert.Empty(t, r.Body.String())
}

func TestWriteAnnounceResponseCompact(t *testing.T) {
	r := httptest.NewRecorder()
	err := WriteAnnounceResponse(r, &bittorrent.AnnounceResponse{
		Compact:     true,
		Complete:    1,
		Incomplete:  2,
		Interval:    30 * time.Minute,
		MinInterval: 15 * time.Minute,
		IPv4Peers: []bittorrent.Peer{
			{
				ID:   bittorrent.PeerIDFromString("12345678901234567890"),
				IP:   bittorrent.IP{IP: net.ParseIP("10.0.0.1").To4(), AddressFamily: bittorrent.IPv4},
				Port: 6881,
			},
		},
	})
	require.NoError(t, err)

	expected := "d8:completei1e10:incompletei2e8:intervali1800e12:min intervali900e5:peers6:" +
		string([]byte{10, 0, 0, 1, 0x1a, 0xe1}) + "e"
	assert.Equal(t, expected, r.Body.String())
}

func TestWriteAnnounceResponseNonCompact(t *testing.T) {
	r := httptest.NewRecorder()
	err := WriteAnnounceResponse(r, &bittorrent.AnnounceResponse{
		Complete:    0,
		Incomplete:  1,
		Interval:    30 * time.Minute,
		MinInterval: 15 * time.Minute,
		IPv4Peers: []bittorrent.Peer{
			{
				ID:   bittorrent.PeerIDFromString("12345678901234567890"),
				IP:   bittorrent.IP{IP: net.ParseIP("10.0.0.1").To4(), AddressFamily: bittorrent.IPv4},
				Port: 6881,
			},
		},
	})
	require.NoError(t, err)

	expected := "d8:completei0e10:incompletei1e8:intervali1800e12:min intervali900e5:peers" +
		"ld2:ip8:10.0.0.17:peer id20:123456789012345678904:porti6881eee"
	assert.Equal(t, expected, r.Body.String())
}

func TestWriteScrapeResponse(t *testing.T) {
	ih := bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")

	r := httptest.NewRecorder()
	err := WriteScrapeResponse(r, &bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{
			{InfoHash: ih, Complete: 3, Incomplete: 2, Snatches: 7},
		},
	})
	require.NoError(t, err)

	expected := "d5:filesd20:aaaaaaaaaaaaaaaaaaaad8:completei3e10:downloadedi7e10:incompletei2eeee"
	assert.Equal(t, expected, r.Body.String())
}
