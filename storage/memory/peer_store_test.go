package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/storage"
)

func createNew(t *testing.T) storage.PeerStore {
	t.Helper()
	ps, err := New(Config{
		ShardCount:                1024,
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
	})
	require.NoError(t, err)
	return ps
}

func TestPeerStore(t *testing.T) {
	ps := createNew(t)
	storage.TestPeerStore(t, ps)
	errs := <-ps.Stop()
	require.Empty(t, errs)
}

func TestNewRejectsInvalidGCInterval(t *testing.T) {
	_, err := New(Config{ShardCount: 1})
	require.Equal(t, ErrInvalidGCInterval, err)
}

func TestCollectGarbage(t *testing.T) {
	ps := createNew(t)

	ih := bittorrent.InfoHashFromString("gc-torrent-000000000")
	now := time.Now()

	stale := storage.PeerRecord{
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromString("stale-peer-00000000!"),
			IP:   bittorrent.IP{IP: []byte{10, 0, 0, 1}, AddressFamily: bittorrent.IPv4},
			Port: 6881,
		},
		UserID:       1,
		TorrentID:    1,
		LastAnnounce: now.Add(-2 * time.Hour).UnixNano(),
	}
	fresh := stale
	fresh.Peer.ID = bittorrent.PeerIDFromString("fresh-peer-00000000!")
	fresh.LastAnnounce = now.UnixNano()

	_, _, err := ps.PutAnnounce(ih, stale)
	require.NoError(t, err)
	_, _, err = ps.PutAnnounce(ih, fresh)
	require.NoError(t, err)

	ps.(*peerStore).collectGarbage(now.Add(-time.Hour))

	peers, err := ps.ActivePeers(ih, bittorrent.PeerID{}, 0)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, fresh.Peer.ID, peers[0].ID)

	err = ps.DeletePeer(ih, stale.Peer.ID)
	require.Equal(t, storage.ErrResourceDoesNotExist, err)

	errs := <-ps.Stop()
	require.Empty(t, errs)
}
