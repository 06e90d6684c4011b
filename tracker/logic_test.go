package tracker

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/backend"
	bmemory "github.com/okami-tracker/okami/backend/memory"
	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/storage"
	smemory "github.com/okami-tracker/okami/storage/memory"
)

const (
	alicePasskey  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bobPasskey    = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	bannedPasskey = "cccccccccccccccccccccccccccccccc"
)

var (
	testTorrent   = bittorrent.InfoHashFromString("testtorrent000000000")
	freeleechHash = bittorrent.InfoHashFromString("freeleech00000000000")
)

func newTestLogic(t *testing.T) (*Logic, *bmemory.Backend, storage.PeerStore) {
	t.Helper()

	ps, err := smemory.New(smemory.Config{
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
		ShardCount:                16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { <-ps.Stop() })

	b, err := bmemory.New(bmemory.Config{})
	require.NoError(t, err)
	b.AddUser(backend.User{ID: 1, Passkey: alicePasskey})
	b.AddUser(backend.User{ID: 2, Passkey: bobPasskey, VIP: true})
	b.AddUser(backend.User{ID: 3, Passkey: bannedPasskey, Banned: true})
	b.AddTorrent(backend.Torrent{ID: 10, InfoHash: testTorrent})
	b.AddTorrent(backend.Torrent{ID: 11, InfoHash: freeleechHash, Freeleech: true})

	policy := NewPolicyProvider(Policy{
		AnnounceInterval:    30 * time.Minute,
		MinAnnounceInterval: 15 * time.Minute,
		MinRatio:            0.6,
		BonusPointsPerHour:  10,
		HitAndRunGrace:      72 * time.Hour,
	})

	return NewLogic(policy, ps, b), b, ps
}

func announce(passkey string, ih bittorrent.InfoHash, peerID string, up, down, left uint64, event bittorrent.Event) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		Passkey:    passkey,
		InfoHash:   ih,
		Event:      event,
		Uploaded:   up,
		Downloaded: down,
		Left:       left,
		NumWant:    50,
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromString(peerID),
			IP:   bittorrent.IP{IP: net.ParseIP("10.0.0.1").To4(), AddressFamily: bittorrent.IPv4},
			Port: 6881,
		},
	}
}

func TestHandleAnnounceRejections(t *testing.T) {
	l, _, _ := newTestLogic(t)
	ctx := context.Background()

	_, err := l.HandleAnnounce(ctx, announce(alicePasskey, bittorrent.InfoHashFromString("unregistered00000000"), "-OK0001-000000000001", 0, 0, 100, bittorrent.Started))
	require.Equal(t, backend.ErrTorrentDoesNotExist, err)

	_, err = l.HandleAnnounce(ctx, announce(strings.Repeat("f", 32), testTorrent, "-OK0001-000000000001", 0, 0, 100, bittorrent.Started))
	require.Equal(t, backend.ErrUserDoesNotExist, err)

	_, err = l.HandleAnnounce(ctx, announce(bannedPasskey, testTorrent, "-OK0001-000000000001", 0, 0, 100, bittorrent.Started))
	require.Equal(t, ErrUserBanned, err)
}

func TestHandleAnnounceAccounting(t *testing.T) {
	l, b, _ := newTestLogic(t)
	ctx := context.Background()

	// First contact credits the full reported value.
	resp, err := l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-000000000001", 1000, 500, 0, bittorrent.None))
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, resp.Interval)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)

	u, err := b.UserByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), u.Uploaded)
	require.Equal(t, uint64(500), u.Downloaded)

	// Second announce credits only the difference, clamped at zero.
	_, err = l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-000000000001", 1500, 500, 0, bittorrent.None))
	require.NoError(t, err)

	u, err = b.UserByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), u.Uploaded)
	require.Equal(t, uint64(500), u.Downloaded)
}

func TestHandleAnnounceFreeleech(t *testing.T) {
	l, b, _ := newTestLogic(t)
	ctx := context.Background()

	_, err := l.HandleAnnounce(ctx, announce(alicePasskey, freeleechHash, "-OK0001-000000000002", 200, 9000, 0, bittorrent.None))
	require.NoError(t, err)

	u, err := b.UserByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), u.Uploaded)
	require.Equal(t, uint64(0), u.Downloaded)
}

func TestHandleAnnounceVIPExemption(t *testing.T) {
	l, b, _ := newTestLogic(t)
	ctx := context.Background()

	_, err := l.HandleAnnounce(ctx, announce(bobPasskey, testTorrent, "-OK0001-000000000003", 0, 4000, 100, bittorrent.Started))
	require.NoError(t, err)

	u, err := b.UserByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(0), u.Downloaded)
}

func TestHandleAnnouncePeerExchange(t *testing.T) {
	l, _, _ := newTestLogic(t)
	ctx := context.Background()

	// A seeder joins, then a leecher announces and should see the seeder
	// but not itself.
	_, err := l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-seeder000001", 0, 0, 0, bittorrent.Started))
	require.NoError(t, err)

	resp, err := l.HandleAnnounce(ctx, announce(bobPasskey, testTorrent, "-OK0001-leecher00001", 0, 0, 100, bittorrent.Started))
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)
	require.Len(t, resp.IPv4Peers, 1)
	require.Equal(t, bittorrent.PeerIDFromString("-OK0001-seeder000001"), resp.IPv4Peers[0].ID)
	require.Empty(t, resp.IPv6Peers)
}

func TestHandleAnnounceCompletedAndStopped(t *testing.T) {
	l, _, ps := newTestLogic(t)
	ctx := context.Background()

	_, err := l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-snatcher0001", 0, 0, 100, bittorrent.Started))
	require.NoError(t, err)

	_, err = l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-snatcher0001", 0, 1000, 0, bittorrent.Completed))
	require.NoError(t, err)

	// A second completed event for the same pair does not double count.
	_, err = l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-snatcher0001", 0, 1000, 0, bittorrent.Completed))
	require.NoError(t, err)

	s, err := ps.ScrapeSwarm(testTorrent)
	require.NoError(t, err)
	require.Equal(t, uint32(1), s.Snatches)
	require.Equal(t, uint32(1), s.Complete)

	resp, err := l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-snatcher0001", 0, 1000, 0, bittorrent.Stopped))
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.Complete)
	require.Empty(t, resp.IPv4Peers)
}

func TestHandleScrape(t *testing.T) {
	l, _, _ := newTestLogic(t)
	ctx := context.Background()

	_, err := l.HandleAnnounce(ctx, announce(alicePasskey, testTorrent, "-OK0001-seeder000002", 0, 0, 0, bittorrent.Started))
	require.NoError(t, err)

	_, err = l.HandleScrape(ctx, &bittorrent.ScrapeRequest{
		Passkey:    strings.Repeat("f", 32),
		InfoHashes: []bittorrent.InfoHash{testTorrent},
	})
	require.Equal(t, backend.ErrUserDoesNotExist, err)

	unknown := bittorrent.InfoHashFromString("unknownhash000000000")
	resp, err := l.HandleScrape(ctx, &bittorrent.ScrapeRequest{
		Passkey:    alicePasskey,
		InfoHashes: []bittorrent.InfoHash{testTorrent, unknown},
	})
	require.NoError(t, err)
	require.Len(t, resp.Files, 2)
	require.Equal(t, uint32(1), resp.Files[0].Complete)
	require.Zero(t, resp.Files[1].Complete)
	require.Zero(t, resp.Files[1].Incomplete)
}
