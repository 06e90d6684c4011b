package hitandrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/backend"
	bmemory "github.com/okami-tracker/okami/backend/memory"
	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/storage"
	smemory "github.com/okami-tracker/okami/storage/memory"
	"github.com/okami-tracker/okami/tracker"
)

func newTestSweeper(t *testing.T) (*Sweeper, *bmemory.Backend, storage.PeerStore) {
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

	policy := tracker.NewPolicyProvider(tracker.Policy{
		AnnounceInterval:    30 * time.Minute,
		MinAnnounceInterval: 15 * time.Minute,
		MinRatio:            0.6,
		BonusPointsPerHour:  10,
		HitAndRunGrace:      72 * time.Hour,
	})

	s := NewSweeper(Config{Interval: time.Hour}, policy, ps, b)
	t.Cleanup(func() { <-s.Stop() })

	return s, b, ps
}

func ih(name string) bittorrent.InfoHash {
	var h bittorrent.InfoHash
	copy(h[:], name)
	return h
}

func pid(name string) bittorrent.PeerID {
	var p bittorrent.PeerID
	copy(p[:], name)
	return p
}

func TestSweepFlagsExactlyOnce(t *testing.T) {
	s, b, ps := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	b.AddUser(backend.User{ID: 1, Passkey: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	b.AddTorrent(backend.Torrent{ID: 10, InfoHash: ih("violated")})

	_, err := ps.RecordSnatch(ih("violated"), pid("runner"), 1, 10, now.Add(-100*time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Sweep(ctx, now))
	require.Equal(t, uint64(1), b.HitAndRuns(1))

	// Re-running with no new completions must not re-flag.
	require.NoError(t, s.Sweep(ctx, now))
	require.Equal(t, uint64(1), b.HitAndRuns(1))
}

func TestSweepExemptions(t *testing.T) {
	s, b, ps := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	b.AddUser(backend.User{ID: 1, Passkey: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	b.AddUser(backend.User{ID: 2, Passkey: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", VIP: true})
	b.AddTorrent(backend.Torrent{ID: 10, InfoHash: ih("plain")})
	b.AddTorrent(backend.Torrent{ID: 11, InfoHash: ih("free"), Freeleech: true})

	// VIP users carry no seeding obligation.
	_, err := ps.RecordSnatch(ih("plain"), pid("vip"), 2, 10, now.Add(-100*time.Hour))
	require.NoError(t, err)

	// Freeleech torrents carry no seeding obligation.
	_, err = ps.RecordSnatch(ih("free"), pid("fl"), 1, 11, now.Add(-100*time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Sweep(ctx, now))
	require.Zero(t, b.HitAndRuns(1))
	require.Zero(t, b.HitAndRuns(2))
}

func TestSweepSkipsActiveAndSatisfied(t *testing.T) {
	s, b, ps := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	b.AddUser(backend.User{ID: 1, Passkey: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	b.AddTorrent(backend.Torrent{ID: 10, InfoHash: ih("active")})
	b.AddTorrent(backend.Torrent{ID: 11, InfoHash: ih("paid")})
	b.AddTorrent(backend.Torrent{ID: 12, InfoHash: ih("fresh")})

	// Still actively seeding past the grace period: no violation.
	_, err := ps.RecordSnatch(ih("active"), pid("seeder"), 1, 10, now.Add(-100*time.Hour))
	require.NoError(t, err)
	_, _, err = ps.PutAnnounce(ih("active"), storage.PeerRecord{
		Peer:         bittorrent.Peer{ID: pid("seeder"), IP: bittorrent.IP{IP: []byte{10, 0, 0, 1}, AddressFamily: bittorrent.IPv4}, Port: 6881},
		UserID:       1,
		TorrentID:    10,
		LastAnnounce: now.UnixNano(),
	})
	require.NoError(t, err)

	// Seeded longer than the grace period before stopping: satisfied.
	_, err = ps.RecordSnatch(ih("paid"), pid("done"), 1, 11, now.Add(-200*time.Hour))
	require.NoError(t, err)
	_, _, err = ps.PutAnnounce(ih("paid"), storage.PeerRecord{
		Peer:         bittorrent.Peer{ID: pid("done"), IP: bittorrent.IP{IP: []byte{10, 0, 0, 1}, AddressFamily: bittorrent.IPv4}, Port: 6881},
		UserID:       1,
		TorrentID:    11,
		LastAnnounce: now.Add(-100 * time.Hour).UnixNano(),
	})
	require.NoError(t, err)

	// Completed recently: grace period still running.
	_, err = ps.RecordSnatch(ih("fresh"), pid("new"), 1, 12, now.Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Sweep(ctx, now))
	require.Zero(t, b.HitAndRuns(1))
}
