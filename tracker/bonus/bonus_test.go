package bonus

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

func newTestTask(t *testing.T) (*Task, *bmemory.Backend, storage.PeerStore) {
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

	task := NewTask(Config{Interval: time.Hour}, policy, ps, b)
	t.Cleanup(func() { <-task.Stop() })

	return task, b, ps
}

func seedFor(t *testing.T, ps storage.PeerStore, ih bittorrent.InfoHash, peerID string, userID uint32, accrued time.Duration) {
	t.Helper()

	now := time.Now()
	record := storage.PeerRecord{
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromString(peerID),
			IP:   bittorrent.IP{IP: []byte{10, 0, 0, 1}, AddressFamily: bittorrent.IPv4},
			Port: 6881,
		},
		UserID:       userID,
		TorrentID:    1,
		LastAnnounce: now.Add(-accrued).UnixNano(),
	}

	// First announce opens the checkpoint in the past, the second keeps
	// the record active without moving it.
	_, _, err := ps.PutAnnounce(ih, record)
	require.NoError(t, err)
	record.LastAnnounce = now.UnixNano()
	_, _, err = ps.PutAnnounce(ih, record)
	require.NoError(t, err)
}

func TestAwardWholeHoursOnly(t *testing.T) {
	task, b, ps := newTestTask(t)
	ctx := context.Background()

	b.AddUser(backend.User{ID: 1, Passkey: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	seedFor(t, ps, bittorrent.InfoHashFromString("bonustorrent00000001"), "-OK0001-bonus0000001", 1, 125*time.Minute)

	// 125 minutes at 10 points/hour pays for 2 whole hours.
	require.NoError(t, task.Award(ctx))

	u, err := b.UserByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(20), u.BonusPoints)

	// The remainder is under an hour, so an immediate second cycle pays
	// nothing.
	require.NoError(t, task.Award(ctx))

	u, err = b.UserByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(20), u.BonusPoints)
}

func TestAwardBelowOneHour(t *testing.T) {
	task, b, ps := newTestTask(t)
	ctx := context.Background()

	b.AddUser(backend.User{ID: 2, Passkey: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	seedFor(t, ps, bittorrent.InfoHashFromString("bonustorrent00000002"), "-OK0001-bonus0000002", 2, 45*time.Minute)

	require.NoError(t, task.Award(ctx))

	u, err := b.UserByID(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, u.BonusPoints)
}

func TestAwardSkipsLeechers(t *testing.T) {
	task, b, ps := newTestTask(t)
	ctx := context.Background()

	b.AddUser(backend.User{ID: 3, Passkey: "cccccccccccccccccccccccccccccccc"})

	record := storage.PeerRecord{
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromString("-OK0001-leech0000001"),
			IP:   bittorrent.IP{IP: []byte{10, 0, 0, 1}, AddressFamily: bittorrent.IPv4},
			Port: 6881,
		},
		UserID:       3,
		TorrentID:    1,
		Left:         1000,
		LastAnnounce: time.Now().Add(-3 * time.Hour).UnixNano(),
	}
	_, _, err := ps.PutAnnounce(bittorrent.InfoHashFromString("bonustorrent00000003"), record)
	require.NoError(t, err)

	require.NoError(t, task.Award(ctx))

	u, err := b.UserByID(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, u.BonusPoints)
}
