package storage

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/bittorrent"
)

// testIH returns a deterministic infohash for conformance tests.
func testIH(b byte) bittorrent.InfoHash {
	var ih bittorrent.InfoHash
	for i := range ih {
		ih[i] = b
	}
	return ih
}

// testRecord builds a PeerRecord for the numbered peer. Seeders report
// left == 0.
func testRecord(n byte, userID uint32, seeding bool, at time.Time) PeerRecord {
	id := bittorrent.PeerIDFromString(fmt.Sprintf("-OK0001-%012d", n))
	left := uint64(0)
	if !seeding {
		left = 1000
	}
	return PeerRecord{
		Peer: bittorrent.Peer{
			ID:   id,
			IP:   bittorrent.IP{IP: net.ParseIP("10.0.0.1").To4(), AddressFamily: bittorrent.IPv4},
			Port: 6880 + uint16(n),
		},
		UserID:       userID,
		TorrentID:    77,
		Left:         left,
		LastAnnounce: at.UnixNano(),
	}
}

// TestPeerStore is a conformance suite run against every PeerStore
// implementation.
func TestPeerStore(t *testing.T, ps PeerStore) {
	now := time.Now()
	stale := now.Add(-2 * time.Hour)
	ih := testIH(0x01)

	t.Run("upsert returns prior record", func(t *testing.T) {
		r := testRecord(1, 10, false, now)
		r.Uploaded = 100

		_, existed, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)
		require.False(t, existed)

		r2 := r
		r2.Uploaded = 250
		prev, existed, err := ps.PutAnnounce(ih, r2)
		require.NoError(t, err)
		require.True(t, existed)
		require.Equal(t, uint64(100), prev.Uploaded)
	})

	t.Run("bonus checkpoint lifecycle", func(t *testing.T) {
		r := testRecord(2, 11, true, now.Add(-90*time.Minute))
		_, _, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)

		// A later seeding announce carries the original checkpoint.
		r2 := r
		r2.LastAnnounce = now.UnixNano()
		_, existed, err := ps.PutAnnounce(ih, r2)
		require.NoError(t, err)
		require.True(t, existed)

		var accrued time.Duration
		require.NoError(t, ps.ForEachSeedingSession(func(s SeedingSession) time.Duration {
			if s.PeerID == r.Peer.ID && s.InfoHash == ih {
				accrued = s.Accrued
			}
			return 0
		}))
		require.GreaterOrEqual(t, accrued, 90*time.Minute)
	})

	t.Run("seeding time consumption advances checkpoint", func(t *testing.T) {
		ih := testIH(0x02)
		r := testRecord(3, 12, true, now.Add(-125*time.Minute))
		_, _, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)
		r.LastAnnounce = now.UnixNano()
		_, _, err = ps.PutAnnounce(ih, r)
		require.NoError(t, err)

		require.NoError(t, ps.ForEachSeedingSession(func(s SeedingSession) time.Duration {
			if s.InfoHash != ih {
				return 0
			}
			require.GreaterOrEqual(t, s.Accrued, 125*time.Minute)
			return 2 * time.Hour
		}))

		require.NoError(t, ps.ForEachSeedingSession(func(s SeedingSession) time.Duration {
			if s.InfoHash == ih {
				require.Less(t, s.Accrued, 2*time.Hour)
			}
			return 0
		}))
	})

	t.Run("active peers ordering and exclusion", func(t *testing.T) {
		ih := testIH(0x03)
		var recs []PeerRecord
		for i := byte(0); i < 4; i++ {
			r := testRecord(10+i, 20, i%2 == 0, now.Add(-time.Duration(i)*time.Minute))
			recs = append(recs, r)
			_, _, err := ps.PutAnnounce(ih, r)
			require.NoError(t, err)
		}
		// One stale peer must be filtered out entirely.
		_, _, err := ps.PutAnnounce(ih, testRecord(30, 20, true, stale))
		require.NoError(t, err)

		peers, err := ps.ActivePeers(ih, recs[0].Peer.ID, 50)
		require.NoError(t, err)
		require.Len(t, peers, 3)
		require.Equal(t, recs[1].Peer.ID, peers[0].ID)
		require.Equal(t, recs[2].Peer.ID, peers[1].ID)
		require.Equal(t, recs[3].Peer.ID, peers[2].ID)

		peers, err = ps.ActivePeers(ih, recs[0].Peer.ID, 2)
		require.NoError(t, err)
		require.Len(t, peers, 2)
	})

	t.Run("scrape counts", func(t *testing.T) {
		ih := testIH(0x04)
		_, _, err := ps.PutAnnounce(ih, testRecord(40, 30, true, now))
		require.NoError(t, err)
		_, _, err = ps.PutAnnounce(ih, testRecord(41, 31, false, now))
		require.NoError(t, err)
		_, _, err = ps.PutAnnounce(ih, testRecord(42, 32, false, now))
		require.NoError(t, err)
		_, _, err = ps.PutAnnounce(ih, testRecord(43, 33, true, stale))
		require.NoError(t, err)

		s, err := ps.ScrapeSwarm(ih)
		require.NoError(t, err)
		require.Equal(t, uint32(1), s.Complete)
		require.Equal(t, uint32(2), s.Incomplete)
	})

	t.Run("scrape of unknown swarm is zero", func(t *testing.T) {
		s, err := ps.ScrapeSwarm(testIH(0xee))
		require.NoError(t, err)
		require.Zero(t, s.Complete)
		require.Zero(t, s.Incomplete)
		require.Zero(t, s.Snatches)
	})

	t.Run("delete removes immediately", func(t *testing.T) {
		ih := testIH(0x05)
		r := testRecord(50, 40, false, now)
		_, _, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)

		require.NoError(t, ps.DeletePeer(ih, r.Peer.ID))

		peers, err := ps.ActivePeers(ih, bittorrent.PeerID{}, 50)
		require.NoError(t, err)
		require.Empty(t, peers)

		require.Equal(t, ErrResourceDoesNotExist, ps.DeletePeer(ih, r.Peer.ID))
	})

	t.Run("snatch recorded exactly once per pair", func(t *testing.T) {
		ih := testIH(0x06)
		r := testRecord(60, 50, true, now)
		_, _, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)

		first, err := ps.RecordSnatch(ih, r.Peer.ID, r.UserID, r.TorrentID, now)
		require.NoError(t, err)
		require.True(t, first)

		first, err = ps.RecordSnatch(ih, r.Peer.ID, r.UserID, r.TorrentID, now)
		require.NoError(t, err)
		require.False(t, first)

		s, err := ps.ScrapeSwarm(ih)
		require.NoError(t, err)
		require.Equal(t, uint32(1), s.Snatches)
	})

	t.Run("transfer mark swap", func(t *testing.T) {
		id := bittorrent.PeerIDFromString("-OK0001-marksmarksma")

		_, _, existed, err := ps.SwapTransferMarks(90, id, 1000, 500)
		require.NoError(t, err)
		require.False(t, existed)

		prevUp, prevDown, existed, err := ps.SwapTransferMarks(90, id, 1500, 500)
		require.NoError(t, err)
		require.True(t, existed)
		require.Equal(t, uint64(1000), prevUp)
		require.Equal(t, uint64(500), prevDown)
	})

	t.Run("snatch flag is durable", func(t *testing.T) {
		ih := testIH(0x07)
		r := testRecord(70, 60, true, now)
		_, _, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)
		_, err = ps.RecordSnatch(ih, r.Peer.ID, r.UserID, r.TorrentID, now)
		require.NoError(t, err)

		flagged := 0
		require.NoError(t, ps.ForEachSnatch(func(s Snatch) bool {
			if s.UserID == 60 {
				require.False(t, s.Flagged)
				flagged++
				return true
			}
			return false
		}))
		require.Equal(t, 1, flagged)

		require.NoError(t, ps.ForEachSnatch(func(s Snatch) bool {
			if s.UserID == 60 {
				require.True(t, s.Flagged)
			}
			return false
		}))
	})

	t.Run("snatch last seeded tracks seeding announces", func(t *testing.T) {
		ih := testIH(0x08)
		r := testRecord(80, 70, true, now.Add(-time.Hour))
		_, _, err := ps.PutAnnounce(ih, r)
		require.NoError(t, err)
		_, err = ps.RecordSnatch(ih, r.Peer.ID, r.UserID, r.TorrentID, now.Add(-time.Hour))
		require.NoError(t, err)

		r.LastAnnounce = now.UnixNano()
		_, _, err = ps.PutAnnounce(ih, r)
		require.NoError(t, err)

		require.NoError(t, ps.ForEachSnatch(func(s Snatch) bool {
			if s.UserID == 70 {
				require.Equal(t, now.UnixNano(), s.LastSeededAt)
			}
			return false
		}))

		active, err := ps.ActiveSeeder(ih, r.Peer.ID)
		require.NoError(t, err)
		require.True(t, active)
	})

	t.Run("re-completion restarts the obligation", func(t *testing.T) {
		ih := testIH(0x09)
		r1 := testRecord(90, 80, true, now.Add(-time.Hour))
		_, _, err := ps.PutAnnounce(ih, r1)
		require.NoError(t, err)
		_, err = ps.RecordSnatch(ih, r1.Peer.ID, r1.UserID, r1.TorrentID, now.Add(-time.Hour))
		require.NoError(t, err)

		// Flag the first snatch, as a sweep would.
		require.NoError(t, ps.ForEachSnatch(func(s Snatch) bool {
			return s.UserID == 80
		}))

		// The same user completes the torrent again from a new client.
		r2 := testRecord(91, 80, true, now)
		_, _, err = ps.PutAnnounce(ih, r2)
		require.NoError(t, err)
		first, err := ps.RecordSnatch(ih, r2.Peer.ID, r2.UserID, r2.TorrentID, now)
		require.NoError(t, err)
		require.True(t, first)

		seen := 0
		require.NoError(t, ps.ForEachSnatch(func(s Snatch) bool {
			if s.UserID == 80 {
				seen++
				require.False(t, s.Flagged)
				require.Equal(t, r2.Peer.ID, s.PeerID)
				require.Equal(t, now.UnixNano(), s.CompletedAt)
			}
			return false
		}))
		require.Equal(t, 1, seen)

		s, err := ps.ScrapeSwarm(ih)
		require.NoError(t, err)
		require.Equal(t, uint32(2), s.Snatches)
	})
}
