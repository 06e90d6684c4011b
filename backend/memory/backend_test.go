package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/backend"
	"github.com/okami-tracker/okami/bittorrent"
)

func TestSeededBackend(t *testing.T) {
	b, err := New(Config{
		Users: []UserSeed{
			{ID: 1, Passkey: strings.Repeat("a", 32), VIP: true},
			{ID: 2, Passkey: strings.Repeat("b", 32), Banned: true},
		},
		Torrents: []TorrentSeed{
			{ID: 7, InfoHash: strings.Repeat("0102", 10), Freeleech: true},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()

	u, err := b.ResolveUser(ctx, strings.Repeat("a", 32))
	require.NoError(t, err)
	require.Equal(t, uint32(1), u.ID)
	require.True(t, u.VIP)

	u, err = b.ResolveUser(ctx, strings.Repeat("b", 32))
	require.NoError(t, err)
	require.True(t, u.Banned)

	_, err = b.ResolveUser(ctx, strings.Repeat("c", 32))
	require.Equal(t, backend.ErrUserDoesNotExist, err)

	var ih bittorrent.InfoHash
	for i := 0; i < 20; i += 2 {
		ih[i], ih[i+1] = 0x01, 0x02
	}
	torrent, err := b.TorrentByInfoHash(ctx, ih)
	require.NoError(t, err)
	require.Equal(t, uint32(7), torrent.ID)
	require.True(t, torrent.Freeleech)

	_, err = b.TorrentByInfoHash(ctx, bittorrent.InfoHash{})
	require.Equal(t, backend.ErrTorrentDoesNotExist, err)
}

func TestSeedRejectsBadInfoHash(t *testing.T) {
	_, err := New(Config{Torrents: []TorrentSeed{{ID: 1, InfoHash: "abc"}}})
	require.Error(t, err)
}

func TestLedgerAdds(t *testing.T) {
	b, err := New(Config{Users: []UserSeed{{ID: 1, Passkey: strings.Repeat("a", 32)}}})
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, b.CreditUser(ctx, 1, 1000, 500))
	require.NoError(t, b.CreditUser(ctx, 1, 500, 0))
	require.NoError(t, b.AwardBonusPoints(ctx, 1, 20))
	require.NoError(t, b.ReportHitAndRun(ctx, 1, 7))

	u, err := b.UserByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), u.Uploaded)
	require.Equal(t, uint64(500), u.Downloaded)
	require.Equal(t, uint64(20), u.BonusPoints)
	require.Equal(t, uint64(1), b.HitAndRuns(1))

	require.Equal(t, backend.ErrUserDoesNotExist, b.CreditUser(ctx, 99, 1, 1))
}
