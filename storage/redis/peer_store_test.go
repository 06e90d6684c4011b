package redis

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/storage"
)

func createNew(t *testing.T) storage.PeerStore {
	t.Helper()

	rs, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(rs.Close)

	redisURL := fmt.Sprintf("redis://@%s/0", rs.Addr())
	ps, err := New(Config{
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
		RedisBroker:               redisURL,
		RedisReadTimeout:          10 * time.Second,
		RedisWriteTimeout:         10 * time.Second,
		RedisConnectTimeout:       10 * time.Second,
	})
	require.NoError(t, err)
	return ps
}

func TestPeerStore(t *testing.T) {
	ps := createNew(t)
	storage.TestPeerStore(t, ps)
	<-ps.Stop()
}

func TestParseRedisURL(t *testing.T) {
	u, err := parseRedisURL("redis://hunter2@127.0.0.1:6379/2")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6379", u.Host)
	require.Equal(t, "hunter2", u.Password)
	require.Equal(t, 2, u.DB)

	_, err = parseRedisURL("http://127.0.0.1:6379")
	require.Error(t, err)
}
