package ceremony

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hoa/internal/config"
)

func testRecord() *Record {
	return &Record{
		Kind:        KindRegistration,
		RPID:        "example.com",
		Origin:      "https://example.com",
		PrincipalID: "p-1",
		Session: webauthn.SessionData{
			Challenge: "Y2hhbGxlbmdl",
			UserID:    []byte("p-1"),
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("put then take once", func(t *testing.T) {
		token, err := s.Put(ctx, testRecord())
		require.NoError(t, err)
		assert.NotEmpty(t, token)

		rec, err := s.Take(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, KindRegistration, rec.Kind)
		assert.Equal(t, "example.com", rec.RPID)
		assert.Equal(t, "https://example.com", rec.Origin)
		assert.Equal(t, "p-1", rec.PrincipalID)
		assert.Equal(t, "Y2hhbGxlbmdl", rec.Session.Challenge)
		assert.Equal(t, []byte("p-1"), rec.Session.UserID)

		_, err = s.Take(ctx, token)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := s.Take(ctx, "never-issued")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tokens are unique", func(t *testing.T) {
		a, err := s.Put(ctx, testRecord())
		require.NoError(t, err)
		b, err := s.Put(ctx, testRecord())
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		token, err := s.Put(ctx, testRecord())
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Take(ctx, token); err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()

	token, err := s.Put(ctx, testRecord())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = s.Take(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PutCopiesRecord(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	rec := testRecord()
	rec.Session.AllowedCredentialIDs = [][]byte{[]byte("cred-1")}
	rec.Profile = &Profile{Nick: "sam"}
	token, err := s.Put(ctx, rec)
	require.NoError(t, err)

	rec.RPID = "changed.example"
	rec.Session.UserID[0] = 'x'
	rec.Session.AllowedCredentialIDs[0][0] = 'x'
	rec.Profile.Nick = "changed"

	got, err := s.Take(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.RPID)
	assert.Equal(t, []byte("p-1"), got.Session.UserID)
	assert.Equal(t, [][]byte{[]byte("cred-1")}, got.Session.AllowedCredentialIDs)
	assert.Equal(t, "sam", got.Profile.Nick)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(RedisOptions{Addr: mr.Addr(), Prefix: "hoa:test:"}, time.Minute)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	token, err := s.Put(context.Background(), testRecord())
	require.NoError(t, err)
	assert.True(t, mr.Exists("hoa:test:"+token))
	assert.Equal(t, time.Minute, mr.TTL("hoa:test:"+token))
}

func TestRedisStore_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(RedisOptions{Addr: mr.Addr()}, time.Minute)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	token, err := s.Put(ctx, testRecord())
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = s.Take(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_External(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping external redis test")
	}

	s, err := NewRedisStore(RedisOptions{Addr: addr, Prefix: "hoa:test:"}, time.Minute)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.CeremonyConfig{Backend: "memory"}, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(config.CeremonyConfig{Backend: "etcd"}, time.Minute)
	assert.Error(t, err)
}
