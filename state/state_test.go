package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gotest.tools/v3/assert"

	"github.com/crymatch/crymatch/state"
)

// backends runs the same suite against the in-process backend and the
// Redis backend driven by miniredis.
func backends(t *testing.T) map[string]state.State {
	t.Helper()
	s := miniredis.RunT(t)
	options := redis.Options{
		Addr:     s.Addr(),
		Password: "", // no password set
		DB:       0,  // use default DB
	}
	return map[string]state.State{
		"memory": state.NewMemory(),
		"redis":  state.NewRedisFromClient(redis.NewClient(&options)),
	}
}

func TestStringsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.GetString(ctx, "missing")
			assert.NilError(t, err)
			assert.Equal(t, "", got)

			assert.NilError(t, st.SetString(ctx, "greeting", "hello", 0))
			got, err = st.GetString(ctx, "greeting")
			assert.NilError(t, err)
			assert.Equal(t, "hello", got)

			keyType, err := st.KeyType(ctx, "greeting")
			assert.NilError(t, err)
			assert.Equal(t, state.KeyTypeString, keyType)

			assert.NilError(t, st.KeyDelete(ctx, "greeting"))
			got, err = st.GetString(ctx, "greeting")
			assert.NilError(t, err)
			assert.Equal(t, "", got)
		})
	}
}

func TestStringTTLExpires(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	assert.NilError(t, st.SetString(ctx, "lease", "Active", 30*time.Millisecond))

	got, err := st.GetString(ctx, "lease")
	assert.NilError(t, err)
	assert.Equal(t, "Active", got)

	time.Sleep(60 * time.Millisecond)
	got, err = st.GetString(ctx, "lease")
	assert.NilError(t, err)
	assert.Equal(t, "", got)
}

func TestStringTTLRefreshKeepsKeyAlive(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	assert.NilError(t, st.SetString(ctx, "lease", "Active", 40*time.Millisecond))
	time.Sleep(25 * time.Millisecond)
	// Refresh before expiry; the old timer must not kill the new value.
	assert.NilError(t, st.SetString(ctx, "lease", "Active", 40*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	got, err := st.GetString(ctx, "lease")
	assert.NilError(t, err)
	assert.Equal(t, "Active", got)
}

func TestStreamsAddReadDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := st.StreamAdd(ctx, "events", []byte("one"))
			assert.NilError(t, err)
			assert.Assert(t, id1 != "")

			ids, err := st.StreamAddBatch(ctx, "events", [][]byte{[]byte("two"), []byte("three")})
			assert.NilError(t, err)
			assert.Equal(t, 2, len(ids))

			msgs, err := st.StreamRead(ctx, "events", 0)
			assert.NilError(t, err)
			assert.Equal(t, 3, len(msgs))
			assert.Equal(t, "one", string(msgs[0].Data))
			assert.Equal(t, "two", string(msgs[1].Data))
			assert.Equal(t, "three", string(msgs[2].Data))

			// maxCount returns the oldest messages first.
			msgs, err = st.StreamRead(ctx, "events", 2)
			assert.NilError(t, err)
			assert.Equal(t, 2, len(msgs))
			assert.Equal(t, "one", string(msgs[0].Data))

			removed, err := st.StreamDeleteMessages(ctx, "events", []string{id1, "0-0"})
			assert.NilError(t, err)
			assert.Equal(t, int64(1), removed)

			msgs, err = st.StreamRead(ctx, "events", 0)
			assert.NilError(t, err)
			assert.Equal(t, 2, len(msgs))

			keyType, err := st.KeyType(ctx, "events")
			assert.NilError(t, err)
			assert.Equal(t, state.KeyTypeStream, keyType)

			assert.NilError(t, st.StreamDelete(ctx, "events"))
			msgs, err = st.StreamRead(ctx, "events", 0)
			assert.NilError(t, err)
			assert.Equal(t, 0, len(msgs))
		})
	}
}

func TestSetsAndBatchVariants(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			added, err := st.SetAdd(ctx, "ids", "a")
			assert.NilError(t, err)
			assert.Assert(t, added)
			added, err = st.SetAdd(ctx, "ids", "a")
			assert.NilError(t, err)
			assert.Assert(t, !added)

			addedBatch, err := st.SetAddBatch(ctx, "ids", []string{"a", "b", "c"})
			assert.NilError(t, err)
			assert.DeepEqual(t, []bool{false, true, true}, addedBatch)

			contains, err := st.SetContainsBatch(ctx, "ids", []string{"a", "nope", "c"})
			assert.NilError(t, err)
			assert.DeepEqual(t, []bool{true, false, true}, contains)

			values, err := st.GetSetValues(ctx, "ids")
			assert.NilError(t, err)
			assert.Equal(t, 3, len(values))

			removed, err := st.SetRemoveBatch(ctx, "ids", []string{"a", "b", "missing"})
			assert.NilError(t, err)
			assert.Equal(t, int64(2), removed)

			ok, err := st.SetRemove(ctx, "ids", "c")
			assert.NilError(t, err)
			assert.Assert(t, ok)

			// Empty sets vanish entirely.
			keyType, err := st.KeyType(ctx, "ids")
			assert.NilError(t, err)
			assert.Equal(t, state.KeyTypeNone, keyType)
		})
	}
}

func TestMemoryRejectsCrossTypeUse(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	assert.NilError(t, st.SetString(ctx, "key", "value", 0))
	_, err := st.StreamAdd(ctx, "key", []byte("x"))
	assert.ErrorIs(t, err, state.ErrWrongKeyType)
	_, err = st.SetAdd(ctx, "key", "member")
	assert.ErrorIs(t, err, state.ErrWrongKeyType)
}
