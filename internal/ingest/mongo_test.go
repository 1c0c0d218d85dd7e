package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wellsync/wellsync/pkg/model"
)

// setupMongoStore connects to WELLSYNC_TEST_MONGO_URI and uses a throwaway
// database. The test is skipped when the variable is unset.
func setupMongoStore(t *testing.T) *mongoStore {
	uri := os.Getenv("WELLSYNC_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("WELLSYNC_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	dbName := fmt.Sprintf("test_ingest_%d", time.Now().UnixNano()%100000)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	s := newMongoStore(nil, client.Database(dbName), "")
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func TestMongoStore_SaveAndDeduplicate(t *testing.T) {
	s := setupMongoStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first, created, err := s.Save(ctx, Submission{ID: "a", Key: "device-1-1", Data: json.RawMessage(`{"steps":500}`), ReceivedAt: now})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := s.Save(ctx, Submission{ID: "b", Key: "device-1-1", Data: json.RawMessage(`{"steps":500}`), ReceivedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// Submissions without a key never collide.
	_, created, err = s.Save(ctx, Submission{ID: "c", Data: json.RawMessage(`1`), ReceivedAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = s.Save(ctx, Submission{ID: "d", Data: json.RawMessage(`2`), ReceivedAt: now})
	require.NoError(t, err)
	assert.True(t, created)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":500}`, string(got.Data))
	assert.True(t, now.Equal(got.ReceivedAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
