package moray_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/misterdjules/moray"
	"github.com/misterdjules/moray/testutil"
)

func newTestStore(ctx context.Context, t *testing.T) *moray.Store {
	t.Helper()
	info := testutil.SetupPostgresContainer(ctx, t)
	s, err := moray.New(ctx, moray.Config{URL: info.DSN})
	if err != nil {
		info.Terminate(ctx, t)
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		info.Terminate(ctx, t)
	})
	return s
}

func accountsConfig(version int) *moray.BucketConfig {
	return &moray.BucketConfig{
		Index: map[string]moray.FieldConfig{
			"login": {Type: "string", Unique: true},
			"uid":   {Type: "number"},
			"admin": {Type: "boolean"},
			"tags":  {Type: "[string]"},
		},
		Options: moray.BucketOptions{Version: version},
	}
}

func findAll(ctx context.Context, t *testing.T, s *moray.Store, bucket, filter string, opts moray.FindOptions) []map[string]any {
	t.Helper()
	var out []map[string]any
	err := s.FindObjects(ctx, bucket, filter, opts, func(obj map[string]any) error {
		out = append(out, obj)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestBucketLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)

	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	b, err := s.GetBucket(ctx, "accounts")
	require.NoError(t, err)
	require.Equal(t, "accounts", b.Name)
	require.Equal(t, 1, b.Options.Version)
	require.True(t, b.Index["login"].Unique)
	require.Empty(t, b.ReindexActive)

	// Creating it again is a config error, not an overwrite.
	err = s.CreateBucket(ctx, "accounts", accountsConfig(1))
	require.Equal(t, moray.KindInvalidBucketConfig, moray.KindOf(err))

	err = s.CreateBucket(ctx, "1bad", accountsConfig(1))
	require.Equal(t, moray.KindInvalidBucketName, moray.KindOf(err))

	err = s.CreateBucket(ctx, "moray", accountsConfig(1))
	require.Equal(t, moray.KindInvalidBucketName, moray.KindOf(err))

	err = s.CreateBucket(ctx, "bad_type", &moray.BucketConfig{
		Index: map[string]moray.FieldConfig{"f": {Type: "varchar"}},
	})
	require.Equal(t, moray.KindInvalidBucketConfig, moray.KindOf(err))

	require.NoError(t, s.CreateBucket(ctx, "vips", &moray.BucketConfig{
		Index:   map[string]moray.FieldConfig{"addr": {Type: "ip"}},
		Options: moray.BucketOptions{Version: 1},
	}))
	bs, err := s.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, bs, 2)
	require.Equal(t, "accounts", bs[0].Name)
	require.Equal(t, "vips", bs[1].Name)

	require.NoError(t, s.DelBucket(ctx, "vips"))
	_, err = s.GetBucket(ctx, "vips")
	require.Equal(t, moray.KindBucketNotFound, moray.KindOf(err))

	err = s.DelBucket(ctx, "vips")
	require.Equal(t, moray.KindBucketNotFound, moray.KindOf(err))
}

func TestObjectOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	bob := map[string]any{"login": "bob", "uid": float64(1001), "admin": false}

	etag, err := s.PutObject(ctx, "accounts", "bob", bob, moray.PutOptions{})
	require.NoError(t, err)
	require.Len(t, etag, 16)

	// Rewriting the identical value yields the identical etag.
	again, err := s.PutObject(ctx, "accounts", "bob", bob, moray.PutOptions{})
	require.NoError(t, err)
	require.Equal(t, etag, again)

	obj, err := s.GetObject(ctx, "accounts", "bob", moray.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "bob", obj["login"])
	require.Equal(t, int64(1001), obj["uid"])
	require.Equal(t, false, obj["admin"])
	require.Equal(t, etag, obj["_etag"])
	require.NotNil(t, obj["_id"])
	require.NotNil(t, obj["_mtime"])
	require.Equal(t, int64(1), obj["_count"])

	_, err = s.GetObject(ctx, "accounts", "nobody", moray.GetOptions{})
	require.Equal(t, moray.KindObjectNotFound, moray.KindOf(err))

	_, err = s.PutObject(ctx, "nosuch", "k", bob, moray.PutOptions{})
	require.Equal(t, moray.KindBucketNotFound, moray.KindOf(err))

	t.Run("etag preconditions", func(t *testing.T) {
		// if-absent on an existing key
		_, err := s.PutObject(ctx, "accounts", "bob", bob, moray.PutOptions{EtagNull: true})
		require.Equal(t, moray.KindEtagConflict, moray.KindOf(err))

		stale := "0123456789abcdef"
		_, err = s.PutObject(ctx, "accounts", "bob", bob, moray.PutOptions{Etag: &stale})
		require.Equal(t, moray.KindEtagConflict, moray.KindOf(err))

		_, err = s.PutObject(ctx, "accounts", "ghost", bob, moray.PutOptions{Etag: &stale})
		require.Equal(t, moray.KindEtagConflict, moray.KindOf(err))

		bob2 := map[string]any{"login": "bob", "uid": float64(1002)}
		newEtag, err := s.PutObject(ctx, "accounts", "bob", bob2, moray.PutOptions{Etag: &etag})
		require.NoError(t, err)
		require.NotEqual(t, etag, newEtag)
		etag = newEtag

		err = s.DelObject(ctx, "accounts", "bob", moray.DelOptions{Etag: &stale})
		require.Equal(t, moray.KindEtagConflict, moray.KindOf(err))
	})

	t.Run("unique attribute", func(t *testing.T) {
		_, err := s.PutObject(ctx, "accounts", "impostor",
			map[string]any{"login": "bob"}, moray.PutOptions{})
		require.Equal(t, moray.KindUniqueAttribute, moray.KindOf(err))

		// The failed write must not be visible.
		_, err = s.GetObject(ctx, "accounts", "impostor", moray.GetOptions{})
		require.Equal(t, moray.KindObjectNotFound, moray.KindOf(err))
	})

	t.Run("unindexed fields round-trip through the value", func(t *testing.T) {
		val := map[string]any{"login": "carol", "profile": map[string]any{"theme": "dark"}}
		_, err := s.PutObject(ctx, "accounts", "carol", val, moray.PutOptions{})
		require.NoError(t, err)
		obj, err := s.GetObject(ctx, "accounts", "carol", moray.GetOptions{})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"theme": "dark"}, obj["profile"])
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DelObject(ctx, "accounts", "bob", moray.DelOptions{}))
		_, err := s.GetObject(ctx, "accounts", "bob", moray.GetOptions{})
		require.Equal(t, moray.KindObjectNotFound, moray.KindOf(err))

		err = s.DelObject(ctx, "accounts", "bob", moray.DelOptions{})
		require.Equal(t, moray.KindObjectNotFound, moray.KindOf(err))
	})
}

func TestTriggers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)

	var preCalls, postCalls int
	s.Triggers().Register("count_pre", func(ctx context.Context, c *moray.TriggerCookie) error {
		preCalls++
		require.Equal(t, "accounts", c.Bucket)
		require.Equal(t, "string", c.Schema["login"])
		return nil
	})
	s.Triggers().Register("count_post", func(ctx context.Context, c *moray.TriggerCookie) error {
		postCalls++
		require.NotZero(t, c.ID)
		return nil
	})
	s.Triggers().Register("reject", func(ctx context.Context, c *moray.TriggerCookie) error {
		if c.Value["login"] == "evil" {
			return fmt.Errorf("rejected by policy")
		}
		return nil
	})

	cfg := accountsConfig(1)
	cfg.Pre = []string{"count_pre", "reject"}
	cfg.Post = []string{"count_post"}
	require.NoError(t, s.CreateBucket(ctx, "accounts", cfg))

	// Unregistered trigger names fail bucket creation.
	bad := accountsConfig(1)
	bad.Pre = []string{"nope"}
	err := s.CreateBucket(ctx, "other", bad)
	require.Equal(t, moray.KindNotFunction, moray.KindOf(err))

	_, err = s.PutObject(ctx, "accounts", "bob", map[string]any{"login": "bob"}, moray.PutOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, preCalls)
	require.Equal(t, 1, postCalls)

	// A failing pre trigger aborts the pipeline and rolls back the write.
	_, err = s.PutObject(ctx, "accounts", "evil", map[string]any{"login": "evil"}, moray.PutOptions{})
	require.Error(t, err)
	_, err = s.GetObject(ctx, "accounts", "evil", moray.GetOptions{})
	require.Equal(t, moray.KindObjectNotFound, moray.KindOf(err))
}

func TestFindObjects(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	users := []map[string]any{
		{"login": "alice", "uid": float64(1), "admin": true, "tags": []any{"ops", "eng"}},
		{"login": "bob", "uid": float64(2), "admin": false, "tags": []any{"eng"}},
		{"login": "carol", "uid": float64(3), "admin": false, "tags": []any{"sales"}},
		{"login": "dave", "uid": float64(4), "admin": true},
	}
	for _, u := range users {
		_, err := s.PutObject(ctx, "accounts", u["login"].(string), u, moray.PutOptions{})
		require.NoError(t, err)
	}

	t.Run("equality", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(login=bob)", moray.FindOptions{})
		require.Len(t, got, 1)
		require.Equal(t, "bob", got[0]["login"])
		require.Equal(t, int64(1), got[0]["_count"])
	})

	t.Run("boolean and ordering", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(&(admin=true)(uid>=2))", moray.FindOptions{})
		require.Len(t, got, 1)
		require.Equal(t, "dave", got[0]["login"])
	})

	t.Run("or and substring", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(|(login=a*)(login=*ol))",
			moray.FindOptions{Sort: []string{"login"}})
		require.Len(t, got, 2)
		require.Equal(t, "alice", got[0]["login"])
		require.Equal(t, "carol", got[1]["login"])
	})

	t.Run("array containment", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(tags=eng)",
			moray.FindOptions{Sort: []string{"uid"}})
		require.Len(t, got, 2)
		require.Equal(t, "alice", got[0]["login"])
		require.Equal(t, "bob", got[1]["login"])
	})

	t.Run("presence and count window", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(login=*)", moray.FindOptions{})
		require.Len(t, got, 4)
		for _, obj := range got {
			require.Equal(t, int64(4), obj["_count"])
		}
	})

	t.Run("sort desc limit offset", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(uid>=1)",
			moray.FindOptions{Sort: []string{"-uid"}, Limit: 2, Offset: 1})
		require.Len(t, got, 2)
		require.Equal(t, "carol", got[0]["login"])
		require.Equal(t, "bob", got[1]["login"])
	})

	t.Run("case insensitive extensible", func(t *testing.T) {
		got := findAll(ctx, t, s, "accounts", "(login:caseIgnoreMatch:=ALICE)", moray.FindOptions{})
		require.Len(t, got, 1)
		require.Equal(t, "alice", got[0]["login"])
	})

	t.Run("unindexed filter is refused", func(t *testing.T) {
		err := s.FindObjects(ctx, "accounts", "(shoe_size=9)", moray.FindOptions{},
			func(obj map[string]any) error { return nil })
		require.Equal(t, moray.KindNotIndexed, moray.KindOf(err))
	})

	t.Run("bad filter syntax", func(t *testing.T) {
		err := s.FindObjects(ctx, "accounts", "(login=", moray.FindOptions{},
			func(obj map[string]any) error { return nil })
		require.Equal(t, moray.KindInvalidQuery, moray.KindOf(err))
	})

	t.Run("sort on unindexed field", func(t *testing.T) {
		err := s.FindObjects(ctx, "accounts", "(login=*)",
			moray.FindOptions{Sort: []string{"shoe_size"}},
			func(obj map[string]any) error { return nil })
		require.Equal(t, moray.KindInvalidQuery, moray.KindOf(err))
	})
}

func TestIPFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "vips", &moray.BucketConfig{
		Index: map[string]moray.FieldConfig{
			"addr":    {Type: "ip"},
			"network": {Type: "subnet"},
		},
		Options: moray.BucketOptions{Version: 1},
	}))

	vips := map[string]map[string]any{
		"web":  {"addr": "10.0.0.5", "network": "10.0.0.0/24"},
		"db":   {"addr": "10.0.1.5", "network": "10.0.1.0/24"},
		"edge": {"addr": "2001:db8::1", "network": "2001:db8::/64"},
	}
	for k, v := range vips {
		_, err := s.PutObject(ctx, "vips", k, v, moray.PutOptions{})
		require.NoError(t, err)
	}

	// Comparison is numeric, not lexicographic.
	got := findAll(ctx, t, s, "vips", "(&(addr>=10.0.0.0)(addr<=10.0.0.255))", moray.FindOptions{})
	require.Len(t, got, 1)
	require.Equal(t, "10.0.0.5", got[0]["addr"])

	got = findAll(ctx, t, s, "vips", "(network=10.0.1.0/24)", moray.FindOptions{})
	require.Len(t, got, 1)
	require.Equal(t, "10.0.1.0/24", got[0]["network"])

	// Addresses come back in canonical form.
	obj, err := s.GetObject(ctx, "vips", "edge", moray.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1", obj["addr"])
}

func TestUpdateAndDeleteMany(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	for i := 1; i <= 5; i++ {
		key := fmt.Sprintf("u%d", i)
		_, err := s.PutObject(ctx, "accounts", key,
			map[string]any{"login": key, "uid": float64(i), "admin": false}, moray.PutOptions{})
		require.NoError(t, err)
	}

	before, err := s.GetObject(ctx, "accounts", "u4", moray.GetOptions{})
	require.NoError(t, err)

	n, err := s.UpdateObjects(ctx, "accounts", map[string]any{"admin": true}, "(uid>=4)")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	after, err := s.GetObject(ctx, "accounts", "u4", moray.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, true, after["admin"])
	require.NotEqual(t, before["_etag"], after["_etag"])

	// Updating an unindexed field is refused.
	_, err = s.UpdateObjects(ctx, "accounts", map[string]any{"shoe_size": 9}, "(uid>=1)")
	require.Equal(t, moray.KindNotIndexed, moray.KindOf(err))

	_, err = s.UpdateObjects(ctx, "accounts", map[string]any{}, "(uid>=1)")
	require.Equal(t, moray.KindInvalidQuery, moray.KindOf(err))

	n, err = s.DeleteMany(ctx, "accounts", "(uid<=2)")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	got := findAll(ctx, t, s, "accounts", "(uid>=1)", moray.FindOptions{})
	require.Len(t, got, 3)
}

func TestBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	err := s.Batch(ctx, []moray.BatchOp{
		{Operation: "put", Bucket: "accounts", Key: "a",
			Value: map[string]any{"login": "a", "uid": float64(1)}},
		{Operation: "put", Bucket: "accounts", Key: "b",
			Value: map[string]any{"login": "b", "uid": float64(2)}},
		{Operation: "update", Bucket: "accounts", Filter: "(uid>=1)",
			Fields: map[string]any{"admin": true}},
	})
	require.NoError(t, err)

	obj, err := s.GetObject(ctx, "accounts", "a", moray.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, true, obj["admin"])

	// One failing operation rolls back the whole batch.
	err = s.Batch(ctx, []moray.BatchOp{
		{Operation: "put", Bucket: "accounts", Key: "c",
			Value: map[string]any{"login": "c", "uid": float64(3)}},
		{Operation: "put", Bucket: "accounts", Key: "a",
			Value: map[string]any{"login": "a2"}, EtagNull: true},
	})
	require.Equal(t, moray.KindEtagConflict, moray.KindOf(err))
	_, err = s.GetObject(ctx, "accounts", "c", moray.GetOptions{})
	require.Equal(t, moray.KindObjectNotFound, moray.KindOf(err))

	err = s.Batch(ctx, []moray.BatchOp{{Operation: "merge", Bucket: "accounts"}})
	require.Equal(t, moray.KindInvalidQuery, moray.KindOf(err))

	err = s.Batch(ctx, []moray.BatchOp{
		{Operation: "delete", Bucket: "accounts", Key: "b"},
		{Operation: "deleteMany", Bucket: "accounts", Filter: "(uid>=1)"},
	})
	require.NoError(t, err)
	got := findAll(ctx, t, s, "accounts", "(login=*)", moray.FindOptions{})
	require.Empty(t, got)
}

func TestSchemaEvolution(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	for i := 1; i <= 7; i++ {
		key := fmt.Sprintf("u%d", i)
		_, err := s.PutObject(ctx, "accounts", key, map[string]any{
			"login": key,
			"uid":   float64(i),
			"city":  fmt.Sprintf("city%d", i%2),
		}, moray.PutOptions{})
		require.NoError(t, err)
	}

	// Same version is refused, as is an older one.
	err := s.UpdateBucket(ctx, "accounts", accountsConfig(1), moray.UpdateBucketOptions{})
	require.Equal(t, moray.KindBucketVersion, moray.KindOf(err))
	err = s.UpdateBucket(ctx, "accounts", accountsConfig(0), moray.UpdateBucketOptions{})
	require.Equal(t, moray.KindBucketVersion, moray.KindOf(err))

	// v2 indexes city and drops tags.
	v2 := accountsConfig(2)
	v2.Index["city"] = moray.FieldConfig{Type: "string"}
	delete(v2.Index, "tags")
	require.NoError(t, s.UpdateBucket(ctx, "accounts", v2, moray.UpdateBucketOptions{}))

	b, err := s.GetBucket(ctx, "accounts")
	require.NoError(t, err)
	require.Equal(t, 2, b.Options.Version)
	require.Equal(t, moray.ReindexMap{2: {"city"}}, b.ReindexActive)

	// The new field cannot serve queries until the backfill drains.
	err = s.FindObjects(ctx, "accounts", "(city=city1)", moray.FindOptions{},
		func(obj map[string]any) error { return nil })
	require.Equal(t, moray.KindNotIndexed, moray.KindOf(err))

	// But it drops out of AND-filters instead of failing them.
	got := findAll(ctx, t, s, "accounts", "(&(uid>=1)(city=city1))", moray.FindOptions{})
	require.Len(t, got, 7)

	// Writes during the backfill are stamped current.
	_, err = s.PutObject(ctx, "accounts", "u8",
		map[string]any{"login": "u8", "uid": float64(8), "city": "city0"}, moray.PutOptions{})
	require.NoError(t, err)

	// Drain in small passes.
	passes := 0
	for {
		res, err := s.ReindexObjects(ctx, "accounts", 3)
		require.NoError(t, err)
		passes++
		require.Less(t, passes, 20, "reindex did not converge")
		if !res.Remaining {
			break
		}
	}

	b, err = s.GetBucket(ctx, "accounts")
	require.NoError(t, err)
	require.Empty(t, b.ReindexActive)

	// Backfilled columns now serve queries, including for rows written
	// before the schema change.
	got = findAll(ctx, t, s, "accounts", "(city=city1)", moray.FindOptions{})
	require.Len(t, got, 4)

	// Reindex on a drained bucket is a no-op.
	res, err := s.ReindexObjects(ctx, "accounts", 3)
	require.NoError(t, err)
	require.Zero(t, res.Processed)
	require.False(t, res.Remaining)

	t.Run("dropped field disappears from queries", func(t *testing.T) {
		err := s.FindObjects(ctx, "accounts", "(tags=eng)", moray.FindOptions{},
			func(obj map[string]any) error { return nil })
		require.Equal(t, moray.KindNotIndexed, moray.KindOf(err))
	})

	t.Run("no-reindex update is immediately queryable", func(t *testing.T) {
		v3 := accountsConfig(3)
		v3.Index["city"] = moray.FieldConfig{Type: "string"}
		v3.Index["country"] = moray.FieldConfig{Type: "string"}
		delete(v3.Index, "tags")
		require.NoError(t, s.UpdateBucket(ctx, "accounts", v3, moray.UpdateBucketOptions{NoReindex: true}))

		b, err := s.GetBucket(ctx, "accounts")
		require.NoError(t, err)
		require.Empty(t, b.ReindexActive)

		// Old rows have NULL columns for the new field, so nothing
		// matches, but the query itself is servable.
		got := findAll(ctx, t, s, "accounts", "(country=iceland)", moray.FindOptions{})
		require.Empty(t, got)
	})
}

func TestStaleDescriptorAcrossStores(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	// Two stores over the same database, the way two server processes
	// share one Postgres. Each has its own descriptor cache.
	info := testutil.SetupPostgresContainer(ctx, t)
	a, err := moray.New(ctx, moray.Config{URL: info.DSN})
	require.NoError(t, err)
	b, err := moray.New(ctx, moray.Config{URL: info.DSN})
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
		info.Terminate(ctx, t)
	})

	require.NoError(t, a.CreateBucket(ctx, "accounts", accountsConfig(1)))
	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("u%d", i)
		_, err := a.PutObject(ctx, "accounts", key, map[string]any{
			"login": key,
			"uid":   float64(i),
			"city":  "reykjavik",
			"tags":  []any{"eng"},
		}, moray.PutOptions{})
		require.NoError(t, err)
	}

	// Warm a's cache at version 1.
	_, err = a.GetObject(ctx, "accounts", "u1", moray.GetOptions{})
	require.NoError(t, err)

	// b evolves the schema: city gains an index, tags loses its column.
	v2 := accountsConfig(2)
	v2.Index["city"] = moray.FieldConfig{Type: "string"}
	delete(v2.Index, "tags")
	require.NoError(t, b.UpdateBucket(ctx, "accounts", v2, moray.UpdateBucketOptions{}))
	for {
		res, err := b.ReindexObjects(ctx, "accounts", 100)
		require.NoError(t, err)
		if !res.Remaining {
			break
		}
	}

	// a still holds the v1 descriptor, which names the dropped tags
	// column. The read must survive and, seeing rows stamped with the
	// newer version, refresh the descriptor.
	obj, err := a.GetObject(ctx, "accounts", "u1", moray.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "u1", obj["login"])
	require.Equal(t, []any{"eng"}, obj["tags"])

	// With the refreshed descriptor the new index serves queries from a
	// without a restart.
	got := findAll(ctx, t, a, "accounts", "(city=reykjavik)",
		moray.FindOptions{Sort: []string{"uid"}})
	require.Len(t, got, 3)
	require.Equal(t, "u1", got[0]["login"])
}

func TestConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newTestStore(ctx, t)
	require.NoError(t, s.CreateBucket(ctx, "accounts", accountsConfig(1)))

	const writers = 8
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		key := fmt.Sprintf("w%d", i)
		uid := float64(i)
		g.Go(func() error {
			_, err := s.PutObject(gctx, "accounts", key,
				map[string]any{"login": key, "uid": uid}, moray.PutOptions{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got := findAll(ctx, t, s, "accounts", "(login=*)", moray.FindOptions{})
	require.Len(t, got, writers)

	// Concurrent rewrites of an existing key serialise on the row lock;
	// all succeed and the final state is one of the written values.
	_, err := s.PutObject(ctx, "accounts", "shared",
		map[string]any{"login": "shared", "uid": float64(0)}, moray.PutOptions{})
	require.NoError(t, err)

	g, gctx = errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		uid := float64(100 + i)
		g.Go(func() error {
			_, err := s.PutObject(gctx, "accounts", "shared",
				map[string]any{"login": "shared", "uid": uid}, moray.PutOptions{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	obj, err := s.GetObject(ctx, "accounts", "shared", moray.GetOptions{})
	require.NoError(t, err)
	uid, ok := obj["uid"].(int64)
	require.True(t, ok)
	require.GreaterOrEqual(t, uid, int64(100))
	require.Less(t, uid, int64(100+writers))
}
