package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/shellcache/internal/cache"
)

func TestVersionTransitions(t *testing.T) {
	v := newVersion()
	require.Equal(t, StateInstalling, v.State())
	require.NoError(t, v.transition(StateInstalled))
	require.ErrorIs(t, v.transition(StateActivated), ErrIllegalTransition)
	require.NoError(t, v.transition(StateActivating))
	require.NoError(t, v.transition(StateActivated))
	require.NoError(t, v.transition(StateRedundant))
	require.ErrorIs(t, v.transition(StateInstalling), ErrIllegalTransition)

	var missing *Version
	assert.Equal(t, State(""), missing.State())
}

func TestInstallCachesEveryManifestEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.worker.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, v.State())

	staging, err := f.storage.Lookup(ctx, "yapishu-temp-v2")
	require.NoError(t, err)
	count, err := staging.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(testAssets), count)

	has, err := f.storage.Has(ctx, "yapishu-v2")
	require.NoError(t, err)
	assert.False(t, has, "install must not touch the live cache")

	require.NoError(t, f.worker.Activate(ctx, v))
	assert.Equal(t, StateActivated, v.State())
	assert.Same(t, v, f.worker.Active())
	assert.Equal(t, "/app.js@v1", f.liveBody(t, "/app.js"))

	has, err = f.storage.Has(ctx, "yapishu-temp-v2")
	require.NoError(t, err)
	assert.False(t, has, "staging must be consumed by promotion")
}

func TestInstallFailureLeavesLiveUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.mustUpdate(t)

	f.origin.setRelease("v2")
	f.origin.setStatus("/styles.css", 500)

	v, err := f.worker.Update(ctx)
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateRedundant, v.State())
	assert.Same(t, first, f.worker.Active())
	assert.Equal(t, StateActivated, first.State())

	for _, key := range testAssets {
		assert.Equal(t, key+"@v1", f.liveBody(t, key))
	}
	has, err := f.storage.Has(ctx, "yapishu-temp-v2")
	require.NoError(t, err)
	assert.False(t, has, "failed staging must be discarded")
}

func TestFailedFirstInstallLeavesNoLiveCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.offline.Store(true)

	_, err := f.worker.Update(ctx)
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Nil(t, f.worker.Active())

	names, err := f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	timeout, live := f.worker.TimeoutFor(ctx)
	assert.Equal(t, 2*time.Second, timeout)
	assert.Nil(t, live)
}

func TestReinstallIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.mustUpdate(t)
	second := f.mustUpdate(t)

	assert.Equal(t, StateRedundant, first.State())
	assert.Same(t, second, f.worker.Active())

	live, err := f.storage.Lookup(ctx, "yapishu-v2")
	require.NoError(t, err)
	keys, err := live.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, testAssets, keys)

	pruned, err := f.storage.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned, "previous generation data should already be reclaimed")
}

func TestActivateRejectsIncompleteStaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.worker.Install(ctx)
	require.NoError(t, err)
	staging, err := f.storage.Lookup(ctx, "yapishu-temp-v2")
	require.NoError(t, err)
	require.NoError(t, staging.Delete(ctx, "/app.js"))

	err = f.worker.Activate(ctx, v)
	require.ErrorIs(t, err, ErrIncompleteStaging)
	assert.Equal(t, StateRedundant, v.State())
	assert.Nil(t, f.worker.Active())

	names, err := f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "neither live nor staging should remain")
}

func TestActivateStrictVerifyComparesKeys(t *testing.T) {
	swapKey := func(t *testing.T, f *workerFixture) *Version {
		ctx := context.Background()
		v, err := f.worker.Install(ctx)
		require.NoError(t, err)
		staging, err := f.storage.Lookup(ctx, "yapishu-temp-v2")
		require.NoError(t, err)
		require.NoError(t, staging.Delete(ctx, "/app.js"))
		require.NoError(t, staging.Put(ctx, cache.Snapshot{Key: "/stray.js", Status: 200, Body: []byte("stray")}))
		return v
	}

	strict := newFixture(t)
	err := strict.worker.Activate(context.Background(), swapKey(t, strict))
	require.ErrorIs(t, err, ErrIncompleteStaging)
	assert.Contains(t, err.Error(), "/app.js")

	lenient := newFixture(t, withStrictVerify(false))
	require.NoError(t, lenient.worker.Activate(context.Background(), swapKey(t, lenient)))
	assert.Equal(t, "stray", lenient.liveBody(t, "/stray.js"))
}

func TestActivateRemovesStaleSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"yapishu-v1", "faritany-v1"} {
		gen, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, gen.Put(ctx, cache.Snapshot{Key: "/old.js", Status: 200, Body: []byte("old")}))
	}

	f.mustUpdate(t)

	names, err := f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"faritany-v1", "yapishu-v2"}, names)
}

func TestActivateNotifiesAndClaimsClients(t *testing.T) {
	f := newFixture(t)
	early := f.worker.Connect()
	assert.Empty(t, early.controller)

	first := f.mustUpdate(t)
	select {
	case msg := <-early.Messages():
		t.Fatalf("uncontrolled client should not be notified, got %+v", msg)
	default:
	}
	infos := f.worker.Clients().List()
	require.Len(t, infos, 1)
	assert.Equal(t, first.ID, infos[0].Controller)

	second := f.mustUpdate(t)
	select {
	case msg := <-early.Messages():
		assert.Equal(t, ReloadMessage(), msg)
	default:
		t.Fatalf("controlled client should receive reload")
	}
	assert.Equal(t, second.ID, f.worker.Clients().List()[0].Controller)
}

func TestActivateClaimsClientsEvenWhenVerificationFails(t *testing.T) {
	f := newFixture(t)
	first := f.mustUpdate(t)
	late := f.worker.Clients().Connect("")

	v, err := f.worker.Install(context.Background())
	require.NoError(t, err)
	staging, err := f.storage.Lookup(context.Background(), "yapishu-temp-v2")
	require.NoError(t, err)
	require.NoError(t, staging.Delete(context.Background(), "/"))

	require.ErrorIs(t, f.worker.Activate(context.Background(), v), ErrIncompleteStaging)
	for _, info := range f.worker.Clients().List() {
		if info.ID == late.ID {
			assert.Equal(t, first.ID, info.Controller)
		}
	}
}

func TestUpdateCoalescesConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	arrived, release := f.origin.hold()
	defer release()

	const callers = 4
	versions := make([]*Version, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			versions[i], errs[i] = f.worker.Update(context.Background())
		}()
	}

	start(0)
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("install never reached the origin")
	}
	for i := 1; i < callers; i++ {
		start(i)
	}
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, versions[0], versions[i])
	}
	for _, key := range testAssets {
		assert.Equal(t, 1, f.origin.hitCount(key), "asset %s fetched more than once", key)
	}
}

func TestClearAllRemovesPrefixedGenerations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustUpdate(t)

	for _, name := range []string{"yapishu-temp-v2", "yapishu-v1", "faritany-v1"} {
		_, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
	}

	removed, err := f.worker.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	names, err := f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"faritany-v1"}, names)

	timeout, _ := f.worker.TimeoutFor(ctx)
	assert.Equal(t, 2*time.Second, timeout)
}

func TestStatusReportsLiveGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.worker.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.LivePresent)
	assert.Equal(t, 2*time.Second, status.CurrentTimeout)
	assert.Equal(t, "yapishu-temp-v2", status.TempCacheName)

	v := f.mustUpdate(t)
	f.worker.Connect()

	status, err = f.worker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.LivePresent)
	assert.Equal(t, len(testAssets), status.LiveEntries)
	assert.False(t, status.StagingPresent)
	assert.Equal(t, v.ID, status.ActiveVersion)
	assert.Equal(t, StateActivated, status.ActiveState)
	assert.Equal(t, time.Second, status.CurrentTimeout)
	assert.Equal(t, "/index.html", status.Shell)
	assert.Equal(t, 1, status.Clients)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx, true, 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.worker.Active() != nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
