// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/testutil"
	"github.com/hemant/resq/internal/timeutil"
)

func TestHeartbeat(t *testing.T) {
	r, client, clock := setup(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, "box"))
	score, err := client.ZScore(ctx, base.WatchdogKey(testNS), "box").Result()
	require.NoError(t, err)
	assert.Equal(t, timeutil.UnixMilli(clock.Now()), int64(score))

	clock.AdvanceTime(2 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "box"))
	score, err = client.ZScore(ctx, base.WatchdogKey(testNS), "box").Result()
	require.NoError(t, err)
	assert.Equal(t, timeutil.UnixMilli(clock.Now()), int64(score))
}

func TestLastHeartbeat(t *testing.T) {
	r, _, clock := setup(t)
	ctx := context.Background()

	last, err := r.LastHeartbeat(ctx, "box")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, r.Heartbeat(ctx, "box"))
	last, err = r.LastHeartbeat(ctx, "box")
	require.NoError(t, err)
	assert.Equal(t, timeutil.UnixMilli(clock.Now()), last.UnixMilli())
}

func TestRecoverStaleHosts(t *testing.T) {
	r, client, clock := setup(t)
	ctx := context.Background()

	dead := base.WorkerName("dead", 1, 0, []string{"default", "ticks"})
	alive := base.WorkerName("alive", 2, 0, []string{"default"})

	require.NoError(t, r.Heartbeat(ctx, "dead"))
	require.NoError(t, r.RegisterWorker(ctx, dead, clock.Now()))
	require.NoError(t, r.RecordSuccess(ctx, dead))
	testutil.SeedQueue(t, client, testNS, "default", "next")
	testutil.SeedInflight(t, client, testNS, dead, "default", "orphan")
	require.NoError(t, r.RecurringEnqueue(ctx, "ticks", []byte("tick"), clock.Now(), time.Hour))
	_, err := r.Claim(ctx, dead, "ticks")
	require.NoError(t, err)

	clock.AdvanceTime(time.Minute)
	require.NoError(t, r.Heartbeat(ctx, "alive"))
	require.NoError(t, r.RegisterWorker(ctx, alive, clock.Now()))
	testutil.SeedInflight(t, client, testNS, alive, "default", "busy")

	report, err := r.RecoverStaleHosts(ctx, clock.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, report.Hosts)
	assert.Equal(t, 2, report.Requeued)

	assert.Equal(t, []string{"orphan", "next"}, testutil.GetQueue(t, client, testNS, "default"))
	assert.Empty(t, testutil.GetInflight(t, client, testNS, dead, "default"))
	assert.Empty(t, testutil.GetInflight(t, client, testNS, dead, "ticks"))
	scheduled := testutil.GetScheduled(t, client, testNS, "ticks")
	require.Len(t, scheduled, 1)
	assert.Equal(t, timeutil.UnixMilli(clock.Now()), scheduled[0].Score)

	assert.Equal(t, []string{alive}, testutil.GetWorkers(t, client, testNS))
	assert.Equal(t, []string{"busy"}, testutil.GetInflight(t, client, testNS, alive, "default"))
	assert.Zero(t, testutil.GetCounter(t, client, base.WorkerProcessedKey(testNS, dead)))

	hosts, err := client.ZRange(ctx, base.WatchdogKey(testNS), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, hosts)

	// Nothing left to recover.
	report, err = r.RecoverStaleHosts(ctx, clock.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, report.Hosts)
	assert.Zero(t, report.Requeued)
}

func TestRecoverHost(t *testing.T) {
	r, client, clock := setup(t)
	ctx := context.Background()

	previous := base.WorkerName("box", 10, 3, []string{"default"})
	other := base.WorkerName("boxer", 11, 0, []string{"default"})
	require.NoError(t, r.RegisterWorker(ctx, previous, clock.Now()))
	require.NoError(t, r.RegisterWorker(ctx, other, clock.Now()))
	testutil.SeedInflight(t, client, testNS, previous, "default", "mine")
	testutil.SeedInflight(t, client, testNS, other, "default", "theirs")

	report, err := r.RecoverHost(ctx, "box")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, []string{"box"}, report.Hosts)

	assert.Equal(t, []string{"mine"}, testutil.GetQueue(t, client, testNS, "default"))
	assert.Equal(t, []string{other}, testutil.GetWorkers(t, client, testNS))
	assert.Equal(t, []string{"theirs"}, testutil.GetInflight(t, client, testNS, other, "default"))

	_, err = r.RecoverHost(ctx, "")
	assert.Error(t, err)
}

func TestLock(t *testing.T) {
	r, client, _ := setup(t)
	ctx := context.Background()
	key := base.WatchdogLockKey(testNS)

	ok, err := r.AcquireLock(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLock(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing with the wrong token keeps the lock.
	require.NoError(t, r.ReleaseLock(ctx, key, "b"))
	got, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	require.NoError(t, r.ReleaseLock(ctx, key, "a"))
	ok, err = r.AcquireLock(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
