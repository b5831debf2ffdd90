// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/resq/internal/base"
	ierrors "github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/testutil"
)

func TestClientEnqueue(t *testing.T) {
	_, r := testutil.NewRedis(t)
	client := NewClientFromRedisClient(r, Config{})
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, "default", NewJob("A", 1)))
	require.NoError(t, client.Enqueue(ctx, "default", NewJob("B")))
	require.NoError(t, client.PriorityEnqueue(ctx, "default", NewJob("Urgent")))

	assert.Equal(t, []string{
		`{"class":"Urgent","args":[]}`,
		`{"class":"A","args":[1]}`,
		`{"class":"B","args":[]}`,
	}, testutil.GetQueue(t, r, testNS, "default"))
	queues, err := r.SMembers(ctx, base.QueuesKey(testNS)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, queues)
}

func TestClientBatchEnqueue(t *testing.T) {
	_, r := testutil.NewRedis(t)
	client := NewClientFromRedisClient(r, Config{Namespace: "custom"})
	ctx := context.Background()

	require.NoError(t, client.BatchEnqueue(ctx, "q", nil))
	assert.Empty(t, testutil.GetQueue(t, r, "custom", "q"))
	require.NoError(t, client.BatchEnqueue(ctx, "q", []*Job{NewJob("A"), NewJob("B")}))
	assert.Equal(t, []string{`{"class":"A","args":[]}`, `{"class":"B","args":[]}`}, testutil.GetQueue(t, r, "custom", "q"))

	err := client.BatchEnqueue(ctx, "q", []*Job{NewJob("C"), {}})
	assert.Equal(t, ierrors.InvalidArgument, ierrors.CanonicalCode(err))
	assert.Len(t, testutil.GetQueue(t, r, "custom", "q"), 2)
}

func TestClientValidation(t *testing.T) {
	_, r := testutil.NewRedis(t)
	client := NewClientFromRedisClient(r, Config{})
	ctx := context.Background()

	tests := []struct {
		desc string
		err  error
	}{
		{"empty queue", client.Enqueue(ctx, "", NewJob("A"))},
		{"nil job", client.Enqueue(ctx, "q", nil)},
		{"no class", client.PriorityEnqueue(ctx, "q", &Job{})},
		{"delayed no class", client.DelayedEnqueue(ctx, "q", &Job{}, time.Now())},
		{"bad frequency", client.RecurringEnqueue(ctx, "q", NewJob("A"), time.Now(), 0)},
		{"bad spec", client.RecurringEnqueueSpec(ctx, "q", NewJob("A"), "not a spec")},
	}
	for _, tc := range tests {
		assert.Equal(t, ierrors.InvalidArgument, ierrors.CanonicalCode(tc.err), tc.desc)
	}
}

func TestClientWrongQueueType(t *testing.T) {
	_, r := testutil.NewRedis(t)
	client := NewClientFromRedisClient(r, Config{})
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, "q", NewJob("A")))
	err := client.DelayedEnqueue(ctx, "q", NewJob("B"), time.Now())
	assert.ErrorIs(t, err, ErrWrongQueueType)

	require.NoError(t, client.DelayedEnqueue(ctx, "later", NewJob("B"), time.Now()))
	err = client.Enqueue(ctx, "later", NewJob("A"))
	assert.ErrorIs(t, err, ErrWrongQueueType)
}

func TestClientDelayedAndRecurring(t *testing.T) {
	_, r := testutil.NewRedis(t)
	client := NewClientFromRedisClient(r, Config{})
	ctx := context.Background()
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, client.DelayedEnqueue(ctx, "later", NewJob("A"), at))
	assert.Equal(t, []testutil.ScheduledJob{{Job: `{"class":"A","args":[]}`, Score: at.UnixMilli()}},
		testutil.GetScheduled(t, r, testNS, "later"))
	require.NoError(t, client.RemoveDelayedEnqueue(ctx, "later", NewJob("A")))
	assert.Empty(t, testutil.GetScheduled(t, r, testNS, "later"))

	require.NoError(t, client.RecurringEnqueue(ctx, "ticks", NewJob("Tick"), at, time.Minute))
	freq, err := r.HGet(ctx, base.RecurringHashKey(testNS, "ticks"), `{"class":"Tick","args":[]}`).Result()
	require.NoError(t, err)
	assert.Equal(t, "60000", freq)
	require.NoError(t, client.RemoveRecurringEnqueue(ctx, "ticks", NewJob("Tick")))
	assert.Empty(t, testutil.GetScheduled(t, r, testNS, "ticks"))
	assert.Equal(t, int64(0), r.Exists(ctx, base.RecurringHashKey(testNS, "ticks")).Val())
}

func TestParseRecurringSpec(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		spec      string
		wantFirst time.Time
		wantFreq  time.Duration
	}{
		{"@every 5m", now.Add(5 * time.Minute), 5 * time.Minute},
		{"@hourly", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), time.Hour},
		{"*/10 * * * *", time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC), 10 * time.Minute},
	}
	for _, tc := range tests {
		first, freq, err := parseRecurringSpec(tc.spec, now)
		require.NoError(t, err, tc.spec)
		assert.Equal(t, tc.wantFirst, first, tc.spec)
		assert.Equal(t, tc.wantFreq, freq, tc.spec)
	}
	_, _, err := parseRecurringSpec("61 * * * *", now)
	assert.Error(t, err)
}

func TestClientClose(t *testing.T) {
	_, r := testutil.NewRedis(t)
	shared := NewClientFromRedisClient(r, Config{})
	assert.Error(t, shared.Close())
	assert.NoError(t, shared.Ping(context.Background()))
}
