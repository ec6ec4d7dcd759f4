package pushchannel

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
)

func waitWriter(t *testing.T, w *storeWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, w.wait(ctx))
}

func TestStoreWriterOrdersPerDevice(t *testing.T) {
	store := newRecordingStore()
	gate := store.block("d1")
	w := newStoreWriter("writer-order", store, false, 4)
	defer w.release()

	w.upsert("d1", "u1")
	w.unregister("d1")

	// d1 的创建被阻塞时，d1 的注销不能先执行
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, store.Calls(), "update:d1")

	close(gate)
	waitWriter(t, w)
	assert.Equal(t, []string{"create:d1", "update:d1"}, store.Calls())

	n, err := store.Count(context.Background(), deviceFilter("d1", false))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestStoreWriterDevicesRunInParallel(t *testing.T) {
	store := newRecordingStore()
	w := newStoreWriter("writer-parallel", store, false, 4)
	defer w.release()

	gate := store.block("d1")
	w.upsert("d1", "u1")
	w.upsert("d2", "u2")
	require.Eventually(t, func() bool {
		return lo.Contains(store.Calls(), "create:d2")
	}, waitFor, tick)
	assert.NotContains(t, store.Calls(), "create:d1")

	close(gate)
	waitWriter(t, w)
	assert.Contains(t, store.Calls(), "create:d1")
}

func TestStoreWriterEnqueueNeverBlocks(t *testing.T) {
	store := newRecordingStore()
	w := newStoreWriter("writer-saturated", store, false, 1)
	defer w.release()

	gate := store.block("d1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.upsert("d1", "u1")
		for _, id := range []string{"d2", "d3", "d4"} {
			w.upsert(id, "u")
			w.unregister(id)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a saturated pool")
	}
	assert.Empty(t, store.Calls())

	close(gate)
	waitWriter(t, w)
	calls := store.Calls()
	assert.Len(t, calls, 7)
	for _, id := range []string{"d2", "d3", "d4"} {
		assert.Less(t, lo.IndexOf(calls, "create:"+id), lo.IndexOf(calls, "update:"+id))
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ChannelStoreBusyWorkers.WithLabelValues("writer-saturated")))
}

func TestStoreWriterUnexpectedCount(t *testing.T) {
	store := newRecordingStore()
	w := newStoreWriter("writer-count", store, false, 2)
	defer w.release()

	counter := metrics.ChannelInconsistenciesTotal.WithLabelValues("writer-count", metrics.InconsistencyUnexpectedCount)
	before := testutil.ToFloat64(counter)

	w.unregister("missing")
	waitWriter(t, w)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChannelStoreOpsTotal.WithLabelValues(
		"writer-count", metrics.StoreOpUnregister, metrics.StoreResultUnexpected)))
}

func TestStoreWriterRecoversPanic(t *testing.T) {
	store := newRecordingStore()
	store.panicOn = "d3"
	w := newStoreWriter("writer-panic", store, false, 2)
	defer w.release()

	w.upsert("d3", "u3")
	w.unregister("d3")
	waitWriter(t, w)

	assert.Equal(t, []string{"create:d3", "update:d3"}, store.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChannelStoreOpsTotal.WithLabelValues(
		"writer-panic", metrics.StoreOpUpsert, metrics.StoreResultFailed)))
}

func TestStoreWriterHardDelete(t *testing.T) {
	store := newRecordingStore()
	w := newStoreWriter("writer-hard", store, true, 2)
	defer w.release()

	w.upsert("d4", "u4")
	w.unregister("d4")
	waitWriter(t, w)

	assert.Equal(t, []string{"create:d4", "destroy:d4"}, store.Calls())
	n, err := store.Count(context.Background(), deviceFilter("d4", false))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestStoreWriterReleased(t *testing.T) {
	store := newRecordingStore()
	w := newStoreWriter("writer-released", store, false, 2)
	w.release()

	w.upsert("d5", "u5")
	waitWriter(t, w)
	assert.Empty(t, store.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChannelStoreOpsTotal.WithLabelValues(
		"writer-released", metrics.StoreOpUpsert, metrics.StoreResultFailed)))
	// 重复释放无副作用
	w.release()
}
