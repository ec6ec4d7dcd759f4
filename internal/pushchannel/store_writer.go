package pushchannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/conc"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// storeTask 是一次异步的设备存储写入。
type storeTask struct {
	op       string
	deviceID string
	run      func(ctx context.Context) error
}

// storeWorkerExpiry 为空闲写入 worker 的回收间隔。
const storeWorkerExpiry = 30 * time.Second

// storeWriter 在协程池上执行设备存储写入，调用方不等待结果。
//
// 同一 deviceId 的任务按提交顺序串行执行（注册一定先于注销落库），
// 不同设备之间并行。完成回调只记录日志和指标，不回写注册表。
//
// enqueue 只追加内存队列，从不阻塞；向协程池提交由单独的派发协程完成，
// 协程池占满时只有派发协程等待。
type storeWriter struct {
	log.Binder

	channel    string
	store      devicestore.Store
	hardDelete bool
	pool       *conc.Pool[struct{}]

	mu     sync.Mutex
	queues map[string][]storeTask
	// ready 为等待派发的设备，按入队顺序提交。
	ready  []string
	closed bool
	wg     sync.WaitGroup

	notify chan struct{}
	stop   chan struct{}
}

func newStoreWriter(channel string, store devicestore.Store, hardDelete bool, poolSize int) *storeWriter {
	w := &storeWriter{
		channel:    channel,
		store:      store,
		hardDelete: hardDelete,
		pool: conc.NewPool[struct{}](poolSize,
			conc.WithName("store-writer."+channel),
			conc.WithConcealPanic(true),
			conc.WithExpiryDuration(storeWorkerExpiry)),
		queues: make(map[string][]storeTask),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	w.SetLogger(log.With(log.FieldComponent("store-writer"), log.FieldChannel(channel)))
	go w.dispatchLoop()
	return w
}

// upsert 异步写入设备记录。
func (w *storeWriter) upsert(deviceID, userID string) {
	w.enqueue(storeTask{
		op:       metrics.StoreOpUpsert,
		deviceID: deviceID,
		run: func(ctx context.Context) error {
			return w.store.Create(ctx, devicestore.Device{
				DeviceID: deviceID,
				UserID:   userID,
				Channel:  w.channel,
			})
		},
	})
}

// unregister 异步注销设备记录，期望恰好影响一条 live 记录。
func (w *storeWriter) unregister(deviceID string) {
	w.enqueue(storeTask{
		op:       metrics.StoreOpUnregister,
		deviceID: deviceID,
		run: func(ctx context.Context) error {
			filter := devicestore.Filter{DeviceID: lo.ToPtr(deviceID), IsDeleted: lo.ToPtr(false)}

			var (
				n   int64
				err error
			)
			if w.hardDelete {
				n, err = w.store.Destroy(ctx, filter)
			} else {
				n, err = w.store.Update(ctx, devicestore.Patch{IsDeleted: lo.ToPtr(true)}, filter)
			}
			if err != nil {
				return err
			}
			if n != 1 {
				return merr.WrapErrStoreUnexpectedCount(metrics.StoreOpUnregister, 1, n)
			}
			return nil
		},
	})
}

// enqueue 追加任务到设备队列，调用方可能持有注册表锁。
func (w *storeWriter) enqueue(task storeTask) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.report(task, 0, merr.WrapErrStoreWriteFailed(task.op, errWriterReleased()))
		return
	}
	w.wg.Add(1)
	pending, draining := w.queues[task.deviceID]
	w.queues[task.deviceID] = append(pending, task)
	if !draining {
		w.ready = append(w.ready, task.deviceID)
	}
	w.mu.Unlock()

	if !draining {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func errWriterReleased() error {
	return merr.WrapErrServiceNotReady("store-writer", "released")
}

// dispatchLoop 把就绪设备逐个提交到协程池，释放后丢弃尚未派发的队列。
func (w *storeWriter) dispatchLoop() {
	defer w.discardReady()
	for {
		select {
		case <-w.stop:
			return
		case <-w.notify:
		}
		for {
			deviceID, ok := w.nextReady()
			if !ok {
				break
			}
			w.submit(deviceID)
		}
	}
}

func (w *storeWriter) nextReady() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ready) == 0 {
		return "", false
	}
	deviceID := w.ready[0]
	w.ready = w.ready[1:]
	return deviceID, true
}

// submit 在协程池满时阻塞，直到有空闲 worker 或协程池被释放。
func (w *storeWriter) submit(deviceID string) {
	future := w.pool.Submit(func() (struct{}, error) {
		w.drain(deviceID)
		return struct{}{}, nil
	})
	// 提交失败（协程池已释放）时 future 立即完成，丢弃该设备的队列。
	select {
	case <-future.Inner():
		if err := future.Err(); err != nil {
			w.discard(deviceID, err)
		}
	default:
	}
}

func (w *storeWriter) discardReady() {
	w.mu.Lock()
	ready := w.ready
	w.ready = nil
	w.mu.Unlock()

	for _, deviceID := range ready {
		w.discard(deviceID, errWriterReleased())
	}
}

// drain 依次执行某个设备的全部排队任务，队列为空时移除该设备。
func (w *storeWriter) drain(deviceID string) {
	for {
		w.mu.Lock()
		pending := w.queues[deviceID]
		if len(pending) == 0 {
			delete(w.queues, deviceID)
			w.mu.Unlock()
			return
		}
		task := pending[0]
		w.queues[deviceID] = pending[1:]
		w.mu.Unlock()

		metrics.ChannelStoreBusyWorkers.WithLabelValues(w.channel).Inc()
		w.execute(task)
		metrics.ChannelStoreBusyWorkers.WithLabelValues(w.channel).Dec()
		w.wg.Done()
	}
}

func (w *storeWriter) discard(deviceID string, cause error) {
	w.mu.Lock()
	pending := w.queues[deviceID]
	delete(w.queues, deviceID)
	w.mu.Unlock()

	for _, task := range pending {
		w.report(task, 0, merr.WrapErrStoreWriteFailed(task.op, cause))
		w.wg.Done()
	}
}

func (w *storeWriter) execute(task storeTask) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if x := recover(); x != nil {
				err = merr.WrapErrServiceInternal(fmt.Sprintf("store task panicked: %v", x))
			}
		}()
		return task.run(context.Background())
	}()
	w.report(task, time.Since(start), err)
}

func (w *storeWriter) report(task storeTask, cost time.Duration, err error) {
	logger := w.Logger().With(zap.String("op", task.op), log.FieldDeviceID(task.deviceID))
	metrics.ChannelStoreOpLatency.WithLabelValues(w.channel, task.op).Observe(float64(cost.Milliseconds()))

	switch {
	case err == nil:
		metrics.ChannelStoreOpsTotal.WithLabelValues(w.channel, task.op, metrics.StoreResultSuccess).Inc()
		logger.Info("device store write completed", zap.Duration("cost", cost))
	case errors.Is(err, merr.ErrStoreUnexpectedCount):
		metrics.ChannelStoreOpsTotal.WithLabelValues(w.channel, task.op, metrics.StoreResultUnexpected).Inc()
		metrics.ChannelInconsistenciesTotal.WithLabelValues(w.channel, metrics.InconsistencyUnexpectedCount).Inc()
		logger.Error("device store write affected an unexpected number of records", zap.Error(err))
	default:
		metrics.ChannelStoreOpsTotal.WithLabelValues(w.channel, task.op, metrics.StoreResultFailed).Inc()
		logger.Error("device store write failed", zap.Error(err))
	}
}

// wait 等待所有已提交的写入完成，ctx 结束时提前返回。
func (w *storeWriter) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release 停止派发并释放协程池，之后的写入直接记为失败。
// 已在执行的任务不受影响。
func (w *storeWriter) release() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	// 唤醒阻塞在 Submit 上的派发协程
	w.pool.Release()
}
