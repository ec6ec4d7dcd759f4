package pushchannel

import (
	"context"
	"net"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	network "github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/session"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

type emitted struct {
	event   string
	payload any
}

// fakeSession 记录所有 Emit 调用。
type fakeSession struct {
	id string

	mu      sync.Mutex
	emits   []emitted
	emitErr error
	closed  bool
}

var _ session.Session = (*fakeSession)(nil)

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string               { return s.id }
func (s *fakeSession) Context() context.Context { return context.Background() }
func (s *fakeSession) RemoteAddr() net.Addr     { return nil }
func (s *fakeSession) LocalAddr() net.Addr      { return nil }

func (s *fakeSession) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		return s.emitErr
	}
	if s.closed {
		return merr.WrapErrConnectionClosed(s.id)
	}
	s.emits = append(s.emits, emitted{event: event, payload: payload})
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Emits() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitted(nil), s.emits...)
}

// fakeSource 是可由测试直接推送事件的事件源。
type fakeSource struct {
	events    chan network.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan network.Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *fakeSource) Events() <-chan network.Event { return s.events }
func (s *fakeSource) Done() <-chan struct{}        { return s.done }

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSource) connect(sess *fakeSession) {
	s.events <- network.Event{Kind: network.EventConnect, ConnectionID: sess.ID(), Session: sess}
}

func (s *fakeSource) register(connID, userID string) {
	s.events <- network.Event{Kind: network.EventRegister, ConnectionID: connID,
		Register: network.RegisterPayload{UserID: userID}}
}

func (s *fakeSource) disconnect(connID string) {
	s.events <- network.Event{Kind: network.EventDisconnect, ConnectionID: connID}
}

// fakeTransport 每次 Listen 返回一个新的 fakeSource。
type fakeTransport struct {
	mu        sync.Mutex
	sources   []*fakeSource
	paths     []string
	listenErr error
}

func (t *fakeTransport) Listen(path string) (network.EventSource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	src := newFakeSource()
	t.sources = append(t.sources, src)
	t.paths = append(t.paths, path)
	return src, nil
}

func (t *fakeTransport) last() *fakeSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sources) == 0 {
		return nil
	}
	return t.sources[len(t.sources)-1]
}

func (t *fakeTransport) listens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// recordingStore 在内存实现外记录调用顺序，并支持注入错误。
type recordingStore struct {
	*devicestore.MemoryStore

	mu        sync.Mutex
	calls     []string
	updateErr error
	createErr error
	panicOn   string
	// gates 中存在的设备在 Create 写入前等待对应通道关闭。
	gates map[string]chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		MemoryStore: devicestore.NewMemoryStore(),
		gates:       make(map[string]chan struct{}),
	}
}

// block 阻塞 deviceID 的 Create，关闭返回的通道后放行。
func (s *recordingStore) block(deviceID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[deviceID] = gate
	return gate
}

func (s *recordingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *recordingStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingStore) setUpdateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

func (s *recordingStore) Create(ctx context.Context, device devicestore.Device) error {
	s.mu.Lock()
	gate, createErr, panicOn := s.gates[device.DeviceID], s.createErr, s.panicOn
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	s.record("create:" + device.DeviceID)
	if panicOn == device.DeviceID {
		panic("boom")
	}
	if createErr != nil {
		return createErr
	}
	return s.MemoryStore.Create(ctx, device)
}

func (s *recordingStore) Update(ctx context.Context, patch devicestore.Patch, filter devicestore.Filter) (int64, error) {
	s.mu.Lock()
	updateErr := s.updateErr
	s.mu.Unlock()

	name := "update"
	if filter.DeviceID != nil {
		name += ":" + *filter.DeviceID
	} else if filter.Channel != nil {
		name += ":channel=" + *filter.Channel
	}
	s.record(name)
	if updateErr != nil {
		return 0, updateErr
	}
	return s.MemoryStore.Update(ctx, patch, filter)
}

func (s *recordingStore) Destroy(ctx context.Context, filter devicestore.Filter) (int64, error) {
	name := "destroy"
	if filter.DeviceID != nil {
		name += ":" + *filter.DeviceID
	}
	s.record(name)
	return s.MemoryStore.Destroy(ctx, filter)
}

var errStoreDown = errors.New("store down")

func deviceFilter(deviceID string, deleted bool) devicestore.Filter {
	return devicestore.Filter{DeviceID: &deviceID, IsDeleted: &deleted}
}
