package devicestore

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/json"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/etcd"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
	"github.com/lk2023060901/danmu-push-go/pkg/util/retry"
)

const (
	devicesDir = "devices"
	// etcd 默认单个事务最多 128 个操作。
	etcdTxnBatchSize = 64
	etcdTxnAttempts  = 10
)

// EtcdConfig 对应配置文件 store.etcd 段。
type EtcdConfig struct {
	Endpoints   []string         `mapstructure:"endpoints"`
	RootPath    string           `mapstructure:"rootPath"`
	DialTimeout time.Duration    `mapstructure:"dialTimeout"`
	UseEmbed    bool             `mapstructure:"useEmbed"`
	Embed       etcd.EmbedConfig `mapstructure:"embed"`
}

// EtcdStore 是基于 etcd v3 的 Store 实现。
//
// 键布局：<root>/devices/<deviceId>/<rowId>，值为 Device 的 JSON。
// 每次写操作通过 ModRevision 比较实现乐观并发，冲突时重读重试。
type EtcdStore struct {
	cli        *clientv3.Client
	root       string
	ownsClient bool
	now        func() time.Time
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore 使用已有客户端创建 Store，Close 不会关闭该客户端。
func NewEtcdStore(cli *clientv3.Client, root string) *EtcdStore {
	return &EtcdStore{cli: cli, root: root, now: time.Now}
}

// OpenEtcd 按配置连接 etcd；UseEmbed 为 true 时启动进程内嵌入式 etcd。
func OpenEtcd(cfg EtcdConfig) (*EtcdStore, error) {
	var (
		cli *clientv3.Client
		err error
	)
	if cfg.UseEmbed {
		if err = etcd.InitEtcdServer(cfg.Embed); err != nil {
			return nil, errors.Wrap(err, "start embedded etcd")
		}
		cli, err = etcd.GetEmbedEtcdClient()
	} else {
		if len(cfg.Endpoints) == 0 {
			return nil, merr.WrapErrParameterMissing("store.etcd.endpoints")
		}
		dialTimeout := cfg.DialTimeout
		if dialTimeout <= 0 {
			dialTimeout = 5 * time.Second
		}
		cli, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: dialTimeout,
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}

	s := NewEtcdStore(cli, cfg.RootPath)
	s.ownsClient = true
	log.Info("etcd device store opened",
		zap.Strings("endpoints", cfg.Endpoints), zap.Bool("embed", cfg.UseEmbed), zap.String("root", cfg.RootPath))
	return s, nil
}

// Client 返回底层 etcd 客户端。
func (s *EtcdStore) Client() *clientv3.Client {
	return s.cli
}

func (s *EtcdStore) devicesPrefix() string {
	return path.Join(s.root, devicesDir) + "/"
}

func (s *EtcdStore) devicePrefix(deviceID string) string {
	return path.Join(s.root, devicesDir, deviceID) + "/"
}

// scanPrefix 缩小扫描范围：指定 deviceId 时只读该设备的记录。
func (s *EtcdStore) scanPrefix(filter Filter) string {
	if filter.DeviceID != nil {
		return s.devicePrefix(*filter.DeviceID)
	}
	return s.devicesPrefix()
}

func (s *EtcdStore) Create(ctx context.Context, device Device) error {
	if device.DeviceID == "" {
		return merr.WrapErrParameterMissing("deviceId")
	}
	if strings.Contains(device.DeviceID, "/") {
		return merr.WrapErrParameterInvalidMsg("deviceId %q must not contain '/'", device.DeviceID)
	}
	prefix := s.devicePrefix(device.DeviceID)

	return retry.Do(ctx, func() error {
		resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "get %s", prefix))
		}

		now := s.now().UTC()
		key := prefix + uuid.NewString()
		row := device
		row.IsDeleted = false
		row.CreatedAt = now

		for _, kv := range resp.Kvs {
			var existing Device
			if err := json.Unmarshal(kv.Value, &existing); err != nil {
				continue
			}
			if !existing.IsDeleted {
				key = string(kv.Key)
				row.CreatedAt = existing.CreatedAt
				break
			}
		}
		row.UpdatedAt = now

		value, err := json.Marshal(row)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		// 读之后该设备前缀下没有任何键被修改才写入，保证 live 记录唯一。
		txnResp, err := s.cli.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(prefix), "<", resp.Header.Revision+1).WithPrefix(),
		).Then(clientv3.OpPut(key, string(value))).Commit()
		if err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "put %s", key))
		}
		if !txnResp.Succeeded {
			return merr.WrapErrStoreTxnConflict(prefix)
		}
		return nil
	}, retry.Attempts(etcdTxnAttempts), retry.Sleep(10*time.Millisecond))
}

func (s *EtcdStore) Update(ctx context.Context, patch Patch, filter Filter) (int64, error) {
	now := s.now().UTC()
	return s.mutate(ctx, filter, func(kv *mvccpb.KeyValue, d Device) (clientv3.Op, error) {
		patch.Apply(&d, now)
		value, err := json.Marshal(d)
		if err != nil {
			return clientv3.Op{}, err
		}
		return clientv3.OpPut(string(kv.Key), string(value)), nil
	})
}

func (s *EtcdStore) Destroy(ctx context.Context, filter Filter) (int64, error) {
	return s.mutate(ctx, filter, func(kv *mvccpb.KeyValue, _ Device) (clientv3.Op, error) {
		return clientv3.OpDelete(string(kv.Key)), nil
	})
}

func (s *EtcdStore) Count(ctx context.Context, filter Filter) (int64, error) {
	matched, _, err := s.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

type matchedRow struct {
	kv     *mvccpb.KeyValue
	device Device
}

func (s *EtcdStore) scan(ctx context.Context, filter Filter) ([]matchedRow, int64, error) {
	prefix := s.scanPrefix(filter)
	resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrapf(err, "scan %s", prefix)
	}

	rows := lo.FilterMap(resp.Kvs, func(kv *mvccpb.KeyValue, _ int) (matchedRow, bool) {
		var d Device
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			log.Warn("skip undecodable device record", zap.ByteString("key", kv.Key), zap.Error(err))
			return matchedRow{}, false
		}
		return matchedRow{kv: kv, device: d}, filter.Match(d)
	})
	return rows, resp.Header.Revision, nil
}

// mutate 对匹配的记录分批执行条件事务。
// 冲突的批次整体重扫重试，已提交的键只计数一次。
func (s *EtcdStore) mutate(ctx context.Context, filter Filter, opFn func(kv *mvccpb.KeyValue, d Device) (clientv3.Op, error)) (int64, error) {
	committed := make(map[string]struct{})

	err := retry.Do(ctx, func() error {
		rows, _, err := s.scan(ctx, filter)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		pending := lo.Filter(rows, func(r matchedRow, _ int) bool {
			_, done := committed[string(r.kv.Key)]
			return !done
		})

		for _, batch := range lo.Chunk(pending, etcdTxnBatchSize) {
			cmps := make([]clientv3.Cmp, 0, len(batch))
			ops := make([]clientv3.Op, 0, len(batch))
			for _, r := range batch {
				op, err := opFn(r.kv, r.device)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(string(r.kv.Key)), "=", r.kv.ModRevision))
				ops = append(ops, op)
			}

			txnResp, err := s.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
			if err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "commit device txn"))
			}
			if !txnResp.Succeeded {
				return merr.WrapErrStoreTxnConflict(s.scanPrefix(filter))
			}
			for _, r := range batch {
				committed[string(r.kv.Key)] = struct{}{}
			}
		}
		return nil
	}, retry.Attempts(etcdTxnAttempts), retry.Sleep(10*time.Millisecond))

	return int64(len(committed)), err
}

func (s *EtcdStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.cli.Close()
}
