package application

import (
	"strings"

	"github.com/lk2023060901/danmu-push-go/internal/devicestore"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// openStore 按 store.type 打开设备存储。
func openStore(cfg StoreConfig) (devicestore.Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", StoreTypeMemory:
		return devicestore.NewMemoryStore(), nil
	case StoreTypeSQLite:
		s, err := devicestore.OpenSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreTypeEtcd:
		s, err := devicestore.OpenEtcd(cfg.Etcd)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown store type %q", cfg.Type)
	}
}
