package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理一组具名缓存代（generation），语义上对应浏览器的 CacheStorage。
// 磁盘布局遵循：
//
//	<StoragePath>/names/<name>                 # 指针文件，内容为 generation id
//	<StoragePath>/generations/<id>/<sha1>.entry # msgpack 编码的 Snapshot
//
// 名称只通过指针文件寻址，切换指针即完成整代替换。
type Storage interface {
	// Open 返回具名缓存代，不存在时创建一个空的新代。
	Open(ctx context.Context, name string) (*Generation, error)

	// Lookup 返回已存在的缓存代，不存在时返回 ErrGenerationNotFound。
	Lookup(ctx context.Context, name string) (*Generation, error)

	// Has 判断具名缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除具名缓存代，返回删除前是否存在。数据目录仍被其它名称引用时只删除名称。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按字典序返回当前所有缓存代名称。
	Names(ctx context.Context) ([]string, error)

	// Promote 将 live 指针原子地切换到 staging 的数据目录，随后尽力移除 staging 名称
	// 与旧 live 数据。切换前后任意读者只能看到完整的旧代或完整的新代。
	// 只有切换本身失败时才返回错误，此时 live 保持不变。
	Promote(ctx context.Context, staging, live string) error

	// Prune 清理不再被任何名称引用的数据目录，返回清理数量。
	Prune(ctx context.Context) (int, error)
}

// Snapshot 是某个请求标识在缓存时刻的完整响应副本，写入后不再原地修改，
// 更新总是整条替换。
type Snapshot struct {
	Key      string      `msgpack:"key"`
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt time.Time   `msgpack:"stored_at"`
}

// OK 对应 fetch Response.ok：2xx 视为成功。
func (s *Snapshot) OK() bool {
	return s != nil && s.Status >= 200 && s.Status < 300
}

// Clone 返回一份独立副本，调用方可以安全地修改 Header/Body。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Header = s.Header.Clone()
	cloned.Body = append([]byte(nil), s.Body...)
	return &cloned
}

var (
	// ErrNotFound 表示缓存代中不存在该条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound 表示具名缓存代不存在。
	ErrGenerationNotFound = errors.New("cache generation not found")
	// ErrInvalidName 表示缓存代名称无法安全映射为文件名。
	ErrInvalidName = errors.New("invalid cache generation name")
)
