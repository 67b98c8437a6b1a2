package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	namesDir       = "names"
	generationsDir = "generations"
	entrySuffix    = ".entry"

	// 读写遇到数据目录消失时，最多重新解析指针的次数。
	maxResolveAttempts = 3
)

// NewStorage 以 basePath 为根目录构建磁盘缓存代存储，整个进程复用一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return NewStorageFS(osfs.New(abs))
}

// NewStorageFS 在任意 billy.Filesystem 上构建存储，便于替换底层文件系统。
func NewStorageFS(bfs billy.Filesystem) (Storage, error) {
	if bfs == nil {
		return nil, errors.New("filesystem required")
	}
	for _, dir := range []string{namesDir, generationsDir} {
		if err := bfs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &fileStorage{
		fs:    bfs,
		locks: make(map[string]*entryLock),
		newID: uuid.NewString,
	}, nil
}

// fileStorage 通过 structMu 串行化名称的创建/删除/切换，通过 entryLock 避免
// 同一条目并发写入；读路径不加锁，依赖 rename 的原子性。
type fileStorage struct {
	fs    billy.Filesystem
	newID func() string

	structMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Generation 是具名缓存代的句柄。每次操作都会重新解析名称指针，
// 因此句柄在 Promote 之后依然指向该名称当前的数据。
type Generation struct {
	name    string
	storage *fileStorage
}

// Name 返回缓存代名称。
func (g *Generation) Name() string {
	return g.name
}

func (s *fileStorage) Open(ctx context.Context, name string) (*Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.structMu.Lock()
	defer s.structMu.Unlock()

	if _, err := s.resolve(name); err == nil {
		return &Generation{name: name, storage: s}, nil
	} else if !errors.Is(err, ErrGenerationNotFound) {
		return nil, err
	}

	id := s.newID()
	if err := s.fs.MkdirAll(generationPath(id), 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	if err := s.writePointer(name, id); err != nil {
		_ = util.RemoveAll(s.fs, generationPath(id))
		return nil, err
	}
	return &Generation{name: name, storage: s}, nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (*Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, err := s.resolve(name); err != nil {
		return nil, err
	}
	return &Generation{name: name, storage: s}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if _, err := s.Lookup(ctx, name); err != nil {
		if errors.Is(err, ErrGenerationNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}

	s.structMu.Lock()
	defer s.structMu.Unlock()

	id, err := s.resolve(name)
	if err != nil {
		if errors.Is(err, ErrGenerationNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.fs.Remove(pointerPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove pointer %s: %w", name, err)
	}
	// 中断的 Promote 可能让两个名称指向同一数据目录，此时只摘除指针。
	shared, err := s.isReferenced(id)
	if err != nil {
		return true, fmt.Errorf("check references %s: %w", name, err)
	}
	if shared {
		return true, nil
	}
	if err := util.RemoveAll(s.fs, generationPath(id)); err != nil {
		return true, fmt.Errorf("remove generation data %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	infos, err := s.fs.ReadDir(namesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Promote(ctx context.Context, staging, live string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateName(staging); err != nil {
		return err
	}
	if err := validateName(live); err != nil {
		return err
	}
	if staging == live {
		return fmt.Errorf("promote %s onto itself", live)
	}

	s.structMu.Lock()
	defer s.structMu.Unlock()

	stagedID, err := s.resolve(staging)
	if err != nil {
		return fmt.Errorf("resolve staging %s: %w", staging, err)
	}
	previousID, err := s.resolve(live)
	if err != nil && !errors.Is(err, ErrGenerationNotFound) {
		return fmt.Errorf("resolve live %s: %w", live, err)
	}

	// 唯一的切换点：rename 完成前读者看到旧代，完成后看到新代。
	if err := s.writePointer(live, stagedID); err != nil {
		return fmt.Errorf("switch live %s: %w", live, err)
	}

	// 指针切换成功即视为提升完成，之后的清理失败不回报。残留的 staging 指针
	// 与 live 共享数据，Delete 只会摘除指针；无引用的旧数据由 Prune 回收。
	_ = s.fs.Remove(pointerPath(staging))
	if previousID != "" && previousID != stagedID {
		if shared, err := s.isReferenced(previousID); err == nil && !shared {
			_ = util.RemoveAll(s.fs, generationPath(previousID))
		}
	}
	return nil
}

func (s *fileStorage) Prune(ctx context.Context) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}

	s.structMu.Lock()
	defer s.structMu.Unlock()

	referenced, err := s.referencedIDs()
	if err != nil {
		return 0, err
	}

	infos, err := s.fs.ReadDir(generationsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if _, ok := referenced[info.Name()]; ok {
			continue
		}
		if err := util.RemoveAll(s.fs, generationPath(info.Name())); err != nil {
			return removed, fmt.Errorf("prune generation %s: %w", info.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Put 以临时文件 + rename 整条替换条目，同一条目的并发写入按到达顺序串行，后写者胜出。
func (g *Generation) Put(ctx context.Context, snap Snapshot) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if snap.Key == "" {
		return errors.New("snapshot key required")
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	payload, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Key, err)
	}

	unlock := g.storage.lockEntry(g.name, snap.Key)
	defer unlock()

	return g.storage.withGeneration(g.name, func(id string) error {
		return g.storage.writeEntry(id, snap.Key, payload)
	})
}

// Match 精确匹配请求标识，未命中返回 ErrNotFound。
func (g *Generation) Match(ctx context.Context, key string) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var snap *Snapshot
	err := g.storage.readGeneration(g.name, func(id string) error {
		data, err := readFile(g.storage.fs, entryPath(id, key))
		if err != nil {
			return err
		}
		var decoded Snapshot
		if err := msgpack.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("decode snapshot %s: %w", key, err)
		}
		snap = &decoded
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return snap, nil
}

// Keys 返回当前缓存代中的全部请求标识（字典序）。
func (g *Generation) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var keys []string
	err := g.storage.readGeneration(g.name, func(id string) error {
		keys = keys[:0]
		files, err := g.storage.entryFiles(id)
		if err != nil {
			return err
		}
		for _, file := range files {
			data, err := readFile(g.storage.fs, file)
			if err != nil {
				return err
			}
			var decoded Snapshot
			if err := msgpack.Unmarshal(data, &decoded); err != nil {
				return fmt.Errorf("decode entry %s: %w", file, err)
			}
			keys = append(keys, decoded.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Len 返回条目数量，不解码正文。
func (g *Generation) Len(ctx context.Context) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := g.storage.readGeneration(g.name, func(id string) error {
		files, err := g.storage.entryFiles(id)
		if err != nil {
			return err
		}
		count = len(files)
		return nil
	})
	return count, err
}

// Delete 删除单个条目，条目不存在时视为成功。
func (g *Generation) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	unlock := g.storage.lockEntry(g.name, key)
	defer unlock()

	err := g.storage.withGeneration(g.name, func(id string) error {
		return g.storage.fs.Remove(entryPath(id, key))
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// withGeneration 解析名称指针并执行 fn。若 fn 因数据目录消失而失败且指针已经
// 切换，说明期间发生了 Promote，重新解析后再试。
func (s *fileStorage) withGeneration(name string, fn func(id string) error) error {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		id, err := s.resolve(name)
		if err != nil {
			return err
		}
		lastErr = fn(id)
		if lastErr == nil || !errors.Is(lastErr, fs.ErrNotExist) {
			return lastErr
		}
		current, err := s.resolve(name)
		if err != nil {
			return err
		}
		if current == id {
			return lastErr
		}
	}
	return lastErr
}

// referencedIDs 返回当前被名称指针引用的全部数据目录 id。调用方需持有 structMu。
func (s *fileStorage) referencedIDs() (map[string]struct{}, error) {
	names, err := s.Names(context.Background())
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{}, len(names))
	for _, name := range names {
		id, err := s.resolve(name)
		if err != nil {
			continue
		}
		referenced[id] = struct{}{}
	}
	return referenced, nil
}

func (s *fileStorage) isReferenced(id string) (bool, error) {
	referenced, err := s.referencedIDs()
	if err != nil {
		return false, err
	}
	_, ok := referenced[id]
	return ok, nil
}

// readGeneration 用于只读操作：读完后若指针已切换，旧目录可能正被 Promote 删除，
// 读到的结果不完整也不会报错，因此按新指针重读。
func (s *fileStorage) readGeneration(name string, fn func(id string) error) error {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		var used string
		lastErr = s.withGeneration(name, func(id string) error {
			used = id
			return fn(id)
		})
		if lastErr != nil {
			return lastErr
		}
		current, err := s.resolve(name)
		if err != nil || current == used {
			return nil
		}
	}
	return lastErr
}

func (s *fileStorage) resolve(name string) (string, error) {
	data, err := readFile(s.fs, pointerPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrGenerationNotFound
		}
		return "", fmt.Errorf("read pointer %s: %w", name, err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrGenerationNotFound
	}
	return id, nil
}

func (s *fileStorage) writePointer(name, id string) error {
	return s.atomicWrite(namesDir, ".ptr-", pointerPath(name), []byte(id))
}

func (s *fileStorage) writeEntry(id, key string, payload []byte) error {
	dir := generationPath(id)
	if _, err := s.fs.Stat(dir); err != nil {
		return err
	}
	return s.atomicWrite(dir, ".entry-", entryPath(id, key), payload)
}

func (s *fileStorage) atomicWrite(dir, prefix, target string, payload []byte) error {
	tempFile, err := s.fs.TempFile(dir, prefix)
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}

	if err := s.fs.Rename(tempName, target); err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStorage) entryFiles(id string) ([]string, error) {
	dir := generationPath(id)
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), entrySuffix) {
			continue
		}
		files = append(files, s.fs.Join(dir, info.Name()))
	}
	return files, nil
}

func (s *fileStorage) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func readFile(bfs billy.Filesystem, name string) ([]byte, error) {
	f, err := bfs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func pointerPath(name string) string {
	return namesDir + "/" + name
}

func generationPath(id string) string {
	return generationsDir + "/" + id
}

func entryPath(id, key string) string {
	sum := sha1.Sum([]byte(key))
	return generationPath(id) + "/" + hex.EncodeToString(sum[:]) + entrySuffix
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
