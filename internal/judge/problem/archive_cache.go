package problem

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/singleflight"

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

const (
	markerFileName = ".complete"
	tempFileName   = "archive.zip.tmp"
	lockKeyPrefix  = "judge:archive:lock:"
)

var unsafeVersionChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ArchiveCacheConfig bounds the local extraction cache.
type ArchiveCacheConfig struct {
	RootDir    string
	TTL        time.Duration
	LockWait   time.Duration
	MaxEntries int
	MaxBytes   int64
}

type cacheEntry struct {
	key       string
	path      string
	sizeBytes int64
	expiresAt time.Time
}

// ArchiveCache keeps extracted problem archives on local disk, keyed by
// problem id and blob ETag, so a re-uploaded archive is picked up at once.
type ArchiveCache struct {
	cfg   ArchiveCacheConfig
	store storage.BlobStore
	lock  cache.LockOps
	group singleflight.Group

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
}

// NewArchiveCache creates a cache. lock may be nil for single-process use.
func NewArchiveCache(cfg ArchiveCacheConfig, store storage.BlobStore, lock cache.LockOps) *ArchiveCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(os.TempDir(), "ojjudge-problems")
	}
	return &ArchiveCache{
		cfg:     cfg,
		store:   store,
		lock:    lock,
		entries: make(map[string]*cacheEntry),
	}
}

// Dir returns the local directory holding the extracted archive of problemID.
func (c *ArchiveCache) Dir(ctx context.Context, problemID int64) (string, error) {
	if problemID <= 0 {
		return "", appErr.ValidationError("problem_id", "required")
	}
	blobKey := model.ProblemArchiveKey(problemID)
	stat, err := c.store.Stat(ctx, blobKey)
	if err != nil {
		if appErr.Is(err, appErr.ObjectNotFound) {
			return "", appErr.Wrapf(err, appErr.ProblemNotFound, "problem %d archive not found", problemID)
		}
		return "", err
	}
	version := versionOf(stat)
	key := cacheKey(problemID, version)
	path := filepath.Join(c.cfg.RootDir, strconv.FormatInt(problemID, 10), version)

	if c.hitEntry(key) {
		return path, nil
	}

	_, err, _ = c.group.Do(key, func() (interface{}, error) {
		if checkDisk(path, version) {
			return nil, nil
		}
		return nil, c.fetchAndExtract(ctx, blobKey, key, version, path)
	})
	if err != nil {
		return "", err
	}
	c.addEntry(key, path)
	return path, nil
}

func versionOf(stat storage.ObjectStat) string {
	version := unsafeVersionChars.ReplaceAllString(strings.Trim(stat.ETag, `"`), "")
	if version == "" {
		version = "size-" + strconv.FormatInt(stat.SizeBytes, 10)
	}
	return version
}

func (c *ArchiveCache) hitEntry(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeEntryLocked(key)
		return false
	}
	entry.expiresAt = time.Now().Add(c.cfg.TTL)
	c.touchLocked(key)
	return true
}

func checkDisk(path, version string) bool {
	data, err := os.ReadFile(filepath.Join(path, markerFileName))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == version
}

func (c *ArchiveCache) fetchAndExtract(ctx context.Context, blobKey, key, version, path string) error {
	if c.lock != nil {
		lockKey := lockKeyPrefix + key
		locked, err := c.lock.TryLock(ctx, lockKey, 5*time.Minute)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire archive lock failed")
		}
		if !locked {
			return c.waitForCache(ctx, path, version)
		}
		defer func() {
			_ = c.lock.Unlock(context.WithoutCancel(ctx), lockKey)
		}()
		if checkDisk(path, version) {
			return nil
		}
	}

	staging := path + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "cleanup staging dir failed")
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create staging dir failed")
	}
	defer os.RemoveAll(staging)

	tempPath := filepath.Join(staging, tempFileName)
	if err := c.download(ctx, blobKey, tempPath); err != nil {
		return err
	}
	if err := extractArchive(tempPath, staging); err != nil {
		return err
	}
	_ = os.Remove(tempPath)
	if err := os.WriteFile(filepath.Join(staging, markerFileName), []byte(version), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write marker failed")
	}

	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "cleanup cache dir failed")
	}
	if err := os.Rename(staging, path); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "publish cache dir failed")
	}
	return nil
}

func (c *ArchiveCache) waitForCache(ctx context.Context, path, version string) error {
	deadline := time.Now().Add(c.cfg.LockWait)
	for {
		if checkDisk(path, version) {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for problem archive timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (c *ArchiveCache) download(ctx context.Context, blobKey, dstPath string) error {
	reader, err := c.store.Get(ctx, blobKey)
	if err != nil {
		return err
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create archive file failed")
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "download archive failed")
	}
	return nil
}

func extractArchive(srcPath, dstDir string) error {
	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive failed")
	}
	defer zr.Close()

	root := filepath.Clean(dstDir) + string(filepath.Separator)
	for _, f := range zr.File {
		name, err := safeEntryName(f.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dstDir, name)
		if !strings.HasPrefix(target, root) {
			return appErr.New(appErr.ArchiveInvalid).WithMessage("archive entry escape detected")
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create dir failed")
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "create parent dir failed")
		}
		if err := writeEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive entry failed")
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create file failed")
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return appErr.Wrapf(err, appErr.CacheError, "write file failed")
	}
	return out.Close()
}

func (c *ArchiveCache) addEntry(key, path string) {
	size := dirSize(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		c.totalSize -= existing.sizeBytes
	}
	c.entries[key] = &cacheEntry{
		key:       key,
		path:      path,
		sizeBytes: size,
		expiresAt: time.Now().Add(c.cfg.TTL),
	}
	c.totalSize += size
	c.touchLocked(key)
	c.evictLocked(key)
}

func (c *ArchiveCache) touchLocked(key string) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.lruKeys = append(c.lruKeys, key)
}

// evictLocked drops the oldest entries over budget, never the one just added.
func (c *ArchiveCache) evictLocked(keep string) {
	for len(c.lruKeys) > 1 {
		overEntries := len(c.entries) > c.cfg.MaxEntries
		overBytes := c.cfg.MaxBytes > 0 && c.totalSize > c.cfg.MaxBytes
		if !overEntries && !overBytes {
			return
		}
		oldest := c.lruKeys[0]
		if oldest == keep {
			return
		}
		c.lruKeys = c.lruKeys[1:]
		c.removeEntryLocked(oldest)
	}
}

func (c *ArchiveCache) removeEntryLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.totalSize -= entry.sizeBytes
	_ = os.RemoveAll(entry.path)
}

func cacheKey(problemID int64, version string) string {
	return fmt.Sprintf("%d:%s", problemID, version)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
