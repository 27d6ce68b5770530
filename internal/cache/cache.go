package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"longctx/pkg/contract"
)

// DefaultTTL: 目的在于避免重复支付模型调用，而非追踪变化数据。
const DefaultTTL = 30 * 24 * time.Hour

const stripes = 64

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	codec      INTEGER NOT NULL,
	raw_size   INTEGER NOT NULL,
	value      BLOB,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// Options 为缓存构造参数。
type Options struct {
	// Path: sqlite 文件路径（父目录自动创建）。
	Path string
	// Codec: 值压缩算法；零值不压缩，配置层经 ParseCodec 默认取 lz4。
	Codec Codec
	// Now: 可注入时钟（测试用），默认 time.Now。
	Now func() time.Time
	// MaxConns: 连接池上限，默认 4。
	MaxConns int
	// KeepExpired: 打开时不清理过期条目（由调用方自行 PurgeExpired 并计数）。
	KeepExpired bool
}

// Cache: 内容寻址的持久 KV。
// - 每个操作独立获取连接/事务，并在所有退出路径释放；
// - 同键写入经条带锁串行（后写者胜），不同键互不阻塞；
// - sqlite 失败一律包装 ErrCacheUnavailable。
type Cache struct {
	db    *sql.DB
	codec Codec
	now   func() time.Time
	locks [stripes]sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats 为缓存概况。
type Stats struct {
	Entries  int64
	Expired  int64
	Bytes    int64
	RawBytes int64
	Hits     int64
	Misses   int64
}

// Open 打开（或创建）缓存，并顺带清理过期条目。
func Open(ctx context.Context, opt Options) (*Cache, error) {
	if opt.Path == "" {
		return nil, fmt.Errorf("%w: empty path", contract.ErrCacheUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(opt.Path), 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w: %w", contract.ErrCacheUnavailable, err)
	}
	dsn := "file:" + opt.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w: %w", contract.ErrCacheUnavailable, err)
	}
	n := opt.MaxConns
	if n <= 0 {
		n = 4
	}
	db.SetMaxOpenConns(n)
	c := &Cache{db: db, codec: opt.Codec, now: opt.Now}
	if c.now == nil {
		c.now = time.Now
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w: %w", contract.ErrCacheUnavailable, err)
	}
	if opt.KeepExpired {
		return c, nil
	}
	if _, err := c.PurgeExpired(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close 关闭连接池；nil 安全。
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) stripe(k Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &c.locks[h.Sum32()%stripes]
}

func unavailable(op string, err error) error {
	return fmt.Errorf("cache %s: %w: %w", op, contract.ErrCacheUnavailable, err)
}

// Get 点查；未命中或已过期返回 (nil,false,nil)。
func (c *Cache) Get(ctx context.Context, k Key) ([]byte, bool, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	defer conn.Close()

	var (
		codec   int
		rawSize int
		value   []byte
	)
	err = conn.QueryRowContext(ctx,
		`SELECT codec, raw_size, value FROM cache_entries WHERE key = ? AND expires_at > ?`,
		string(k), c.now().UnixNano(),
	).Scan(&codec, &rawSize, &value)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	out, err := decode(value, Codec(codec), rawSize)
	if err != nil {
		// 损坏条目按未命中处理
		c.misses.Add(1)
		return nil, false, unavailable("decode", err)
	}
	c.hits.Add(1)
	return out, true, nil
}

// Put 覆盖写入；ttl<=0 的条目立即过期。
func (c *Cache) Put(ctx context.Context, k Key, value []byte, ttl time.Duration) error {
	if !k.Valid() {
		return fmt.Errorf("%w: cache key %q", contract.ErrInvalidInput, k)
	}
	if ttl < 0 {
		ttl = 0
	}
	enc, codec, err := encode(value, c.codec)
	if err != nil {
		return unavailable("encode", err)
	}
	if enc == nil {
		enc = []byte{}
	}
	mu := c.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return unavailable("put", err)
	}
	defer conn.Close()
	now := c.now()
	_, err = conn.ExecContext(ctx,
		`INSERT INTO cache_entries (key, codec, raw_size, value, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   codec = excluded.codec,
		   raw_size = excluded.raw_size,
		   value = excluded.value,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at`,
		string(k), int(codec), len(value), enc, now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// PurgeExpired 删除 expires_at <= now 的条目，返回删除条数。
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	return c.deleteWhere(ctx, "purge", `DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().UnixNano())
}

// DeleteAll 管理用途的全量清空。
func (c *Cache) DeleteAll(ctx context.Context) (int64, error) {
	return c.deleteWhere(ctx, "delete_all", `DELETE FROM cache_entries`)
}

func (c *Cache) deleteWhere(ctx context.Context, op, q string, args ...any) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, unavailable(op, err)
	}
	committed = true
	return n, nil
}

// Stats 汇总条目数与体积，并附带进程内命中计数。
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	defer conn.Close()
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	now := c.now().UnixNano()
	err = conn.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(LENGTH(value)), 0),
		   COALESCE(SUM(raw_size), 0)
		 FROM cache_entries`, now, now,
	).Scan(&st.Entries, &st.Expired, &st.Bytes, &st.RawBytes)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return st, nil
}
