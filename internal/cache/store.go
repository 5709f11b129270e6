package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Persister 镜像内存条目到持久层；实现需保证 Save/Delete 按调用顺序生效。
type Persister interface {
	Save(entry Entry)
	Delete(key string)
	Load(fn func(Entry)) error
	Close() error
}

// Options 控制缓存容量、TTL 与后台刷新。
type Options struct {
	MaxBytes    int64
	NotFoundTTL time.Duration
	// StaleWindow 为过期条目保留为 stale 候选的时长，超出后在访问或清扫时淘汰。
	StaleWindow time.Duration
	// RefreshConcurrency 限制 stale 命中后后台刷新的并发数。
	RefreshConcurrency int
	Persister          Persister
	Logger             *logrus.Logger
	Now                func() time.Time
}

// Stats 是缓存的运行时快照，供诊断端点与指标使用。
type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	MaxBytes  int64  `json:"max_bytes"`
	Inflight  int    `json:"inflight"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Expired   uint64 `json:"expired"`
	Stale     uint64 `json:"stale"`
	Evictions uint64 `json:"evictions"`
	Refreshes uint64 `json:"refreshes"`
}

// Store 是按字节预算做 LRU 淘汰的内存缓存。所有条目字段由 mu 保护，
// 拉取标记存放在独立的分片表中。持久化操作在 mu 内收集、在 mu 外提交，
// persistMu 保证提交顺序与内存变更顺序一致。
type Store struct {
	maxBytes    int64
	notFoundTTL time.Duration
	staleWindow time.Duration
	persist     Persister
	logger      *logrus.Logger
	now         func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
	bytes int64
	stats Stats

	// pending 为尚未提交给 Persister 的写入/删除，由 mu 保护。
	pending []persistOp
	closed  bool

	persistMu sync.Mutex

	flights    *flightTable
	refreshSem chan struct{}
	refreshWG  sync.WaitGroup
}

type node struct {
	key   string
	entry Entry
	size  int64
}

// New 创建缓存；配置了 Persister 时会先从持久层回填内存。
func New(opts Options) (*Store, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 30
	}
	if opts.NotFoundTTL <= 0 {
		opts.NotFoundTTL = time.Hour
	}
	if opts.StaleWindow < 0 {
		opts.StaleWindow = 0
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		maxBytes:    opts.MaxBytes,
		notFoundTTL: opts.NotFoundTTL,
		staleWindow: opts.StaleWindow,
		persist:     opts.Persister,
		logger:      opts.Logger,
		now:         opts.Now,
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		flights:     newFlightTable(),
		refreshSem:  make(chan struct{}, opts.RefreshConcurrency),
	}

	if s.persist != nil {
		if err := s.restore(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MaxBytes 返回字节预算。
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Lookup 返回仍在 TTL 内的条目副本；过期条目视为未命中，超出 stale 窗口的条目被顺带淘汰。
func (s *Store) Lookup(key Key) (Entry, bool) {
	entry, fresh, _ := s.lookup(key.String())
	if !fresh {
		return Entry{}, false
	}
	return entry, true
}

// lookup 返回条目副本、是否新鲜、以及是否存在可作为 stale 的过期条目。
func (s *Store) lookup(k string) (entry Entry, fresh bool, found bool) {
	now := s.now()

	s.mu.Lock()
	defer s.unlockAndFlush()

	elem, ok := s.items[k]
	if !ok {
		return Entry{}, false, false
	}
	n := elem.Value.(*node)
	if n.entry.Fresh(now) {
		s.lru.MoveToFront(elem)
		return n.entry.clone(), true, true
	}
	if s.beyondStaleWindow(n.entry, now) {
		s.removeElement(elem)
		return Entry{}, false, false
	}
	return n.entry.clone(), false, true
}

// Put 按状态码决定是否写入：只有 200/404 会被缓存，200 使用 successTTL，404 使用 NotFoundTTL。
// 返回值表示是否实际写入。
func (s *Store) Put(key Key, resp *Response, successTTL time.Duration) bool {
	if resp == nil {
		return false
	}
	class := ClassFor(resp.Status)
	var ttl time.Duration
	switch class {
	case ClassSuccess:
		ttl = successTTL
	case ClassNotFound:
		ttl = s.notFoundTTL
	default:
		return false
	}
	if ttl <= 0 {
		return false
	}

	entry := Entry{
		Key:      key,
		Response: *resp.Clone(),
		StoredAt: s.now(),
		TTL:      ttl,
		Class:    class,
	}
	return s.insert(entry, true)
}

// insert 原子替换条目，并从 LRU 尾部淘汰直到总字节数回到预算内。
func (s *Store) insert(entry Entry, persist bool) bool {
	size := entry.size()
	if size > s.maxBytes {
		return false
	}
	k := entry.Key.String()

	s.mu.Lock()
	defer s.unlockAndFlush()

	if elem, ok := s.items[k]; ok {
		old := elem.Value.(*node)
		s.bytes -= old.size
		old.entry = entry
		old.size = size
		s.bytes += size
		s.lru.MoveToFront(elem)
	} else {
		s.items[k] = s.lru.PushFront(&node{key: k, entry: entry, size: size})
		s.bytes += size
	}

	for s.bytes > s.maxBytes {
		back := s.lru.Back()
		if back == nil || back.Value.(*node).key == k {
			break
		}
		s.removeElement(back)
		s.stats.Evictions++
	}

	if persist && s.persist != nil {
		saved := entry
		s.pending = append(s.pending, persistOp{key: k, entry: &saved})
	}
	return true
}

// Remove 删除条目（若存在）。
func (s *Store) Remove(key Key) bool {
	s.mu.Lock()
	defer s.unlockAndFlush()
	elem, ok := s.items[key.String()]
	if !ok {
		return false
	}
	s.removeElement(elem)
	return true
}

// removeElement 调用方需持有 mu。
func (s *Store) removeElement(elem *list.Element) {
	n := elem.Value.(*node)
	s.lru.Remove(elem)
	delete(s.items, n.key)
	s.bytes -= n.size
	if s.persist != nil {
		s.pending = append(s.pending, persistOp{key: n.key, delete: true})
	}
}

// unlockAndFlush 释放 mu，再把本次收集的持久化操作按顺序交给 Persister。
// 先拿到 persistMu 再释放 mu，磁盘队列背压只会阻塞其他写入方，不会阻塞读取。
func (s *Store) unlockAndFlush() {
	ops := s.pending
	s.pending = nil
	if len(ops) == 0 {
		s.mu.Unlock()
		return
	}
	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()
	for _, op := range ops {
		if op.delete {
			s.persist.Delete(op.key)
		} else {
			s.persist.Save(*op.entry)
		}
	}
}

func (s *Store) beyondStaleWindow(e Entry, now time.Time) bool {
	return !now.Before(e.ExpiresAt().Add(s.staleWindow))
}

// Sweep 删除所有超出 stale 窗口的条目，返回删除数量。
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.unlockAndFlush()

	removed := 0
	for elem := s.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if s.beyondStaleWindow(elem.Value.(*node).entry, now) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// StartJanitor 周期性执行 Sweep，直到 ctx 结束。
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.WithFields(logrus.Fields{
						"action":  "cache_sweep",
						"removed": n,
					}).Debug("cache sweep finished")
				}
			}
		}
	}()
}

// Stats 返回当前统计快照。
func (s *Store) Stats() Stats {
	s.mu.Lock()
	out := s.stats
	out.Entries = len(s.items)
	out.Bytes = s.bytes
	s.mu.Unlock()
	out.MaxBytes = s.maxBytes
	out.Inflight = s.flights.len()
	return out
}

func (s *Store) record(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case StatusHit:
		s.stats.Hits++
	case StatusMiss:
		s.stats.Misses++
	case StatusExpired:
		s.stats.Expired++
	case StatusStale:
		s.stats.Stale++
	}
}

// Close 拒绝新的后台刷新，等待已启动的刷新结束后关闭持久层；可重复调用。
// 关闭后 Put/Remove 仍作用于内存，但不再写入持久层。
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.refreshWG.Wait()
	if s.persist != nil {
		return s.persist.Close()
	}
	return nil
}

// restore 从持久层回填，跳过已超出 stale 窗口的条目，仍受字节预算约束。
func (s *Store) restore() error {
	now := s.now()
	var stale []string
	err := s.persist.Load(func(e Entry) {
		if s.beyondStaleWindow(e, now) || e.TTL <= 0 || e.Class == ClassNone {
			stale = append(stale, e.Key.String())
			return
		}
		s.insert(e, false)
	})
	for _, k := range stale {
		s.persist.Delete(k)
	}
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"action":  "cache_restore",
		"entries": len(s.items),
		"bytes":   s.bytes,
		"dropped": len(stale),
	}).Info("cache restored from disk")
	return nil
}
