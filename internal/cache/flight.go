package cache

import (
	"hash/fnv"
	"sync"
)

const flightShards = 64

// flight 是某个 key 正在进行的上游拉取标记；done 在拉取结束（成功或失败）时关闭。
type flight struct {
	done chan struct{}
}

// flightTable 按 key 哈希分片，不同 key 的标记互不阻塞。
type flightTable struct {
	shards [flightShards]flightShard
}

type flightShard struct {
	mu      sync.Mutex
	pending map[string]*flight
}

func newFlightTable() *flightTable {
	t := &flightTable{}
	for i := range t.shards {
		t.shards[i].pending = make(map[string]*flight)
	}
	return t
}

// acquire 返回 key 对应的标记；leader 为 true 表示调用方刚刚创建了它，
// 必须在结束时调用 release。
func (t *flightTable) acquire(key string) (f *flight, leader bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[key]; ok {
		return existing, false
	}
	f = &flight{done: make(chan struct{})}
	s.pending[key] = f
	return f, true
}

// tryAcquire 只在没有进行中的拉取时成为 leader。
func (t *flightTable) tryAcquire(key string) (*flight, bool) {
	f, leader := t.acquire(key)
	if !leader {
		return nil, false
	}
	return f, true
}

// release 移除标记并唤醒所有等待者；只允许创建者调用。
func (t *flightTable) release(key string, f *flight) {
	s := t.shard(key)
	s.mu.Lock()
	if s.pending[key] == f {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	close(f.done)
}

// inFlight 表示 key 当前是否存在拉取标记。
func (t *flightTable) inFlight(key string) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (t *flightTable) len() int {
	total := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		total += len(s.pending)
		s.mu.Unlock()
	}
	return total
}

func (t *flightTable) shard(key string) *flightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.shards[h.Sum32()%flightShards]
}
