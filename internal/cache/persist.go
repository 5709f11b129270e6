package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var entryPrefix = []byte("e:")

type persistOp struct {
	key    string
	entry  *Entry
	delete bool
}

// LevelDB 将缓存条目以 gob 编码写入 LevelDB。写操作经由单一 writer goroutine
// 顺序执行，调用方不会被磁盘 IO 阻塞（除非队列已满）。Close 之后的写入被丢弃。
type LevelDB struct {
	db     *leveldb.DB
	logger *logrus.Logger

	// mu 读锁覆盖入队，写锁覆盖关闭队列。
	mu     sync.RWMutex
	closed bool
	ops    chan persistOp
	done   chan struct{}
}

// OpenLevelDB 打开（或创建）path 下的数据库并启动 writer。
func OpenLevelDB(path string, logger *logrus.Logger) (*LevelDB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &LevelDB{
		db:     db,
		logger: logger,
		ops:    make(chan persistOp, 1024),
		done:   make(chan struct{}),
	}
	go p.writerLoop()
	return p, nil
}

// Save 异步写入条目。
func (p *LevelDB) Save(entry Entry) {
	clone := entry.clone()
	p.enqueue(persistOp{key: entry.Key.String(), entry: &clone})
}

// Delete 异步删除条目。
func (p *LevelDB) Delete(key string) {
	p.enqueue(persistOp{key: key, delete: true})
}

func (p *LevelDB) enqueue(op persistOp) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.ops <- op
}

// Load 遍历所有已持久化的条目；无法解码的记录会被跳过并删除。
func (p *LevelDB) Load(fn func(Entry)) error {
	it := p.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()

	var broken [][]byte
	for it.Next() {
		var entry Entry
		if err := decodeGob(it.Value(), &entry); err != nil {
			broken = append(broken, bytes.Clone(it.Key()))
			continue
		}
		fn(entry)
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterate leveldb: %w", err)
	}
	if len(broken) > 0 {
		batch := new(leveldb.Batch)
		for _, k := range broken {
			batch.Delete(k)
		}
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("drop undecodable entries: %w", err)
		}
		p.logger.WithFields(logrus.Fields{
			"action":  "cache_restore",
			"dropped": len(broken),
		}).Warn("undecodable cache records dropped")
	}
	return nil
}

// Close 排空写队列后关闭数据库；重复调用返回 nil。
func (p *LevelDB) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()

	<-p.done
	return p.db.Close()
}

func (p *LevelDB) writerLoop() {
	defer close(p.done)
	for op := range p.ops {
		dbKey := append(bytes.Clone(entryPrefix), op.key...)
		var err error
		if op.delete {
			err = p.db.Delete(dbKey, nil)
		} else {
			var b []byte
			b, err = encodeGob(op.entry)
			if err == nil {
				err = p.db.Put(dbKey, b, nil)
			}
		}
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"action": "cache_persist",
				"key":    op.key,
				"error":  err.Error(),
			}).Warn("cache persist failed")
		}
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
