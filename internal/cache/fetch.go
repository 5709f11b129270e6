package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// FetchOrWait 返回 key 对应的响应：新鲜命中直接返回；否则同一 key 只有一个请求
// 访问上游，其余请求挂起在该 key 的标记上。标记移除后等待者重新读取缓存，
// 仍未命中时重新争夺标记，任意时刻每个 key 至多一个上游拉取。
//
// 上游失败或返回 5xx 且存在过期条目时返回 STALE 并安排后台刷新。
// 拉取使用与 ctx 取消解耦的上下文，客户端断开不会中断共享的拉取。
func (s *Store) FetchOrWait(ctx context.Context, key Key, successTTL time.Duration, fetch FetchFunc) (Result, error) {
	k := key.String()
	for {
		entry, fresh, _ := s.lookup(k)
		if fresh {
			s.record(StatusHit)
			return hitResult(entry), nil
		}

		f, leader := s.flights.acquire(k)
		if leader {
			return s.lead(ctx, key, f, successTTL, fetch)
		}

		select {
		case <-f.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// lead 由标记创建者执行；无论成功、失败还是 panic，标记都会在返回前移除。
func (s *Store) lead(ctx context.Context, key Key, f *flight, successTTL time.Duration, fetch FetchFunc) (res Result, err error) {
	k := key.String()
	refresh := false
	defer func() {
		s.flights.release(k, f)
		if refresh {
			s.scheduleRefresh(key, successTTL, fetch)
		}
	}()

	// 获取标记前可能已有其他 leader 写入。
	entry, fresh, found := s.lookup(k)
	if fresh {
		s.record(StatusHit)
		return hitResult(entry), nil
	}
	res, refresh, err = s.fill(ctx, key, entry, found, successTTL, fetch)
	return res, err
}

// fill 执行一次上游拉取并写入缓存；bool 返回值表示是否需要后台刷新。
func (s *Store) fill(ctx context.Context, key Key, stale Entry, hasStale bool, successTTL time.Duration, fetch FetchFunc) (Result, bool, error) {
	resp, err := fetch(context.WithoutCancel(ctx))
	if errors.Is(err, ErrNotCacheable) {
		return Result{}, false, err
	}
	if err == nil && resp == nil {
		err = errEmptyResponse
	}
	if err != nil || resp.Status >= http.StatusInternalServerError {
		if hasStale {
			fields := logrus.Fields{"action": "cache_stale", "key": key.String()}
			if err != nil {
				fields["error"] = err.Error()
			} else {
				fields["upstream_status"] = resp.Status
			}
			s.logger.WithFields(fields).Warn("serving stale entry")
			s.record(StatusStale)
			return Result{Response: stale.Response.Clone(), Status: StatusStale, StoredAt: stale.StoredAt}, true, nil
		}
		if err != nil {
			return Result{}, false, err
		}
	}

	status := StatusMiss
	if hasStale {
		status = StatusExpired
	}
	s.Put(key, resp, successTTL)
	s.record(status)
	return Result{Response: resp, Status: status, StoredAt: s.now()}, false, nil
}

// scheduleRefresh 在后台重新拉取 stale 条目；已有拉取进行中、并发已满或缓存已关闭时直接放弃。
func (s *Store) scheduleRefresh(key Key, successTTL time.Duration, fetch FetchFunc) {
	select {
	case s.refreshSem <- struct{}{}:
	default:
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.refreshSem
		return
	}
	s.refreshWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			<-s.refreshSem
			s.refreshWG.Done()
		}()

		k := key.String()
		f, ok := s.flights.tryAcquire(k)
		if !ok {
			return
		}
		defer s.flights.release(k, f)

		resp, err := fetch(context.Background())
		if err == nil && resp == nil {
			err = errEmptyResponse
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "cache_refresh",
				"key":    k,
				"error":  err.Error(),
			}).Warn("background refresh failed")
			return
		}
		if s.Put(key, resp, successTTL) {
			s.mu.Lock()
			s.stats.Refreshes++
			s.mu.Unlock()
		}
	}()
}

func hitResult(e Entry) Result {
	resp := e.Response
	return Result{Response: &resp, Status: StatusHit, StoredAt: e.StoredAt}
}
