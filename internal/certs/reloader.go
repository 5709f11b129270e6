// Package certs 提供入站 TLS 证书源。证书由外部 ACME 客户端续期，
// 这里只在文件修改时间变化时重新加载，不参与签发流程。
package certs

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reloader 按需重新加载证书/私钥对；加载失败时继续使用旧证书。
type Reloader struct {
	certFile string
	keyFile  string
	logger   *logrus.Logger
	interval time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	cert      *tls.Certificate
	certMod   time.Time
	keyMod    time.Time
	lastCheck time.Time
}

// Option 调整 Reloader。
type Option func(*Reloader)

// WithCheckInterval 设置两次检查文件修改时间的最小间隔，默认 10s。
func WithCheckInterval(d time.Duration) Option {
	return func(r *Reloader) { r.interval = d }
}

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Reloader) { r.now = now }
}

// NewReloader 立即加载一次证书，失败时返回错误。
func NewReloader(certFile, keyFile string, logger *logrus.Logger, opts ...Option) (*Reloader, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		interval: 10 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	certMod, keyMod, err := r.modTimes()
	if err != nil {
		return nil, err
	}
	if err := r.load(certMod, keyMod); err != nil {
		return nil, err
	}
	return r, nil
}

// GetCertificate 供 tls.Config 使用。
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.maybeReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// TLSConfig 返回使用该证书源的服务端配置。
func (r *Reloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
}

func (r *Reloader) maybeReload() {
	now := r.now()
	r.mu.Lock()
	if now.Sub(r.lastCheck) < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastCheck = now
	prevCert, prevKey := r.certMod, r.keyMod
	r.mu.Unlock()

	certMod, keyMod, err := r.modTimes()
	if err != nil {
		r.logger.WithFields(logrus.Fields{"action": "tls_reload", "error": err.Error()}).Warn("stat certificate failed")
		return
	}
	if certMod.Equal(prevCert) && keyMod.Equal(prevKey) {
		return
	}
	if err := r.load(certMod, keyMod); err != nil {
		r.logger.WithFields(logrus.Fields{"action": "tls_reload", "error": err.Error()}).Warn("reload certificate failed, keeping previous")
		return
	}
	r.logger.WithFields(logrus.Fields{"action": "tls_reload", "cert_file": r.certFile}).Info("certificate reloaded")
}

func (r *Reloader) load(certMod, keyMod time.Time) error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.certMod = certMod
	r.keyMod = keyMod
	r.lastCheck = r.now()
	r.mu.Unlock()
	return nil
}

func (r *Reloader) modTimes() (time.Time, time.Time, error) {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat cert: %w", err)
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat key: %w", err)
	}
	return certInfo.ModTime(), keyInfo.ModTime(), nil
}
