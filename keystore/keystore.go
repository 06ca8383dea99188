// Package keystore serves TLS key and trust material from a directory.
//
// A key alias names a certificate chain and private key stored as
// <alias>.crt and <alias>.key. A trust alias names a bundle of PEM encoded
// CA certificates stored as <alias>.pem. Parsed material is cached; a file
// watcher drops cache entries when the underlying files change so rotated
// certificates are picked up by the next connection.
package keystore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	certExt  = ".crt"
	keyExt   = ".key"
	trustExt = ".pem"
)

var (
	ErrUnknownAlias = errors.New("keystore: unknown alias")
	ErrInvalidAlias = errors.New("keystore: invalid alias")
	ErrEmptyTrust   = errors.New("keystore: trust bundle contains no certificates")
)

// Store is a directory-backed key store. Safe for concurrent use.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	gen   uint64 // bumped on every invalidation
	certs map[string]tls.Certificate
	pools map[string]*x509.CertPool

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	once    sync.Once
}

// Open returns a store reading from dir and starts watching it.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("keystore: %s is not a directory", abs)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keystore: create watcher: %w", err)
	}
	if err := w.Add(abs); err != nil {
		w.Close()
		return nil, fmt.Errorf("keystore: watch %s: %w", abs, err)
	}

	s := &Store{
		dir:     abs,
		logger:  logger,
		certs:   make(map[string]tls.Certificate),
		pools:   make(map[string]*x509.CertPool),
		watcher: w,
	}
	s.wg.Go(s.watch)
	return s, nil
}

// Dir returns the absolute directory served by the store.
func (s *Store) Dir() string { return s.dir }

// Certificate returns the key pair for alias.
func (s *Store) Certificate(alias string) (tls.Certificate, error) {
	if err := checkAlias(alias); err != nil {
		return tls.Certificate{}, err
	}

	s.mu.RLock()
	cert, ok := s.certs[alias]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}

	certFile := filepath.Join(s.dir, alias+certExt)
	keyFile := filepath.Join(s.dir, alias+keyExt)
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tls.Certificate{}, fmt.Errorf("%w: key %q", ErrUnknownAlias, alias)
		}
		return tls.Certificate{}, fmt.Errorf("keystore: load key %q: %w", alias, err)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.certs[alias] = cert
	}
	s.mu.Unlock()
	return cert, nil
}

// TrustPool returns the CA pool for alias.
func (s *Store) TrustPool(alias string) (*x509.CertPool, error) {
	if err := checkAlias(alias); err != nil {
		return nil, err
	}

	s.mu.RLock()
	pool, ok := s.pools[alias]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return pool, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, alias+trustExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: trust %q", ErrUnknownAlias, alias)
		}
		return nil, fmt.Errorf("keystore: load trust %q: %w", alias, err)
	}
	pool = x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %q", ErrEmptyTrust, alias)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.pools[alias] = pool
	}
	s.mu.Unlock()
	return pool, nil
}

// Invalidate drops cached material for alias.
func (s *Store) Invalidate(alias string) {
	s.mu.Lock()
	s.gen++
	delete(s.certs, alias)
	delete(s.pools, alias)
	s.mu.Unlock()
}

// Close stops the watcher. Cached material stays readable.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Store) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			alias, ok := aliasOf(ev.Name)
			if !ok {
				continue
			}
			s.Invalidate(alias)
			s.logger.Debug("keystore: material changed", "alias", alias, "op", ev.Op.String())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("keystore: watch error", "dir", s.dir, "error", err)
		}
	}
}

func aliasOf(path string) (string, bool) {
	base := filepath.Base(path)
	switch ext := filepath.Ext(base); ext {
	case certExt, keyExt, trustExt:
		return strings.TrimSuffix(base, ext), true
	}
	return "", false
}

func checkAlias(alias string) error {
	if alias == "" || alias == "." || alias == ".." || strings.ContainsAny(alias, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}
	return nil
}
