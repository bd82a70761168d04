package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/logvault/logvault/pkg/httpx"
)

// CacheUsage reports how much disk the segment cache occupies, per entity.
type CacheUsage struct {
	Root       string           `json:"root"`
	TotalBytes int64            `json:"total_bytes"`
	Entities   map[string]int64 `json:"entities"`
}

// usageMonitor walks the cache root to measure disk usage, caching the result
// briefly so the endpoint cannot be used to hammer the filesystem.
type usageMonitor struct {
	root          string
	cached        CacheUsage
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

func newUsageMonitor(root string) *usageMonitor {
	return &usageMonitor{root: root, cacheDuration: 10 * time.Second}
}

func (m *usageMonitor) usage() (CacheUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < m.cacheDuration {
		return m.cached, nil
	}

	out := CacheUsage{Root: m.root, Entities: make(map[string]int64)}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			m.cached = out
			m.lastCheck = time.Now()
			return out, nil
		}
		return CacheUsage{}, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		size, err := dirSize(filepath.Join(m.root, e.Name()))
		if err != nil {
			return CacheUsage{}, err
		}
		out.Entities[e.Name()] = size
		out.TotalBytes += size
	}

	m.cached = out
	m.lastCheck = time.Now()
	return out, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func (s *Server) handleCacheUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.usage.usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, usage)
}
