package surface

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/cache"
	"github.com/petervdpas/callsync/internal/util"
)

const (
	defaultRetention = time.Minute
	noteSuffix       = ".json"
)

// DirBus extends a LocalBus across processes that share a broadcast
// directory. Every Publish drops one JSON file into the directory; every
// other DirBus watching it picks the file up and delivers it locally.
// Files older than the retention window are pruned by whoever publishes.
type DirBus struct {
	*LocalBus

	dir       string
	retention time.Duration
	watcher   *fsnotify.Watcher
	seen      *cache.TTL[string, struct{}]

	closed    chan struct{}
	closeOnce sync.Once
}

// NewDirBus watches dir, creating it if needed.
func NewDirBus(dir string) (*DirBus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create broadcast dir %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch broadcast dir: %w", err)
	}
	b := &DirBus{
		LocalBus:  NewLocalBus(),
		dir:       dir,
		retention: defaultRetention,
		watcher:   w,
		seen:      cache.New[string, struct{}](defaultRetention, defaultRetention),
		closed:    make(chan struct{}),
	}
	go b.watchLoop()
	log.Info().Str("dir", dir).Str("origin", b.origin).Msg("SURFACE: broadcast bus started")
	return b, nil
}

// Publish delivers n to local subscribers and to every other surface
// watching the directory.
func (b *DirBus) Publish(n Notification) error {
	b.stamp(&n)
	b.seen.Set(n.ID, struct{}{})
	b.deliver(n)

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	name := fmt.Sprintf("%d-%s%s", n.At.UnixNano(), n.ID, noteSuffix)
	if err := util.WriteFileAtomic(filepath.Join(b.dir, name), data); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	b.prune()
	return nil
}

func (b *DirBus) watchLoop() {
	for {
		select {
		case <-b.closed:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, noteSuffix) {
				continue
			}
			b.ingest(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("SURFACE: watcher error")
		}
	}
}

func (b *DirBus) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Pruned before we got to it.
		return
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Debug().Str("file", path).Err(err).Msg("SURFACE: skipping unreadable notification")
		return
	}
	if n.Origin == b.origin || n.ID == "" {
		return
	}
	if !b.seen.Claim(n.ID, struct{}{}) {
		return
	}
	b.deliver(n)
}

func (b *DirBus) prune() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-b.retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), noteSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(b.dir, e.Name()))
	}
}

// Close stops watching. Subscribers keep their channels until they cancel.
func (b *DirBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.watcher.Close()
		b.seen.Close()
	})
	return err
}
