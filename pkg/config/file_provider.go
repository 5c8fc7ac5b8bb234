package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileTopologyProviderOptions configures a FileTopologyProvider.
type FileTopologyProviderOptions struct {
	Logger   *slog.Logger
	Debounce time.Duration
	// OnReload is called after every reload attempt with its outcome.
	OnReload func(err error)
	Clock    func() time.Time
}

// FileTopologyProvider serves the topology held in a local file and
// republishes it whenever the file changes.
type FileTopologyProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload func(error)
	clock    func() time.Time

	mu          sync.RWMutex
	snapshot    Snapshot
	generation  int64
	subscribers []chan Snapshot
	closed      bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileTopologyProvider loads path and starts watching it. Unlike a
// reload, the initial load must succeed.
func NewFileTopologyProvider(path string, opts FileTopologyProviderOptions) (*FileTopologyProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileTopologyProvider{
		path:     absPath,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		onReload: opts.OnReload,
		clock:    opts.Clock,
		done:     make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.debounce <= 0 {
		p.debounce = defaultDebounce
	}
	if p.clock == nil {
		p.clock = time.Now
	}

	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// editors replace files, so watch the directory
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the watched file.
func (p *FileTopologyProvider) Path() string { return p.path }

// Current returns the last successfully loaded snapshot.
func (p *FileTopologyProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives every new snapshot, starting
// with the current one. Slow consumers miss intermediate snapshots.
func (p *FileTopologyProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Reload reads the file now.
func (p *FileTopologyProvider) Reload() error {
	return p.load()
}

// Close stops the watcher and closes subscriber channels.
func (p *FileTopologyProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileTopologyProvider) watchLoop(ctx context.Context) {
	defer close(p.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.load(); err != nil {
					p.logger.Error("topology reload failed", "path", p.path, "error", err)
					return
				}
				p.logger.Info("topology reloaded", "path", p.path, "generation", p.Current().Generation)
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("topology watcher error", "error", err)
		}
	}
}

func (p *FileTopologyProvider) load() (err error) {
	if p.onReload != nil {
		defer func() { p.onReload(err) }()
	}

	// #nosec G304 -- topology path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read topology file: %w", err)
	}
	spec, err := ParseTopology(data)
	if err != nil {
		return err
	}
	topo, err := spec.ToDomain()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("topology provider closed")
	}
	p.generation++
	p.snapshot = Snapshot{
		Generation: p.generation,
		LoadedAt:   p.clock(),
		Path:       p.path,
		Topology:   topo,
	}

	for _, ch := range p.subscribers {
		// drop a stale pending snapshot so the newest one wins
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p.snapshot:
		default:
		}
	}
	return nil
}
