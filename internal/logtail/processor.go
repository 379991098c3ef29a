package logtail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/metrics"
)

// ConsoleLogName is the file tailed inside each session directory.
const ConsoleLogName = "console.log"

// ErrNoConsoleLog is returned when no session directory holds a console.log.
var ErrNoConsoleLog = errors.New("logtail: no console.log found")

// Options configure a Processor.
type Options struct {
	// Dir is the server's logs directory; each server start creates a
	// timestamped subdirectory holding console.log.
	Dir          string
	FullScan     bool
	PollInterval time.Duration
	BatchSize    int
}

// Stats describes tailing progress.
type Stats struct {
	File         string    `json:"file"`
	Offset       int64     `json:"offset"`
	LinesRead    uint64    `json:"lines_read"`
	LinesMatched uint64    `json:"lines_matched"`
	LastPoll     time.Time `json:"last_poll"`
}

// Processor tails the newest console.log and updates a metrics store.
type Processor struct {
	opts   Options
	store  *metrics.Store
	logger zerolog.Logger

	mu      sync.Mutex
	current string
	offset  int64
	stats   Stats
}

// NewProcessor creates a processor writing into store.
func NewProcessor(opts Options, store *metrics.Store) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Processor{
		opts:   opts,
		store:  store,
		logger: log.With().Str("component", "logtail").Logger(),
	}
}

// Run performs the optional full scan, then tails until ctx is cancelled.
// New content is picked up on filesystem notifications and on every poll
// tick; the tick alone is enough when notifications are unavailable.
func (p *Processor) Run(ctx context.Context) error {
	if p.opts.FullScan {
		if _, err := p.FullScan(); err != nil {
			p.logger.Error().Err(err).Msg("full scan failed")
		}
	}

	var (
		events  <-chan fsnotify.Event
		errs    <-chan error
		watched string
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn().Err(err).Msg("filesystem notifications unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(p.opts.Dir); err != nil {
			p.logger.Warn().Err(err).Str("dir", p.opts.Dir).Msg("failed to watch logs directory")
		}
		events, errs = watcher.Events, watcher.Errors
	}

	poll := func() {
		if _, err := p.Poll(); err != nil && !errors.Is(err, ErrNoConsoleLog) {
			p.logger.Warn().Err(err).Msg("failed to read console log")
		}
		if watcher == nil {
			return
		}
		dir := filepath.Dir(p.CurrentFile())
		if p.CurrentFile() == "" || dir == watched {
			return
		}
		if watched != "" {
			_ = watcher.Remove(watched)
		}
		if err := watcher.Add(dir); err == nil {
			watched = dir
		}
	}

	poll()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Debug().Err(err).Msg("watcher error")
		}
	}
}

// FullScan parses every console.log below the logs directory and returns the
// number of performance lines found.
func (p *Processor) FullScan() (int, error) {
	p.logger.Info().Str("dir", p.opts.Dir).Msg("starting full scan of console logs")

	matched := 0
	err := filepath.WalkDir(p.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ConsoleLogName {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			p.logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable console log")
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if sample, ok := ParseLine(scanner.Text()); ok {
				p.store.Update(sample)
				matched++
			}
		}
		return scanner.Err()
	})
	if err != nil {
		return matched, fmt.Errorf("full scan of %s: %w", p.opts.Dir, err)
	}

	p.logger.Info().Int("matched", matched).Msg("full scan completed")
	return matched, nil
}

// Poll reads any complete lines appended to the newest console.log since
// the last call and returns how many were read. Switching to a newer session
// directory or a truncated file restarts at offset 0.
func (p *Processor) Poll() (int, error) {
	path, err := LatestConsoleLog(p.opts.Dir)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.LastPoll = time.Now()
	if path != p.current {
		p.logger.Info().Str("file", path).Msg("tailing console log")
		p.current = path
		p.offset = 0
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < p.offset {
		p.logger.Info().Str("file", path).Msg("console log truncated, restarting from the beginning")
		p.offset = 0
	}
	if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	batch := make([]string, 0, p.opts.BatchSize)
	read := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A trailing line without newline is still being written.
			if errors.Is(err, io.EOF) {
				break
			}
			p.processBatch(batch)
			return read, fmt.Errorf("read %s: %w", path, err)
		}
		p.offset += int64(len(line))
		read++
		batch = append(batch, line)
		if len(batch) >= p.opts.BatchSize {
			p.processBatch(batch)
			batch = batch[:0]
		}
	}
	p.processBatch(batch)

	p.stats.File = p.current
	p.stats.Offset = p.offset
	p.stats.LinesRead += uint64(read)
	if read > 0 {
		p.logger.Debug().Int("lines", read).Int64("offset", p.offset).Msg("processed new console output")
	}
	return read, nil
}

func (p *Processor) processBatch(lines []string) {
	for _, line := range lines {
		sample, ok := ParseLine(line)
		if !ok {
			continue
		}
		p.store.Update(sample)
		p.stats.LinesMatched++
	}
}

// CurrentFile returns the console.log being tailed, or "".
func (p *Processor) CurrentFile() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Stats returns tailing counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LastLines returns up to n trailing lines of the newest console.log.
func (p *Processor) LastLines(n int) ([]string, error) {
	path, err := LatestConsoleLog(p.opts.Dir)
	if err != nil {
		return nil, err
	}
	return tailLines(path, n)
}

func tailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ring, nil
}

// LatestConsoleLog returns console.log inside the most recently modified
// subdirectory of dir. Directory names break ties.
func LatestConsoleLog(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read logs directory %s: %w", dir, err)
	}

	type session struct {
		name    string
		modTime time.Time
	}
	var sessions []session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, session{name: e.Name(), modTime: info.ModTime()})
	}
	if len(sessions) == 0 {
		return "", fmt.Errorf("%w: no session directories in %s", ErrNoConsoleLog, dir)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].modTime.Equal(sessions[j].modTime) {
			return sessions[i].modTime.After(sessions[j].modTime)
		}
		return sessions[i].name > sessions[j].name
	})

	path := filepath.Join(dir, sessions[0].name, ConsoleLogName)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoConsoleLog, path)
	}
	return path, nil
}
