package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/encoding/unicode"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
)

var (
	ErrDirectoryMissing = errors.New("log directory missing")
	ErrNotLogFile       = errors.New("file name does not match the log naming convention")
	ErrStopped          = errors.New("tracker stopped")
)

// Encodings understood by the tracker
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF16LE = "utf-16le"
)

// logName matches <Channel>_<YYYYMMDD>_<HHMMSS>[_<Character>].txt
var logName = regexp.MustCompile(`^(?P<channel>.+?)_(?P<date>\d{8})_(?P<time>\d{6})(?:_(?P<character>.+))?\.txt$`)

// Config holds tracker configuration
type Config struct {
	Encoding       string
	Channels       []string      // empty means every channel
	PollInterval   time.Duration // 0 disables polling
	DirectoryRetry time.Duration
	MaxReadBytes   int64
	// Generations is advanced when the directory changes or a log file is
	// replaced. A private counter is used when nil.
	Generations Generations
}

// Generations is the parse generation shared with the event consumer
type Generations interface {
	Current() uint64
	Advance() uint64
}

type counter struct {
	v atomic.Uint64
}

func (c *counter) Current() uint64 { return c.v.Load() }
func (c *counter) Advance() uint64 { return c.v.Add(1) }

// LogSource is one watched log file
type LogSource struct {
	Path      string `json:"path"`
	Channel   string `json:"channel"`
	Character string `json:"character"`
	Offset    int64  `json:"offset"`
	Inode     uint64 `json:"inode"`
	System    string `json:"system,omitempty"`
}

// EventType identifies what a tracker event carries
type EventType int

const (
	EventLine EventType = iota
	EventSourceAdded
	EventSourceRemoved
	EventDirectoryMissing
	EventDirectoryReady
)

func (t EventType) String() string {
	switch t {
	case EventLine:
		return "line"
	case EventSourceAdded:
		return "source_added"
	case EventSourceRemoved:
		return "source_removed"
	case EventDirectoryMissing:
		return "directory_missing"
	case EventDirectoryReady:
		return "directory_ready"
	default:
		return "unknown"
	}
}

// Event is emitted on the tracker's event channel
type Event struct {
	Type   EventType
	Source LogSource
	Line   string
	Dir    string
	// Generation is the parse generation when the event was produced
	Generation uint64
	// Replaced is set on EventSourceAdded when the new file supersedes an
	// older file of the same channel and character.
	Replaced bool
}

// ParseLogName derives the channel and character from a log file name
func ParseLogName(name string) (channel, character string, err error) {
	m := logName.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", "", ErrNotLogFile
	}
	return m[logName.SubexpIndex("channel")], m[logName.SubexpIndex("character")], nil
}

// Tracker watches a log directory and emits appended lines
type Tracker struct {
	cfg       Config
	positions *checkpoint.Manager
	logger    *logging.Logger
	metrics   *metrics.Collector
	watcher   *fsnotify.Watcher

	mu       sync.RWMutex
	dir      string
	dirReady bool
	sources  map[string]*LogSource
	channels map[string]bool

	// readMu serializes reads so two triggers never consume the same range.
	// It also guards discarding and stopped.
	readMu     sync.Mutex
	discarding map[string]bool
	stopped    bool

	decode func(chunk []byte, encoding string) ([]string, error)

	eventCh chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Tracker instance
func New(cfg Config, positions *checkpoint.Manager, logger *logging.Logger, m *metrics.Collector) (*Tracker, error) {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingUTF16LE
	}
	if cfg.Encoding != EncodingUTF8 && cfg.Encoding != EncodingUTF16LE {
		return nil, fmt.Errorf("unsupported log encoding: %s", cfg.Encoding)
	}
	if cfg.DirectoryRetry <= 0 {
		cfg.DirectoryRetry = 5 * time.Second
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 1 << 20
	}
	if cfg.Generations == nil {
		cfg.Generations = &counter{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	channels := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[strings.ToLower(ch)] = true
	}

	t := &Tracker{
		cfg:        cfg,
		positions:  positions,
		logger:     logger.WithComponent("tracker"),
		metrics:    m,
		watcher:    watcher,
		sources:    make(map[string]*LogSource),
		channels:   channels,
		discarding: make(map[string]bool),
		decode:     decodeLines,
		eventCh:    make(chan Event, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}

	return t, nil
}

// Start starts the watch loop
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.watchLoop()
}

// Stop stops the tracker and closes the event channel. Later calls to
// RegisterDirectory and ReadAppended are refused.
func (t *Tracker) Stop() {
	t.cancel()
	t.watcher.Close()
	t.wg.Wait()

	t.readMu.Lock()
	defer t.readMu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.eventCh)
}

// Events returns the channel of tracker events
func (t *Tracker) Events() <-chan Event {
	return t.eventCh
}

// RegisterDirectory makes path the watched log directory, replacing any
// previous one, and advances the generation. Files already present are
// tracked from their current end. A missing directory is reported and
// retried in the background.
func (t *Tracker) RegisterDirectory(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	t.cfg.Generations.Advance()

	t.mu.Lock()
	old := t.dir
	oldReady := t.dirReady
	t.dir = abs
	t.dirReady = false
	removed := t.clearSourcesLocked()
	t.mu.Unlock()

	if old != "" && oldReady {
		if err := t.watcher.Remove(old); err != nil {
			t.logger.Debug().Err(err).Str("dir", old).Msg("Failed to remove old directory watch")
		}
	}
	for _, src := range removed {
		t.emit(Event{Type: EventSourceRemoved, Source: src})
	}

	return t.attachLocked(abs)
}

// attachLocked starts watching dir. Callers hold readMu.
func (t *Tracker) attachLocked(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.setReady(false)
		t.logger.Warn().Str("dir", dir).Msg("Log directory missing, not receiving messages")
		t.emit(Event{Type: EventDirectoryMissing, Dir: dir})
		return fmt.Errorf("%w: %s", ErrDirectoryMissing, dir)
	}

	if err := t.watcher.Add(dir); err != nil {
		t.setReady(false)
		t.emit(Event{Type: EventDirectoryMissing, Dir: dir})
		return fmt.Errorf("failed to watch log directory: %w", err)
	}

	t.setReady(true)
	t.logger.Info().Str("dir", dir).Msg("Watching log directory")
	t.emit(Event{Type: EventDirectoryReady, Dir: dir})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to list log directory")
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		t.observeLocked(filepath.Join(dir, entry.Name()))
	}
	return nil
}

func (t *Tracker) setReady(ready bool) {
	t.mu.Lock()
	t.dirReady = ready
	t.mu.Unlock()

	if t.metrics != nil {
		if ready {
			t.metrics.TrackerDirReady.Set(1)
		} else {
			t.metrics.TrackerDirReady.Set(0)
		}
	}
}

// Dir returns the registered directory and whether it is being watched
func (t *Tracker) Dir() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dir, t.dirReady
}

// Sources returns a snapshot of the tracked sources
func (t *Tracker) Sources() []LogSource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]LogSource, 0, len(t.sources))
	for _, src := range t.sources {
		cp := *src
		if pos, ok := t.positions.GetPosition(src.Path); ok {
			cp.Offset = pos.Offset
		}
		out = append(out, cp)
	}
	return out
}

// SetSystem records the last known system of the character behind path
func (t *Tracker) SetSystem(path, system string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if src, ok := t.sources[path]; ok {
		src.System = system
	}
}

// clearSourcesLocked drops every source. Callers hold mu.
func (t *Tracker) clearSourcesLocked() []LogSource {
	removed := make([]LogSource, 0, len(t.sources))
	for path, src := range t.sources {
		removed = append(removed, *src)
		t.positions.Forget(path)
		delete(t.sources, path)
		delete(t.discarding, path)
	}
	t.updateSourceGauge()
	return removed
}

func (t *Tracker) updateSourceGauge() {
	if t.metrics != nil {
		t.metrics.TrackerSources.Set(float64(len(t.sources)))
	}
}

// observeLocked starts tracking path from its current size. Callers hold readMu.
func (t *Tracker) observeLocked(path string) {
	channel, character, err := ParseLogName(path)
	if err != nil {
		return
	}
	if len(t.channels) > 0 && !t.channels[strings.ToLower(channel)] {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		t.logger.Debug().Err(err).Str("path", path).Msg("Failed to stat new log file")
		return
	}

	src := &LogSource{
		Path:      path,
		Channel:   channel,
		Character: character,
		Offset:    info.Size(),
		Inode:     getInode(info),
	}

	t.mu.Lock()
	replaced := false
	var superseded []LogSource
	for p, other := range t.sources {
		if p != path && strings.EqualFold(other.Channel, channel) && other.Character == character {
			superseded = append(superseded, *other)
			t.positions.Forget(p)
			delete(t.sources, p)
			delete(t.discarding, p)
			replaced = true
		}
	}
	t.sources[path] = src
	t.positions.UpdatePosition(path, src.Offset, src.Inode)
	t.updateSourceGauge()
	t.mu.Unlock()

	for _, old := range superseded {
		t.emit(Event{Type: EventSourceRemoved, Source: old})
	}
	if replaced {
		t.cfg.Generations.Advance()
	}

	t.logger.Info().
		Str("path", path).
		Str("channel", channel).
		Str("character", character).
		Int64("offset", src.Offset).
		Msg("Tracking log file")
	t.emit(Event{Type: EventSourceAdded, Source: *src, Replaced: replaced})
}

// dropLocked stops tracking path. Callers hold readMu.
func (t *Tracker) dropLocked(path string) {
	t.mu.Lock()
	src, ok := t.sources[path]
	if ok {
		delete(t.sources, path)
		t.positions.Forget(path)
		t.updateSourceGauge()
	}
	t.mu.Unlock()
	delete(t.discarding, path)

	if ok {
		t.logger.Info().Str("path", path).Msg("Stopped tracking log file")
		t.emit(Event{Type: EventSourceRemoved, Source: *src})
	}
}

func (t *Tracker) tracked(path string) (LogSource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src, ok := t.sources[path]
	if !ok {
		return LogSource{}, false
	}
	return *src, true
}

// ReadAppended consumes complete lines appended to path since the stored
// offset and emits them. It returns the number of lines emitted.
func (t *Tracker) ReadAppended(path string) int {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if t.stopped {
		return 0
	}
	return t.readAppendedLocked(path)
}

func (t *Tracker) readAppendedLocked(path string) int {
	src, ok := t.tracked(path)
	if !ok {
		return 0
	}

	file, err := os.Open(path)
	if err != nil {
		t.readFailed(path, err)
		return 0
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		t.readFailed(path, err)
		return 0
	}

	pos, ok := t.positions.GetPosition(path)
	if !ok {
		return 0
	}

	// A different inode or a shrunken file is a new source, observed now
	if inode := getInode(stat); inode != pos.Inode || stat.Size() < pos.Offset {
		t.logger.Info().Str("path", path).Msg("Log file rotated or truncated")
		t.dropLocked(path)
		t.observeLocked(path)
		return 0
	}

	delta := stat.Size() - pos.Offset
	if delta <= 0 {
		return 0
	}
	if delta > t.cfg.MaxReadBytes {
		delta = t.cfg.MaxReadBytes
	}

	buf := make([]byte, delta)
	n, err := file.ReadAt(buf, pos.Offset)
	if err != nil && err != io.EOF {
		t.readFailed(path, err)
		return 0
	}
	buf = buf[:n]

	// The rest of an oversized line is skipped up to its terminator
	skip := 0
	if t.discarding[path] {
		end := firstLineEnd(buf, t.cfg.Encoding)
		if end == 0 {
			_ = t.positions.Advance(path, pos.Offset, pos.Offset+int64(alignDown(n, t.cfg.Encoding)))
			return 0
		}
		skip = end
		delete(t.discarding, path)
	}

	cut := lastLineEnd(buf, t.cfg.Encoding)
	if cut <= skip {
		next := int64(skip)
		if skip == 0 && int64(n) >= t.cfg.MaxReadBytes {
			// A single line larger than the read cap can never complete
			t.logger.Warn().Str("path", path).Int("bytes", n).Msg("Dropping oversized line")
			t.discarding[path] = true
			next = int64(alignDown(n, t.cfg.Encoding))
		}
		if next > 0 {
			_ = t.positions.Advance(path, pos.Offset, pos.Offset+next)
		}
		return 0
	}

	lines, err := t.decode(buf[skip:cut], t.cfg.Encoding)
	if err != nil {
		t.readFailed(path, err)
		return 0
	}

	if err := t.positions.Advance(path, pos.Offset, pos.Offset+int64(cut)); err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("Offset changed during read")
		return 0
	}

	src.Offset = pos.Offset + int64(cut)
	if t.metrics != nil {
		t.metrics.TrackerBytesRead.Add(float64(cut - skip))
		t.metrics.TrackerLinesRead.WithLabelValues(src.Channel).Add(float64(len(lines)))
	}

	for _, line := range lines {
		t.emit(Event{Type: EventLine, Source: src, Line: line})
	}
	return len(lines)
}

func (t *Tracker) readFailed(path string, err error) {
	if t.metrics != nil {
		t.metrics.TrackerReadErrors.Inc()
	}
	t.logger.Warn().Err(err).Str("path", path).Msg("Failed to read log file, will retry")
}

// emit stamps ev with the current generation and delivers it. Callers
// hold readMu, which also serializes generation changes.
func (t *Tracker) emit(ev Event) {
	ev.Generation = t.cfg.Generations.Current()
	select {
	case t.eventCh <- ev:
	case <-t.ctx.Done():
	}
}

// watchLoop watches for file events, poll ticks and directory retries
func (t *Tracker) watchLoop() {
	defer t.wg.Done()

	var pollC <-chan time.Time
	if t.cfg.PollInterval > 0 {
		poll := time.NewTicker(t.cfg.PollInterval)
		defer poll.Stop()
		pollC = poll.C
	}

	retry := time.NewTicker(t.cfg.DirectoryRetry)
	defer retry.Stop()

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-pollC:
			t.pollSources()

		case <-retry.C:
			t.retryDirectory()

		case <-t.ctx.Done():
			return
		}
	}
}

// handleEvent handles file system events
func (t *Tracker) handleEvent(event fsnotify.Event) {
	path := event.Name

	t.readMu.Lock()
	defer t.readMu.Unlock()

	dir, _ := t.Dir()
	if path == dir {
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			t.logger.Warn().Str("dir", dir).Msg("Log directory removed")
			t.mu.Lock()
			removed := t.clearSourcesLocked()
			t.mu.Unlock()
			for _, src := range removed {
				t.emit(Event{Type: EventSourceRemoved, Source: src})
			}
			t.setReady(false)
			t.emit(Event{Type: EventDirectoryMissing, Dir: dir})
		}
		return
	}
	if filepath.Dir(path) != dir {
		return
	}

	_, isTracked := t.tracked(path)

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		if isTracked {
			t.dropLocked(path)
		}
		t.observeLocked(path)

	case event.Op&fsnotify.Write == fsnotify.Write:
		if !isTracked {
			t.observeLocked(path)
			return
		}
		t.readAppendedLocked(path)

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		t.dropLocked(path)
	}
}

// pollSources re-reads every tracked file; some clients flush without
// producing write notifications
func (t *Tracker) pollSources() {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	t.mu.RLock()
	paths := make([]string, 0, len(t.sources))
	for path := range t.sources {
		paths = append(paths, path)
	}
	t.mu.RUnlock()

	for _, path := range paths {
		t.readAppendedLocked(path)
	}
}

func (t *Tracker) retryDirectory() {
	dir, ready := t.Dir()
	if dir == "" || ready {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		return
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if err := t.attachLocked(dir); err != nil {
		t.logger.Debug().Err(err).Str("dir", dir).Msg("Log directory still unavailable")
	}
}

// lastLineEnd returns the length of the prefix of buf that ends with a
// complete line, or 0 when buf holds only a partial line
func lastLineEnd(buf []byte, encoding string) int {
	if encoding == EncodingUTF16LE {
		for i := len(buf) - len(buf)%2 - 2; i >= 0; i -= 2 {
			if buf[i] == '\n' && buf[i+1] == 0 {
				return i + 2
			}
		}
		return 0
	}
	return bytes.LastIndexByte(buf, '\n') + 1
}

// firstLineEnd returns the length of the prefix of buf up to and including
// the first line terminator, or 0 when there is none
func firstLineEnd(buf []byte, encoding string) int {
	if encoding == EncodingUTF16LE {
		for i := 0; i+1 < len(buf); i += 2 {
			if buf[i] == '\n' && buf[i+1] == 0 {
				return i + 2
			}
		}
		return 0
	}
	return bytes.IndexByte(buf, '\n') + 1
}

// alignDown keeps UTF-16 offsets on code unit boundaries
func alignDown(n int, encoding string) int {
	if encoding == EncodingUTF16LE {
		return n - n%2
	}
	return n
}

// decodeLines converts a chunk ending in a newline into lines without
// terminators
func decodeLines(chunk []byte, encoding string) ([]string, error) {
	text := string(chunk)
	if encoding == EncodingUTF16LE {
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to decode utf-16 chunk: %w", err)
		}
		text = string(decoded)
	}

	text = strings.TrimSuffix(text, "\n")
	parts := strings.Split(text, "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts, nil
}
