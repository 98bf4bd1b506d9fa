// Package storage writes newline delimited event journals, one file per UTC
// day. Finished days are gzip compressed.
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/saviobatista/fleetsync/internal/clock"
)

const dayLayout = "2006-01-02"

// Storage is a daily rotated journal
type Storage struct {
	outputDir string
	prefix    string
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	file    *os.File
	day     string
	stopped bool

	ticker   clock.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Storage
type Option func(*Storage)

// WithClock overrides the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// New creates a journal writing <prefix>_<day>.jsonl files under outputDir
func New(outputDir, prefix string, opts ...Option) *Storage {
	s := &Storage{
		outputDir: outputDir,
		prefix:    prefix,
		clock:     clock.Real(),
		logger:    slog.Default(),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "storage", "journal", prefix)
	return s
}

// Start opens today's file, compresses leftovers from earlier days and
// starts the rotation check
func (s *Storage) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.mu.Lock()
	err := s.openLocked(s.today())
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.compressStale(); err != nil {
		s.logger.Warn("failed to compress previous journals", "error", err)
	}

	s.ticker = s.clock.NewTicker(time.Minute)
	s.wg.Add(1)
	go s.rotationLoop()
	return nil
}

// Stop closes the current file
func (s *Storage) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	if s.ticker != nil {
		s.ticker.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// WriteMessage appends one record, adding a trailing newline if missing
func (s *Storage) WriteMessage(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("journal %s is stopped", s.prefix)
	}
	if err := s.rotateLocked(s.today()); err != nil {
		return err
	}

	if len(message) == 0 || message[len(message)-1] != '\n' {
		message = append(message[:len(message):len(message)], '\n')
	}
	if _, err := s.file.Write(message); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

// CurrentFile returns the path of the file being written
func (s *Storage) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path(s.day)
}

func (s *Storage) today() string {
	return s.clock.Now().UTC().Format(dayLayout)
}

func (s *Storage) path(day string) string {
	return filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.jsonl", s.prefix, day))
}

func (s *Storage) rotationLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C():
			s.mu.Lock()
			err := s.rotateLocked(s.today())
			s.mu.Unlock()
			if err != nil {
				s.logger.Error("rotation failed", "error", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// rotateLocked switches to day's file and compresses the previous one
func (s *Storage) rotateLocked(day string) error {
	if s.file != nil && s.day == day {
		return nil
	}

	previous := ""
	if s.file != nil {
		previous = s.path(s.day)
		if err := s.file.Close(); err != nil {
			s.logger.Warn("failed to close journal", "file", previous, "error", err)
		}
		s.file = nil
	}

	if err := s.openLocked(day); err != nil {
		return err
	}

	if previous != "" {
		if err := compressFile(previous); err != nil {
			return fmt.Errorf("failed to compress file: %w", err)
		}
		s.logger.Info("rotated journal", "compressed", previous+".gz")
	}
	return nil
}

func (s *Storage) openLocked(day string) error {
	file, err := os.OpenFile(s.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	s.file = file
	s.day = day
	return nil
}

// compressStale compresses uncompressed journals of earlier days, left
// behind when the process stopped across midnight
func (s *Storage) compressStale() error {
	matches, err := filepath.Glob(filepath.Join(s.outputDir, s.prefix+"_*.jsonl"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	current := s.CurrentFile()
	for _, m := range matches {
		if m == current {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), s.prefix+"_"), ".jsonl")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		if err := compressFile(m); err != nil {
			return err
		}
		s.logger.Info("compressed stale journal", "file", m)
	}
	return nil
}

// compressFile gzips path into path.gz and removes the original
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(target)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, source); err != nil {
		target.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		target.Close()
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
