package store

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// overflowHeader is the column layout of spilled rows. Source names the stage
// that gave up on the batch, so rows can be triaged before replay.
var overflowHeader = []string{
	"DeviceId", "TagId", "Ts", "Seq", "ValueType", "Value", "Quality", "Source", "Protocol",
}

// OverflowOptions configures the sink. Zero values get working defaults.
type OverflowOptions struct {
	Dir           string
	RollSizeMB    int
	RetentionDays int
	Compress      bool
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Overflow is a rolling CSV sink for samples that could not be persisted.
// Files are rotated by size, optionally gzipped once closed, and expired by
// age. It never blocks the writer on compression: gzip runs on its own
// goroutine.
type Overflow struct {
	dir       string
	rollBytes int64
	retention time.Duration
	compress  bool
	clk       clock.Clock
	log       *zap.Logger

	mu   sync.Mutex
	file *os.File
	cw   *countingWriter
	csvw *csv.Writer

	gzCh chan string
	done chan struct{}
	wg   sync.WaitGroup
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewOverflow creates the sink directory and starts its background workers.
func NewOverflow(o OverflowOptions) (*Overflow, error) {
	if o.RollSizeMB <= 0 {
		o.RollSizeMB = 64
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 7
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create overflow dir: %w", err)
	}
	s := &Overflow{
		dir:       o.Dir,
		rollBytes: int64(o.RollSizeMB) * 1024 * 1024,
		retention: time.Duration(o.RetentionDays) * 24 * time.Hour,
		compress:  o.Compress,
		clk:       o.Clock,
		log:       o.Logger,
		gzCh:      make(chan string, 8),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.gzipLoop()
	go s.sweepLoop()
	return s, nil
}

// Spill appends samples to the current overflow file, rotating as needed.
func (s *Overflow) Spill(samples []model.TypedSample, source string) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		if err := s.openLocked(); err != nil {
			return err
		}
	}
	for _, smp := range samples {
		p := PointFromSample(smp)
		rec := []string{
			p.DeviceID,
			p.TagID,
			strconv.FormatInt(p.Ts, 10),
			strconv.FormatInt(p.Seq, 10),
			p.ValueType.String(),
			p.Value,
			strconv.Itoa(p.Quality),
			source,
			p.Protocol,
		}
		if err := s.csvw.Write(rec); err != nil {
			return fmt.Errorf("overflow write: %w", err)
		}
	}
	s.csvw.Flush()
	if err := s.csvw.Error(); err != nil {
		return fmt.Errorf("overflow flush: %w", err)
	}
	if s.cw.n >= s.rollBytes {
		s.rotateLocked()
	}
	return nil
}

func (s *Overflow) openLocked() error {
	base := "overflow_" + s.clk.Now().UTC().Format("20060102_150405")
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name += "_" + strconv.Itoa(i)
		}
		path := filepath.Join(s.dir, name+".csv")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open overflow file: %w", err)
		}
		s.file = f
		s.cw = &countingWriter{w: f}
		s.csvw = csv.NewWriter(s.cw)
		if err := s.csvw.Write(overflowHeader); err != nil {
			f.Close()
			s.file = nil
			return err
		}
		s.csvw.Flush()
		return s.csvw.Error()
	}
}

func (s *Overflow) rotateLocked() {
	path := s.file.Name()
	if err := s.file.Close(); err != nil {
		s.log.Warn("overflow close failed", zap.String("file", path), zap.Error(err))
	}
	s.file = nil
	s.csvw = nil
	s.cw = nil
	if s.compress {
		select {
		case s.gzCh <- path:
		default:
			s.log.Warn("gzip queue full, leaving file uncompressed", zap.String("file", path))
		}
	}
}

func (s *Overflow) gzipLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			for {
				select {
				case path := <-s.gzCh:
					s.gzipFile(path)
				default:
					return
				}
			}
		case path := <-s.gzCh:
			s.gzipFile(path)
		}
	}
}

func (s *Overflow) gzipFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		s.log.Warn("gzip open failed", zap.String("file", path), zap.Error(err))
		return
	}
	defer src.Close()
	dst, err := os.Create(path + ".gz")
	if err != nil {
		s.log.Warn("gzip create failed", zap.String("file", path), zap.Error(err))
		return
	}
	gw := gzip.NewWriter(dst)
	_, cpErr := io.Copy(gw, src)
	if err := gw.Close(); cpErr == nil {
		cpErr = err
	}
	if err := dst.Close(); cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		s.log.Warn("gzip failed, keeping original", zap.String("file", path), zap.Error(cpErr))
		os.Remove(path + ".gz")
		return
	}
	if err := os.Remove(path); err != nil {
		s.log.Warn("remove after gzip failed", zap.String("file", path), zap.Error(err))
	}
}

func (s *Overflow) sweepLoop() {
	defer s.wg.Done()
	t := s.clk.Ticker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

// sweep deletes overflow files older than the retention window.
func (s *Overflow) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("overflow sweep failed", zap.Error(err))
		return
	}
	cutoff := s.clk.Now().Add(-s.retention)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "overflow_") {
			continue
		}
		if !strings.HasSuffix(name, ".csv") && !strings.HasSuffix(name, ".csv.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, name)
			if err := os.Remove(path); err != nil {
				s.log.Warn("overflow expire failed", zap.String("file", path), zap.Error(err))
			} else {
				s.log.Info("expired overflow file", zap.String("file", name))
			}
		}
	}
}

// Close flushes and stops the background workers. The live file is handed to
// the gzip worker so nothing is left behind uncompressed.
func (s *Overflow) Close() error {
	s.mu.Lock()
	if s.file != nil {
		s.csvw.Flush()
		err := s.csvw.Error()
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			s.log.Warn("overflow close failed", zap.Error(err))
		}
		if s.compress {
			select {
			case s.gzCh <- s.file.Name():
			default:
			}
		}
		s.file = nil
	}
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
	return nil
}
