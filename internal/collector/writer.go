package collector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IST is the NSE/BSE trading-day zone. Fixed offset, so no tzdata needed.
var IST = time.FixedZone("IST", 5*3600+30*60)

type WriterOptions struct {
	Dir    string
	Prefix string
	// Location decides where one file's day ends. UTC when nil.
	Location *time.Location
	// MaxBytes starts a new part file (prefix-DATE.N.jsonl) once the
	// current one would grow past it. Zero means no limit.
	MaxBytes int64
}

// Writer appends JSON lines to one file per trading day. Writes are
// buffered; Flush or Close makes them visible on disk.
type Writer struct {
	opts WriterOptions
	now  func() time.Time

	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	day     string // "2006-01-02" in opts.Location
	part    int
	size    int64
	records int64
}

func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Prefix == "" {
		opts.Prefix = "ticks"
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &Writer{opts: opts, now: time.Now}, nil
}

func (w *Writer) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(int64(len(data))); err != nil {
		return err
	}
	n, err := w.buf.Write(data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing %s: %w", w.file.Name(), err)
	}
	w.records++
	return nil
}

// ensureFile opens the right file for now, rolling over on a new day or
// when the next line would exceed MaxBytes.
func (w *Writer) ensureFile(next int64) error {
	day := w.now().In(w.opts.Location).Format("2006-01-02")
	switch {
	case w.file == nil || w.day != day:
		if err := w.closeFile(); err != nil {
			return err
		}
		return w.openPart(day, 0, next)
	case w.opts.MaxBytes > 0 && w.size > 0 && w.size+next > w.opts.MaxBytes:
		if err := w.closeFile(); err != nil {
			return err
		}
		return w.openPart(day, w.part+1, next)
	}
	return nil
}

// openPart opens the first part at or after part that still has room,
// so a restart appends to the day's latest file instead of clobbering it.
func (w *Writer) openPart(day string, part int, next int64) error {
	for {
		path := w.path(day, part)
		size := int64(0)
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		if w.opts.MaxBytes > 0 && size > 0 && size+next > w.opts.MaxBytes {
			part++
			continue
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		w.file = f
		w.buf = bufio.NewWriterSize(f, 64*1024)
		w.day, w.part, w.size = day, part, size
		return nil
	}
}

func (w *Writer) path(day string, part int) string {
	if part == 0 {
		return filepath.Join(w.opts.Dir, fmt.Sprintf("%s-%s.jsonl", w.opts.Prefix, day))
	}
	return filepath.Join(w.opts.Dir, fmt.Sprintf("%s-%s.%d.jsonl", w.opts.Prefix, day, part))
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	ferr := w.buf.Flush()
	cerr := w.file.Close()
	w.file, w.buf = nil, nil
	if ferr != nil {
		return fmt.Errorf("flushing output file: %w", ferr)
	}
	return cerr
}

// Flush pushes buffered lines to the current file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Path is the file currently being written, empty before the first Write.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

// Records is the number of lines written since the writer was created.
func (w *Writer) Records() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}
