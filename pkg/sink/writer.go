package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/httpseal/flowtap/pkg/metrics"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	CompleteFile = "traffic_log.txt"
	FilteredFile = "filtered_traffic.txt"

	DefaultEncoding = "utf-8"
)

// Sink is an append-only log file
type Sink struct {
	Name string
	Path string
}

// Complete is the sink that receives every event
func Complete(dir string) Sink {
	return Sink{Name: "complete", Path: filepath.Join(dir, CompleteFile)}
}

// Filtered is the sink that receives events matching the filter
func Filtered(dir string) Sink {
	return Sink{Name: "filtered", Path: filepath.Join(dir, FilteredFile)}
}

// EncodingError reports content the sink encoding could not represent
type EncodingError struct {
	Sink     string
	Encoding string
	Err      error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s log: cannot encode as %s: %v", e.Sink, e.Encoding, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// WriteError reports a block that could not be appended and was dropped
type WriteError struct {
	Sink string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s log %s: %v", e.Sink, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// LookupEncoding resolves a WHATWG encoding label such as "utf-8" or "latin1"
func LookupEncoding(label string) (encoding.Encoding, string, error) {
	if label == "" {
		label = DefaultEncoding
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, "", fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = label
	}
	return enc, name, nil
}

// Writer appends rendered records to sinks. Each write opens the file, appends
// the whole block and closes it again; writes to one path never interleave.
type Writer struct {
	encoding     encoding.Encoding
	encodingName string
	logger       logger.Logger
	metrics      *metrics.Collector

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter creates a writer encoding blocks with the named text encoding
func NewWriter(encodingLabel string, log logger.Logger, m *metrics.Collector) (*Writer, error) {
	enc, name, err := LookupEncoding(encodingLabel)
	if err != nil {
		return nil, err
	}

	return &Writer{
		encoding:     enc,
		encodingName: name,
		logger:       log,
		metrics:      m,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// Encoding returns the canonical name of the sink encoding
func (w *Writer) Encoding() string {
	return w.encodingName
}

// Write renders rec and appends it to s. Unencodable characters are replaced
// and reported as a warning. A non-nil error means the block was dropped; it
// has already been logged.
func (w *Writer) Write(s Sink, rec *Record) error {
	data, encErr := w.encode(s, rec.Render())
	if encErr != nil {
		w.logger.Warn("Encoding error while writing %s log, unsupported characters replaced: %v", s.Name, encErr.Err)
		w.metrics.RecordEncodingFallback(s.Name)
	}

	if err := w.append(s.Path, data); err != nil {
		werr := &WriteError{Sink: s.Name, Path: s.Path, Err: err}
		w.logger.Warn("Failed to write %s log, record dropped: %v", s.Name, werr)
		w.metrics.RecordSinkWrite(s.Name, false)
		return werr
	}

	w.metrics.RecordSinkWrite(s.Name, true)
	return nil
}

// encode converts text to the sink encoding. On failure it returns the
// degraded bytes to write along with the error.
func (w *Writer) encode(s Sink, text string) ([]byte, *EncodingError) {
	data, err := w.encoding.NewEncoder().Bytes([]byte(text))
	if err == nil {
		return data, nil
	}
	encErr := &EncodingError{Sink: s.Name, Encoding: w.encodingName, Err: err}

	data, err = encoding.ReplaceUnsupported(w.encoding.NewEncoder()).Bytes([]byte(text))
	if err == nil {
		return data, encErr
	}

	// Last resort keeps the record readable as UTF-8
	return []byte(strings.ToValidUTF8(text, "\uFFFD")), encErr
}

func (w *Writer) append(path string, data []byte) error {
	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

func (w *Writer) lockFor(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, ok := w.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[path] = lock
	}
	return lock
}
