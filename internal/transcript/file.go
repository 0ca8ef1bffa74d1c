package transcript

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ErrRecorderClosed indicates Record was called after Close.
var ErrRecorderClosed = errors.New("transcript recorder closed")

// FileRecorder appends CBOR records to a file. Every record written gets
// the recorder's run id and the next sequence number. It is safe for
// concurrent use.
type FileRecorder struct {
	runID uuid.UUID

	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	seq     uint64
	closed  bool
}

// NewFileRecorder opens path for appending, creating it with mode 0644 if
// needed, and starts a new run.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	return &FileRecorder{
		runID:   uuid.New(),
		file:    f,
		encoder: newEncoder(f),
	}, nil
}

// RunID returns the id stamped on every record of this run.
func (r *FileRecorder) RunID() uuid.UUID { return r.runID }

// Record implements Recorder.
func (r *FileRecorder) Record(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}
	r.seq++
	rec.RunID = r.runID
	rec.Seq = r.seq
	if err := r.encoder.Encode(rec); err != nil {
		return fmt.Errorf("write transcript record %d: %w", rec.Seq, err)
	}
	return nil
}

// Close closes the file. It is safe to call more than once.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// -------------------------------------------------------------------------
// Reader
// -------------------------------------------------------------------------

// Filter selects records. Zero fields match everything.
type Filter struct {
	RunID      uuid.UUID
	FailedOnly bool
}

func (f Filter) matches(rec Record) bool {
	if f.RunID != uuid.Nil && rec.RunID != f.RunID {
		return false
	}
	if f.FailedOnly && rec.OK {
		return false
	}
	return true
}

// Reader streams records from a transcript file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens path for reading with the given filter.
func NewReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	return &Reader{file: f, decoder: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching record, or io.EOF at the end of the file.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("read transcript: %w", err)
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

var (
	_ Recorder = (*FileRecorder)(nil)
	_ Recorder = NoopRecorder{}
)
