// Package transcript records every oracle exchange as a CBOR record so a
// failed conformance run can be inspected after the fact with
// "gofvt transcript show".
package transcript

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Record is one exchange: the directive, every expectation checked and
// the verdict. CBOR encoding uses integer keys for compactness.
type Record struct {
	// RunID identifies the fixture run the exchange belongs to.
	RunID uuid.UUID `cbor:"1,keyasint"`

	// Seq is the exchange's position within the run, starting at 1.
	Seq uint64 `cbor:"2,keyasint"`

	// Time is when the directive was sent.
	Time time.Time `cbor:"3,keyasint"`

	// Duration covers the send and every expectation checked.
	Duration time.Duration `cbor:"4,keyasint"`

	// Origin is the identity of the sending endpoint.
	Origin string `cbor:"5,keyasint"`

	// Payload is the frame sent.
	Payload []byte `cbor:"6,keyasint"`

	// Steps lists the expectations in order, up to the failing one.
	Steps []Step `cbor:"7,keyasint,omitempty"`

	OK bool `cbor:"8,keyasint"`

	// FailureKind and Failure are empty when OK is set.
	FailureKind string `cbor:"9,keyasint,omitempty"`
	Failure     string `cbor:"10,keyasint,omitempty"`

	TransactionID    uint32   `cbor:"11,keyasint,omitempty"`
	HasTransactionID bool     `cbor:"12,keyasint,omitempty"`
	Handles          []uint64 `cbor:"13,keyasint,omitempty"`
}

// Step is one evaluated expectation.
type Step struct {
	Target       string `cbor:"1,keyasint"`
	Mode         string `cbor:"2,keyasint"`
	IgnoreXID    bool   `cbor:"3,keyasint,omitempty"`
	IgnoreHandle bool   `cbor:"4,keyasint,omitempty"`

	// Expected is nil for an absence check.
	Expected []byte `cbor:"5,keyasint,omitempty"`
	Observed []byte `cbor:"6,keyasint,omitempty"`
	OK       bool   `cbor:"7,keyasint"`
}

// Recorder persists exchange records.
type Recorder interface {
	Record(rec Record) error
}

// NoopRecorder discards every record.
type NoopRecorder struct{}

// Record implements Recorder.
func (NoopRecorder) Record(Record) error { return nil }

// -------------------------------------------------------------------------
// CBOR modes
// -------------------------------------------------------------------------

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("create transcript CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("create transcript CBOR decoder mode: %v", err))
	}
}

// Encode encodes rec to CBOR.
func Encode(rec Record) ([]byte, error) {
	return encMode.Marshal(rec)
}

// Decode decodes one CBOR record.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode transcript record: %w", err)
	}
	return rec, nil
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
