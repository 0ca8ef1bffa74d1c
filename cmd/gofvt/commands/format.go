// Package commands implements the gofvt CLI commands.
package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dantte-lp/gofvt/internal/ofp"
	"github.com/dantte-lp/gofvt/internal/suite"
	"github.com/dantte-lp/gofvt/internal/transcript"
	appversion "github.com/dantte-lp/gofvt/internal/version"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatVersion renders build information in the requested format.
func formatVersion(info appversion.Info, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(info)
	case formatTable:
		return info.String() + "\n", nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatHandshake renders the session layout after a fixture bring-up.
func formatHandshake(r handshakeReport, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(r)
	case formatTable:
		return formatHandshakeTable(r)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatOutcomes renders check verdicts in the requested format.
func formatOutcomes(outcomes []suite.Outcome, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(outcomes)
	case formatTable:
		return formatOutcomesTable(outcomes)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatRecord renders one transcript record in the requested format.
func formatRecord(rec transcript.Record, verbose bool, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.Marshal(recordToView(rec, verbose))
		if err != nil {
			return "", fmt.Errorf("marshal record: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		return formatRecordTable(rec, verbose), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatRPCResult renders a management API result. The table form is the
// indented JSON document itself.
func formatRPCResult(raw json.RawMessage, format string) (string, error) {
	switch format {
	case formatJSON, formatTable:
		if len(raw) == 0 {
			return "null\n", nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", fmt.Errorf("decode result: %w", err)
		}
		return marshalJSON(v)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// --- Table formatters ---

func formatHandshakeTable(r handshakeReport) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "SUT:\t%s\n", r.SUT)
	fmt.Fprintf(w, "Switches:\t%s\n", joinInts(r.Switches))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "CONTROLLER\tLISTEN\tSESSIONS")
	for _, c := range r.Controllers {
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.Index, c.Listen, joinInts(c.Sessions))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "failure:\t%s\n", f)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error:\t%s\n", r.Error)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatOutcomesTable(outcomes []suite.Outcome) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tVERDICT\tEXCHANGES\tDURATION\tERROR")

	for _, o := range outcomes {
		errText := o.Error
		if errText == "" {
			errText = valueNone
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			o.Name,
			verdict(o),
			o.Exchanges,
			o.Duration.Round(time.Microsecond),
			errText,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatRecordTable(rec transcript.Record, verbose bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "#%d %s %s from %s (%s)\n",
		rec.Seq,
		rec.Time.Format(time.RFC3339Nano),
		recordVerdict(rec),
		rec.Origin,
		rec.Duration.Round(time.Microsecond),
	)
	fmt.Fprintf(&b, "  sent      %s\n", ofp.Describe(rec.Payload))
	if verbose {
		fmt.Fprintf(&b, "            %s\n", hex.EncodeToString(rec.Payload))
	}
	for i, st := range rec.Steps {
		fmt.Fprintf(&b, "  step %d    %s %s at %s\n", i, stepVerdict(st), st.Mode, st.Target)
		if st.Expected != nil {
			fmt.Fprintf(&b, "    expected %s\n", ofp.Describe(st.Expected))
		}
		if st.Observed != nil {
			fmt.Fprintf(&b, "    observed %s\n", ofp.Describe(st.Observed))
		}
		if verbose && !st.OK {
			fmt.Fprintf(&b, "    expected %s\n    observed %s\n",
				hex.EncodeToString(st.Expected), hex.EncodeToString(st.Observed))
		}
	}
	if rec.Failure != "" {
		fmt.Fprintf(&b, "  failure   %s: %s\n", rec.FailureKind, rec.Failure)
	}
	return b.String()
}

// --- JSON views ---

type recordView struct {
	RunID         string     `json:"run_id"`
	Seq           uint64     `json:"seq"`
	Time          time.Time  `json:"time"`
	Duration      string     `json:"duration"`
	Origin        string     `json:"origin"`
	Sent          string     `json:"sent"`
	SentHex       string     `json:"sent_hex,omitempty"`
	OK            bool       `json:"ok"`
	FailureKind   string     `json:"failure_kind,omitempty"`
	Failure       string     `json:"failure,omitempty"`
	TransactionID *uint32    `json:"transaction_id,omitempty"`
	Handles       []string   `json:"handles,omitempty"`
	Steps         []stepView `json:"steps,omitempty"`
}

type stepView struct {
	Target      string `json:"target"`
	Mode        string `json:"mode"`
	OK          bool   `json:"ok"`
	Expected    string `json:"expected,omitempty"`
	Observed    string `json:"observed,omitempty"`
	ExpectedHex string `json:"expected_hex,omitempty"`
	ObservedHex string `json:"observed_hex,omitempty"`
}

func recordToView(rec transcript.Record, verbose bool) recordView {
	v := recordView{
		RunID:       rec.RunID.String(),
		Seq:         rec.Seq,
		Time:        rec.Time,
		Duration:    rec.Duration.String(),
		Origin:      rec.Origin,
		Sent:        ofp.Describe(rec.Payload),
		OK:          rec.OK,
		FailureKind: rec.FailureKind,
		Failure:     rec.Failure,
	}
	if verbose {
		v.SentHex = hex.EncodeToString(rec.Payload)
	}
	if rec.HasTransactionID {
		xid := rec.TransactionID
		v.TransactionID = &xid
	}
	for _, h := range rec.Handles {
		v.Handles = append(v.Handles, fmt.Sprintf("0x%016x", h))
	}
	for _, st := range rec.Steps {
		sv := stepView{Target: st.Target, Mode: st.Mode, OK: st.OK}
		if st.Expected != nil {
			sv.Expected = ofp.Describe(st.Expected)
		}
		if st.Observed != nil {
			sv.Observed = ofp.Describe(st.Observed)
		}
		if verbose {
			sv.ExpectedHex = hex.EncodeToString(st.Expected)
			sv.ObservedHex = hex.EncodeToString(st.Observed)
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

// --- Helpers ---

func verdict(o suite.Outcome) string {
	switch {
	case o.Skipped:
		return "SKIP"
	case o.OK:
		return "PASS"
	default:
		return "FAIL"
	}
}

func recordVerdict(rec transcript.Record) string {
	if rec.OK {
		return "PASS"
	}
	return "FAIL"
}

func stepVerdict(st transcript.Step) string {
	if st.OK {
		return "ok"
	}
	return "FAILED"
}

func joinInts(xs []int) string {
	if len(xs) == 0 {
		return valueNone
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
