package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/supervisr/internal/health"
)

var (
	ErrEmptyReport   = errors.New("report carries neither status nor pid")
	ErrUnknownStatus = errors.New("unknown worker status")
)

// Decoder maps a worker-specific status code onto the shared health vocabulary.
type Decoder interface {
	Decode(status string) (health.State, bool)
}

// StatusTable is a Decoder backed by an upper-case code table.
// The generic health state names are always accepted as a fallback.
type StatusTable map[string]health.State

func (t StatusTable) Decode(status string) (health.State, bool) {
	code := strings.ToUpper(strings.TrimSpace(status))
	if s, ok := t[code]; ok {
		return s, true
	}
	return health.ParseState(code)
}

var (
	// GenericStatuses accepts only the generic state names.
	GenericStatuses = StatusTable{}

	BasecallerStatuses = StatusTable{
		"INITIALIZING": health.StatePending,
		"RUNNING":      health.StateOk,
		"IDLE":         health.StateOk,
		"STALLED":      health.StateUnresponsive,
		"FAILED":       health.StateDead,
		"COMPLETE":     health.StateDead,
	}

	PpaStatuses = StatusTable{
		"QUEUED":   health.StatePending,
		"STARTED":  health.StatePending,
		"PROGRESS": health.StateOk,
		"HUNG":     health.StateUnresponsive,
		"ERROR":    health.StateDead,
		"DONE":     health.StateDead,
	}
)

// reportLine is the wire form of one status line.
type reportLine struct {
	Status      string   `json:"status"`
	NextReportS *float64 `json:"next_report_s"`
	Pid         *int32   `json:"pid"`
}

// MaxReportDelay is the longest next_report_s a worker may announce.
const MaxReportDelay = 24 * time.Hour

// StatusLine is a decoded status line.
type StatusLine struct {
	HasStatus bool
	State     health.State
	HasDelay  bool
	Delay     time.Duration
	Pid       int32
}

// ParseStatusLine decodes one JSON status line with dec.
func ParseStatusLine(line []byte, dec Decoder) (StatusLine, error) {
	var raw reportLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return StatusLine{}, fmt.Errorf("decode report: %w", err)
	}
	var r StatusLine
	if raw.Pid != nil {
		if *raw.Pid <= 0 {
			return StatusLine{}, fmt.Errorf("invalid pid %d", *raw.Pid)
		}
		r.Pid = *raw.Pid
	}
	if raw.Status != "" {
		s, ok := dec.Decode(raw.Status)
		if !ok {
			return StatusLine{}, fmt.Errorf("%w %q", ErrUnknownStatus, raw.Status)
		}
		r.HasStatus, r.State = true, s
	}
	if raw.NextReportS != nil {
		d := *raw.NextReportS
		if d < 0 {
			return StatusLine{}, fmt.Errorf("negative next_report_s %v", d)
		}
		if d > MaxReportDelay.Seconds() {
			return StatusLine{}, fmt.Errorf("next_report_s %v exceeds %s", d, MaxReportDelay)
		}
		r.HasDelay = true
		r.Delay = time.Duration(d * float64(time.Second))
	}
	if !r.HasStatus && r.Pid == 0 {
		return StatusLine{}, ErrEmptyReport
	}
	return r, nil
}
