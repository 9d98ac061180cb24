package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/supervisr/internal/monitor"
)

// Kind tags a worker type. The set is closed.
type Kind string

const (
	KindStandard   Kind = "standard"
	KindBasecaller Kind = "basecaller"
	KindPpa        Kind = "ppa"
	KindDarkcal    Kind = "darkcal"
	KindLoadingcal Kind = "loadingcal"
)

var ErrInvalidWorkload = errors.New("invalid workload")

// Kinds lists every worker kind.
func Kinds() []Kind {
	return []Kind{KindStandard, KindBasecaller, KindPpa, KindDarkcal, KindLoadingcal}
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown worker kind %q", s)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	switch k {
	case KindStandard, KindBasecaller, KindPpa, KindDarkcal, KindLoadingcal:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Strategy says how liveness of a worker kind is observed.
type Strategy int

const (
	// StrategyHeartbeat: the launcher reports the pid itself and a timer pulse
	// keeps the record alive until the process exits.
	StrategyHeartbeat Strategy = iota
	// StrategyReport: the worker reports its pid and status on stdout.
	StrategyReport
)

func (s Strategy) String() string {
	if s == StrategyReport {
		return "report"
	}
	return "heartbeat"
}

func (k Kind) Strategy() Strategy {
	switch k {
	case KindBasecaller, KindPpa:
		return StrategyReport
	default:
		return StrategyHeartbeat
	}
}

// Decoder returns the status vocabulary of a report-driven kind.
func (k Kind) Decoder() monitor.Decoder {
	switch k {
	case KindBasecaller:
		return monitor.BasecallerStatuses
	case KindPpa:
		return monitor.PpaStatuses
	default:
		return monitor.GenericStatuses
	}
}

// Params is the opaque worker configuration handed to the command template.
type Params map[string]any

type StandardData struct {
	Name   string `json:"name"`
	Params Params `json:"params,omitempty"`
}

type BasecallerData struct {
	SID    string `json:"sid"`
	Params Params `json:"params,omitempty"`
}

type PpaData struct {
	MID    string `json:"mid"`
	Params Params `json:"params,omitempty"`
}

// CalData is the payload of both calibration kinds.
type CalData struct {
	SID    string `json:"sid"`
	Params Params `json:"params,omitempty"`
}

// Workload is the tagged worker payload. Exactly one pointer is set and it
// matches Kind; use the constructors below.
type Workload struct {
	Kind       Kind            `json:"kind"`
	Standard   *StandardData   `json:"standard,omitempty"`
	Basecaller *BasecallerData `json:"basecaller,omitempty"`
	Ppa        *PpaData        `json:"ppa,omitempty"`
	Cal        *CalData        `json:"cal,omitempty"`
}

func NewStandard(d StandardData) Workload { return Workload{Kind: KindStandard, Standard: &d} }

func NewBasecaller(d BasecallerData) Workload { return Workload{Kind: KindBasecaller, Basecaller: &d} }

func NewPpa(d PpaData) Workload { return Workload{Kind: KindPpa, Ppa: &d} }

func NewDarkcal(d CalData) Workload { return Workload{Kind: KindDarkcal, Cal: &d} }

func NewLoadingcal(d CalData) Workload { return Workload{Kind: KindLoadingcal, Cal: &d} }

// Validate checks that exactly the payload matching Kind is present.
func (w Workload) Validate() error {
	set := 0
	for _, p := range []bool{w.Standard != nil, w.Basecaller != nil, w.Ppa != nil, w.Cal != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads for kind %q", ErrInvalidWorkload, set, w.Kind)
	}
	var ok bool
	switch w.Kind {
	case KindStandard:
		ok = w.Standard != nil
	case KindBasecaller:
		ok = w.Basecaller != nil
	case KindPpa:
		ok = w.Ppa != nil
	case KindDarkcal, KindLoadingcal:
		ok = w.Cal != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidWorkload, w.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match kind %q", ErrInvalidWorkload, w.Kind)
	}
	if w.Key() == "" {
		return fmt.Errorf("%w: empty key for kind %q", ErrInvalidWorkload, w.Kind)
	}
	return nil
}

// Key is the logical lookup key: SID, MID or name, depending on Kind.
func (w Workload) Key() string {
	switch w.Kind {
	case KindStandard:
		if w.Standard != nil {
			return w.Standard.Name
		}
	case KindBasecaller:
		if w.Basecaller != nil {
			return w.Basecaller.SID
		}
	case KindPpa:
		if w.Ppa != nil {
			return w.Ppa.MID
		}
	case KindDarkcal, KindLoadingcal:
		if w.Cal != nil {
			return w.Cal.SID
		}
	}
	return ""
}

func (w Workload) Params() Params {
	switch w.Kind {
	case KindStandard:
		if w.Standard != nil {
			return w.Standard.Params
		}
	case KindBasecaller:
		if w.Basecaller != nil {
			return w.Basecaller.Params
		}
	case KindPpa:
		if w.Ppa != nil {
			return w.Ppa.Params
		}
	case KindDarkcal, KindLoadingcal:
		if w.Cal != nil {
			return w.Cal.Params
		}
	}
	return nil
}
