package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/metrics"
)

const maxLineBytes = 1 << 20

var errLineTooLong = errors.New("status line too long")

// ReportOptions configures a Report monitor.
type ReportOptions struct {
	Kind    string  // metrics label
	Decoder Decoder // nil means GenericStatuses
	// MaxBadReports is the run of consecutive malformed lines after which the
	// record is marked Unresponsive and parsing stops. Zero never gives up.
	MaxBadReports int
	Logger        *slog.Logger
}

// Report reads newline-delimited JSON status lines from a worker's stdout and
// records them. The first line carrying a pid completes the pid handshake.
// Cancel closes the stream, which unblocks a pending read.
type Report struct {
	task
	rec       *health.Record
	stream    io.ReadCloser
	opts      ReportOptions
	logger    *slog.Logger
	now       func() time.Time
	closeOnce sync.Once
	bad       atomic.Int64
}

func NewReport(parent context.Context, rec *health.Record, stream io.ReadCloser, opts ReportOptions) *Report {
	if opts.Decoder == nil {
		opts.Decoder = GenericStatuses
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	r := &Report{
		rec:    rec,
		stream: stream,
		opts:   opts,
		logger: lg.With("monitor", "report", "kind", opts.Kind),
		now:    time.Now,
	}
	r.init(parent, "report")
	return r
}

func (r *Report) Start() { r.run(r.loop) }

// BadLines returns the total number of malformed lines seen so far.
func (r *Report) BadLines() int64 { return r.bad.Load() }

func (r *Report) closeStream() {
	r.closeOnce.Do(func() { _ = r.stream.Close() })
}

func (r *Report) loop(ctx context.Context) {
	stop := context.AfterFunc(ctx, r.closeStream)
	defer stop()
	defer r.closeStream()

	br := bufio.NewReaderSize(r.stream, 4096)
	parsing := true
	consecutive := 0
	for {
		line, err := readLine(br, maxLineBytes)
		if err != nil && !errors.Is(err, errLineTooLong) {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, os.ErrClosed) {
				r.logger.Warn("status stream read failed", "error", err)
			}
			return
		}
		// Once parsing has stopped, lines are still read so the worker never
		// blocks on a full pipe.
		if !parsing || (err == nil && len(line) == 0) {
			continue
		}
		if err == nil {
			err = r.apply(line)
		}
		if err != nil {
			consecutive++
			r.bad.Add(1)
			metrics.IncReportError(r.opts.Kind)
			r.logger.Warn("malformed status line", "error", err, "consecutive", consecutive)
			if r.opts.MaxBadReports > 0 && consecutive >= r.opts.MaxBadReports {
				r.rec.SetState(health.StateUnresponsive)
				r.logger.Error("too many malformed status lines, ignoring further reports", "limit", r.opts.MaxBadReports)
				parsing = false
			}
			continue
		}
		consecutive = 0
	}
}

// readLine returns the next line without its line ending. A line longer than
// limit is consumed up to its newline and reported as errLineTooLong. A final
// line without a newline is returned before io.EOF.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				tooLong, line = true, nil
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
		case errors.Is(err, io.EOF) && (len(line) > 0 || tooLong):
		default:
			return nil, err
		}
		if tooLong {
			return nil, errLineTooLong
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

func (r *Report) apply(line []byte) error {
	sl, err := ParseStatusLine(line, r.opts.Decoder)
	if err != nil {
		return err
	}
	if sl.Pid > 0 {
		if err := r.rec.SetPid(sl.Pid); err != nil {
			return err
		}
	}
	if sl.HasStatus {
		r.rec.SetState(sl.State)
	}
	if sl.HasDelay {
		r.rec.SetTimeout(r.now().Add(sl.Delay))
	}
	return nil
}
