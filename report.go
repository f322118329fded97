package shimtrace

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"cdr.dev/slog"
	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"
)

// reportPrefixLen is the size of the native-endian length prefix in front of
// every report line.
const reportPrefixLen = 4

// reportFields is the number of '|' separated fields in a report line.
const reportFields = 8

// AccessReport is the record sent to the tracker for one access:
//
//	progname|pid|requestedAccess|status|reportExplicitly|error|operation|path\n
//
// preceded by a 4 byte native-endian length of the line.
type AccessReport struct {
	ProcessName      string          `json:"process_name"`
	PID              int             `json:"pid"`
	RequestedAccess  RequestedAccess `json:"requested_access"`
	Status           PolicyStatus    `json:"status"`
	ReportExplicitly bool            `json:"report_explicitly"`
	Error            int             `json:"error"`
	Operation        Operation       `json:"operation"`
	Path             string          `json:"path"`
}

// AppendLine appends the textual line of the report, without the length
// prefix, to b.
func (r AccessReport) AppendLine(b []byte) []byte {
	b = append(b, r.ProcessName...)
	b = append(b, '|')
	b = strconv.AppendInt(b, int64(r.PID), 10)
	b = append(b, '|')
	b = strconv.AppendInt(b, int64(r.RequestedAccess), 10)
	b = append(b, '|')
	b = strconv.AppendInt(b, int64(r.Status), 10)
	b = append(b, '|')
	if r.ReportExplicitly {
		b = append(b, '1')
	} else {
		b = append(b, '0')
	}
	b = append(b, '|')
	b = strconv.AppendInt(b, int64(r.Error), 10)
	b = append(b, '|')
	b = strconv.AppendInt(b, int64(r.Operation), 10)
	b = append(b, '|')
	b = append(b, r.Path...)
	return append(b, '\n')
}

// EncodeReport serializes a report with its length prefix. A report whose
// encoding is longer than limit bytes is rejected with ErrReportTooLarge
// rather than truncated, since a partial record would desynchronize the
// reader on the other end of the channel.
func EncodeReport(r AccessReport, limit int) ([]byte, error) {
	buf := make([]byte, reportPrefixLen, reportPrefixLen+len(r.ProcessName)+len(r.Path)+64)
	buf = r.AppendLine(buf)
	if len(buf) > limit {
		return nil, xerrors.Errorf("report for %q is %s, limit is %s: %w",
			r.Path, humanize.Bytes(uint64(len(buf))), humanize.Bytes(uint64(limit)), ErrReportTooLarge)
	}

	binary.NativeEndian.PutUint32(buf, uint32(len(buf)-reportPrefixLen))
	return buf, nil
}

// Reporter delivers reports to the tracker's report channel, usually a FIFO
// shared by every process in the sandbox.
type Reporter struct {
	path  string
	limit int
	log   slog.Logger
}

// NewReporter creates a Reporter writing to the channel at path.
func NewReporter(path string, log slog.Logger) *Reporter {
	return &Reporter{
		path:  path,
		limit: AtomicWriteLimit,
		log:   log.Named("report"),
	}
}

// Path returns the report channel path.
func (r *Reporter) Path() string {
	return r.path
}

// Send delivers one report with a single write, so reports from concurrent
// processes never interleave. Process tree completion reports are dropped: a
// per-process observer cannot know when the whole tree is done. Every error is
// fatal.
func (r *Reporter) Send(ctx context.Context, report AccessReport) error {
	if report.Operation == OpProcessTreeCompleted {
		return nil
	}

	buf, err := EncodeReport(report, r.limit)
	if err != nil {
		return fatal("send report", err)
	}

	r.log.Debug(ctx, "sending report", slog.F("line", strings.TrimSuffix(string(buf[reportPrefixLen:]), "\n")))
	err = writeAtomic(r.path, buf)
	if err != nil {
		return fatal("send report", err)
	}
	return nil
}

// ReportReader decodes a stream of length-prefixed reports, as seen by the
// tracker on the other end of the report channel.
type ReportReader struct {
	r   *bufio.Reader
	buf []byte
	// maxLine is the largest line a writer could have sent in one atomic
	// write.
	maxLine int
}

// NewReportReader creates a ReportReader reading from r.
func NewReportReader(r io.Reader) *ReportReader {
	return &ReportReader{
		r:       bufio.NewReader(r),
		maxLine: AtomicWriteLimit - reportPrefixLen,
	}
}

// Read returns the next report. io.EOF is returned at a clean end of stream,
// io.ErrUnexpectedEOF when the stream ends inside a record. A length prefix
// larger than an atomic write could carry is rejected with ErrReportTooLarge
// before the body is read; the stream cannot be resynchronized after that.
func (rr *ReportReader) Read() (AccessReport, error) {
	var prefix [reportPrefixLen]byte
	_, err := io.ReadFull(rr.r, prefix[:])
	if err != nil {
		return AccessReport{}, err
	}

	length := binary.NativeEndian.Uint32(prefix[:])
	if uint64(length) > uint64(rr.maxLine) {
		return AccessReport{}, xerrors.Errorf("report length prefix %s, limit is %s: %w",
			humanize.Bytes(uint64(length)), humanize.Bytes(uint64(rr.maxLine)), ErrReportTooLarge)
	}
	n := int(length)
	if cap(rr.buf) < n {
		rr.buf = make([]byte, n)
	}
	rr.buf = rr.buf[:n]
	_, err = io.ReadFull(rr.r, rr.buf)
	if err != nil {
		if xerrors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return AccessReport{}, xerrors.Errorf("read report body of %d bytes: %w", n, err)
	}

	return ParseReportLine(string(rr.buf))
}

// ParseReportLine parses one report line. The trailing newline is optional.
// The path is the last field and may itself contain '|'.
func ParseReportLine(line string) (AccessReport, error) {
	line = strings.TrimSuffix(line, "\n")
	fields := strings.SplitN(line, "|", reportFields)
	if len(fields) != reportFields {
		return AccessReport{}, xerrors.Errorf("report %q has %d fields, want %d", line, len(fields), reportFields)
	}

	var nums [5]int
	for i, f := range []string{fields[1], fields[2], fields[3], fields[5], fields[6]} {
		n, err := strconv.Atoi(f)
		if err != nil {
			return AccessReport{}, xerrors.Errorf("report %q: parse field %q: %w", line, f, err)
		}
		nums[i] = n
	}

	var explicit bool
	switch fields[4] {
	case "0":
	case "1":
		explicit = true
	default:
		return AccessReport{}, xerrors.Errorf("report %q: invalid explicit flag %q", line, fields[4])
	}

	return AccessReport{
		ProcessName:      fields[0],
		PID:              nums[0],
		RequestedAccess:  RequestedAccess(nums[1]),
		Status:           PolicyStatus(nums[2]),
		ReportExplicitly: explicit,
		Error:            nums[3],
		Operation:        Operation(nums[4]),
		Path:             fields[7],
	}, nil
}
