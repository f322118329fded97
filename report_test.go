package shimtrace_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"cdr.dev/shimtrace"
)

func sampleReport(path string) shimtrace.AccessReport {
	return shimtrace.AccessReport{
		ProcessName:      "cc1",
		PID:              4242,
		RequestedAccess:  shimtrace.AccessRead | shimtrace.AccessProbe,
		Status:           shimtrace.StatusDenied,
		ReportExplicitly: true,
		Operation:        shimtrace.OpOpen,
		Path:             path,
	}
}

func TestEncodeReport(t *testing.T) {
	t.Parallel()

	buf, err := shimtrace.EncodeReport(sampleReport("/src/a.c"), shimtrace.AtomicWriteLimit)
	require.NoError(t, err)

	line := "cc1|4242|5|3|1|0|4|/src/a.c\n"
	require.Equal(t, line, string(buf[4:]))
	require.EqualValues(t, len(line), binary.NativeEndian.Uint32(buf[:4]))
}

func TestEncodeReportTooLarge(t *testing.T) {
	t.Parallel()

	r := sampleReport("/src/a.c")
	buf, err := shimtrace.EncodeReport(r, shimtrace.AtomicWriteLimit)
	require.NoError(t, err)

	// Exactly at the limit is fine, one byte more is not.
	_, err = shimtrace.EncodeReport(r, len(buf))
	require.NoError(t, err)
	_, err = shimtrace.EncodeReport(r, len(buf)-1)
	require.True(t, xerrors.Is(err, shimtrace.ErrReportTooLarge))
}

func TestReporterSend(t *testing.T) {
	t.Parallel()

	t.Run("OK", func(t *testing.T) {
		t.Parallel()
		channel := filepath.Join(t.TempDir(), "reports")
		require.NoError(t, os.WriteFile(channel, nil, 0o600))

		rep := shimtrace.NewReporter(channel, slogtest.Make(t, nil))
		require.Equal(t, channel, rep.Path())
		require.NoError(t, rep.Send(context.Background(), sampleReport("/one")))
		require.NoError(t, rep.Send(context.Background(), sampleReport("/two|with|bars")))

		reports := readReports(t, channel)
		require.Len(t, reports, 2)
		require.Equal(t, sampleReport("/one"), reports[0])
		require.Equal(t, sampleReport("/two|with|bars"), reports[1])
	})

	t.Run("TooLarge", func(t *testing.T) {
		t.Parallel()
		channel := filepath.Join(t.TempDir(), "reports")
		require.NoError(t, os.WriteFile(channel, nil, 0o600))

		rep := shimtrace.NewReporter(channel, slogtest.Make(t, nil))
		err := rep.Send(context.Background(), sampleReport("/"+strings.Repeat("a", shimtrace.AtomicWriteLimit)))
		require.True(t, shimtrace.IsFatal(err))
		require.True(t, xerrors.Is(err, shimtrace.ErrReportTooLarge))

		// Nothing was written, not even a prefix.
		data, err := os.ReadFile(channel)
		require.NoError(t, err)
		require.Empty(t, data)
	})

	t.Run("MissingChannel", func(t *testing.T) {
		t.Parallel()
		rep := shimtrace.NewReporter(filepath.Join(t.TempDir(), "missing"), slogtest.Make(t, nil))
		err := rep.Send(context.Background(), sampleReport("/one"))
		require.True(t, shimtrace.IsFatal(err))
		require.True(t, xerrors.Is(err, shimtrace.ErrReportChannel))
	})

	t.Run("ProcessTreeCompleted", func(t *testing.T) {
		t.Parallel()
		// The channel does not exist, so any write attempt would fail.
		rep := shimtrace.NewReporter(filepath.Join(t.TempDir(), "missing"), slogtest.Make(t, nil))
		r := sampleReport("")
		r.Operation = shimtrace.OpProcessTreeCompleted
		require.NoError(t, rep.Send(context.Background(), r))
	})

	t.Run("Concurrent", func(t *testing.T) {
		t.Parallel()
		channel := filepath.Join(t.TempDir(), "reports")
		require.NoError(t, os.WriteFile(channel, nil, 0o600))
		rep := shimtrace.NewReporter(channel, slogtest.Make(t, nil))

		const writers, perWriter = 8, 25
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWriter; j++ {
					err := rep.Send(context.Background(), sampleReport("/"+strings.Repeat("p", 200)))
					if err != nil {
						t.Errorf("send: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		reports := readReports(t, channel)
		require.Len(t, reports, writers*perWriter)
		for _, r := range reports {
			require.Equal(t, sampleReport("/"+strings.Repeat("p", 200)), r)
		}
	})
}

func readReports(t *testing.T, path string) []shimtrace.AccessReport {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var reports []shimtrace.AccessReport
	rr := shimtrace.NewReportReader(bytes.NewReader(data))
	for {
		r, err := rr.Read()
		if xerrors.Is(err, io.EOF) {
			return reports
		}
		require.NoError(t, err)
		reports = append(reports, r)
	}
}

func TestReportReader(t *testing.T) {
	t.Parallel()

	t.Run("Truncated", func(t *testing.T) {
		t.Parallel()
		buf, err := shimtrace.EncodeReport(sampleReport("/a"), shimtrace.AtomicWriteLimit)
		require.NoError(t, err)

		rr := shimtrace.NewReportReader(bytes.NewReader(buf[:len(buf)-3]))
		_, err = rr.Read()
		require.True(t, xerrors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		_, err := shimtrace.NewReportReader(bytes.NewReader(nil)).Read()
		require.Equal(t, io.EOF, err)
	})

	t.Run("OversizedPrefix", func(t *testing.T) {
		t.Parallel()
		var stream bytes.Buffer
		require.NoError(t, binary.Write(&stream, binary.NativeEndian, uint32(1<<30)))
		stream.WriteString("sh|1|2|1|0|0|6|/a\n")

		_, err := shimtrace.NewReportReader(&stream).Read()
		require.Error(t, err)
		require.True(t, xerrors.Is(err, shimtrace.ErrReportTooLarge), "got %v", err)
	})

	t.Run("AtLimit", func(t *testing.T) {
		t.Parallel()
		base, err := shimtrace.EncodeReport(sampleReport("/"), shimtrace.AtomicWriteLimit)
		require.NoError(t, err)
		path := "/" + strings.Repeat("a", shimtrace.AtomicWriteLimit-len(base))
		buf, err := shimtrace.EncodeReport(sampleReport(path), shimtrace.AtomicWriteLimit)
		require.NoError(t, err)
		require.Len(t, buf, shimtrace.AtomicWriteLimit)

		r, err := shimtrace.NewReportReader(bytes.NewReader(buf)).Read()
		require.NoError(t, err)
		require.Equal(t, path, r.Path)
	})
}

func TestParseReportLine(t *testing.T) {
	t.Parallel()

	r, err := shimtrace.ParseReportLine("sh|1|2|1|0|0|6|/tmp/a|b\n")
	require.NoError(t, err)
	require.Equal(t, shimtrace.AccessReport{
		ProcessName:     "sh",
		PID:             1,
		RequestedAccess: shimtrace.AccessWrite,
		Status:          shimtrace.StatusAllowed,
		Operation:       shimtrace.OpWrite,
		Path:            "/tmp/a|b",
	}, r)

	for _, bad := range []string{
		"",
		"sh|1|2|1|0|0|6",
		"sh|x|2|1|0|0|6|/a",
		"sh|1|2|1|yes|0|6|/a",
	} {
		_, err := shimtrace.ParseReportLine(bad)
		require.Errorf(t, err, "line %q", bad)
	}
}
