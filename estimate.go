package shimtrace

import (
	"context"
	"os"
	"strings"

	"cdr.dev/slog"
	"github.com/dustin/go-humanize"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/xerrors"
)

// Extensions counted as compiler inputs. ".c" only counts when followed by a
// space, so a C file at the very end of the argument string is not counted.
var inputExtensions = [...]string{".cpp", ".c ", ".idl"}

// ResponseFile is a `@path` or `@"path"` reference found in an argument
// string, along with the decoded contents of the file.
type ResponseFile struct {
	// Path is the file name between the '@' (and quotes) and the delimiter.
	Path string
	// Start and End delimit the whole reference, including '@' and quotes, as
	// byte offsets into the argument string.
	Start, End int
	// Text is the decoded contents of the file.
	Text string
}

// Estimate is the result of EstimateCompilerInputs.
type Estimate struct {
	// Inputs is at least 1.
	Inputs int
	// ResponseFile is nil when the arguments reference no response file or
	// when it could not be read.
	ResponseFile *ResponseFile
}

// EstimateCompilerInputs estimates how many translation units a compiler
// invocation processes by counting source file extensions in args, starting at
// byte offset from, and in the first response file referenced after from.
// A response file that cannot be read contributes nothing.
func (e *Engine) EstimateCompilerInputs(ctx context.Context, args string, from int) Estimate {
	if from < 0 || from > len(args) {
		from = 0
	}

	est := Estimate{Inputs: CountInputs(args[from:])}

	rsp, ok := FindResponseFile(args, from)
	if ok {
		text, err := ReadResponseFile(rsp.Path)
		if err != nil {
			e.log.Warn(ctx, "failed reading response file",
				slog.F("path", rsp.Path),
				slog.F("args", args),
				slog.Error(err),
			)
		} else {
			rsp.Text = text
			est.ResponseFile = &rsp
			est.Inputs += CountInputs(text)
		}
	}

	// Every command has at least one input, matching the threshold semantics
	// used by the scheduler that sets the minimum parallelism.
	if est.Inputs < 1 {
		est.Inputs = 1
	}
	return est
}

// CountInputs counts case-insensitive occurrences of compiler input extensions
// in s. The result may be zero.
func CountInputs(s string) int {
	n := 0
	for _, ext := range inputExtensions {
		n += countFold(s, ext)
	}
	return n
}

// FindResponseFile finds the first response file reference at or after byte
// offset from. The Text field of the result is left empty.
func FindResponseFile(args string, from int) (ResponseFile, bool) {
	at := strings.IndexByte(args[from:], '@')
	if at == -1 {
		return ResponseFile{}, false
	}

	rsp := ResponseFile{Start: from + at}
	pathStart := rsp.Start + 1
	if pathStart < len(args) && args[pathStart] == '"' {
		// @"path"
		pathStart++
		closeQuote := strings.IndexByte(args[pathStart:], '"')
		if closeQuote == -1 {
			rsp.Path = args[pathStart:]
			rsp.End = len(args)
		} else {
			rsp.Path = args[pathStart : pathStart+closeQuote]
			rsp.End = pathStart + closeQuote + 1
		}
		return rsp, true
	}

	// @path
	space := strings.IndexByte(args[pathStart:], ' ')
	if space == -1 {
		rsp.End = len(args)
	} else {
		rsp.End = pathStart + space
	}
	rsp.Path = args[pathStart:rsp.End]
	return rsp, true
}

// ReadResponseFile reads a response file and decodes it to text. Files that
// begin with a UTF-16LE byte order mark are decoded from UTF-16, anything else
// is taken as UTF-8 or ANSI bytes.
func ReadResponseFile(path string) (string, error) {
	// The file is read and closed within this call; nothing is held open.
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", xerrors.Errorf("read response file %q: %w", path, err)
	}

	text, err := DecodeResponseFile(raw)
	if err != nil {
		return "", xerrors.Errorf("decode response file %q (%s): %w", path, humanize.Bytes(uint64(len(raw))), err)
	}
	return text, nil
}

// DecodeResponseFile converts raw response file bytes to text, detecting the
// encoding from the first two bytes.
func DecodeResponseFile(raw []byte) (string, error) {
	if len(raw) >= 2 && raw[0] == 0xFF && raw[1] == 0xFE {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(raw)
		if err != nil {
			return "", xerrors.Errorf("decode utf-16le: %w", err)
		}
		return string(out), nil
	}
	return string(raw), nil
}
