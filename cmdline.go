package shimtrace

import "strings"

// cutset used when trimming command line fragments.
const trimSet = " \t\r\n"

// ParseCommandLine splits a raw process command line into the executable and
// the remaining argument string. Both results are trimmed of surrounding
// whitespace.
//
// A leading double quote delimits the executable up to the matching close
// quote. Text directly after the close quote and before the next space is
// appended to the executable, so `"c:\program files"\foo.exe x` yields
// `c:\program files\foo.exe` and `x`. Without a leading quote the split is at
// the first space. Malformed quoting never fails; the whole line becomes the
// executable instead.
func ParseCommandLine(raw string) (executable, args string) {
	if raw == "" {
		return "", ""
	}

	if raw[0] != '"' {
		exe, rest, _ := strings.Cut(raw, " ")
		return strings.Trim(exe, trimSet), strings.Trim(rest, trimSet)
	}

	closeQuote := strings.IndexByte(raw[1:], '"')
	if closeQuote == -1 {
		// No close quote, the command runs to the end of the line.
		return strings.Trim(raw[1:], trimSet), ""
	}
	closeQuote++

	if closeQuote == len(raw)-1 {
		// Quotes cover the entire command line.
		return strings.Trim(raw[1:closeQuote], trimSet), ""
	}

	space := strings.IndexByte(raw[closeQuote+1:], ' ')
	if space == -1 {
		space = len(raw)
	} else {
		space += closeQuote + 1
	}

	executable = raw[1:closeQuote] + raw[closeQuote+1:space]
	if space < len(raw) {
		args = raw[space+1:]
	}
	return strings.Trim(executable, trimSet), strings.Trim(args, trimSet)
}

// commandLineFor picks the string to tokenize for a launch. The application
// name is only used when no command line was given, because a command line
// always starts with the (possibly quoted) executable.
func commandLineFor(applicationName, commandLine string) string {
	if commandLine == "" {
		return applicationName
	}
	return commandLine
}

// ShimCommandLine builds the argument string handed to a shim: the original
// executable in quotes followed by its arguments.
func ShimCommandLine(executable, args string) string {
	var b strings.Builder
	b.Grow(len(executable) + len(args) + 3)
	b.WriteByte('"')
	b.WriteString(executable)
	b.WriteString(`" `)
	b.WriteString(args)
	return b.String()
}
