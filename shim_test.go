package shimtrace_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr.dev/shimtrace"
)

func TestProcessMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		rule    shimtrace.ProcessMatch
		command string
		args    string
		want    bool
	}{
		{"Exact", shimtrace.ProcessMatch{ProcessName: "cmd.exe"}, "cmd.exe", "", true},
		{"ExactFold", shimtrace.ProcessMatch{ProcessName: "CMD.EXE"}, "cmd.exe", "", true},
		{"Segment", shimtrace.ProcessMatch{ProcessName: "cmd.exe"}, `C:\Windows\cmd.exe`, "", true},
		{"SegmentFold", shimtrace.ProcessMatch{ProcessName: "cmd.exe"}, `C:\Windows\Cmd.Exe`, "", true},
		{"SlashSegment", shimtrace.ProcessMatch{ProcessName: "cc"}, "/usr/bin/cc", "", true},
		{"NotSegment", shimtrace.ProcessMatch{ProcessName: "cmd.exe"}, `C:\Windows\mycmd.exe`, "", false},
		{"Longer", shimtrace.ProcessMatch{ProcessName: `C:\Windows\cmd.exe`}, "cmd.exe", "", false},
		{"Argument", shimtrace.ProcessMatch{ProcessName: "cmd.exe", ArgumentMatch: "/c"}, "cmd.exe", "/c dir", true},
		{"ArgumentMissing", shimtrace.ProcessMatch{ProcessName: "cmd.exe", ArgumentMatch: "/c"}, "cmd.exe", "/k dir", false},
		{"ArgumentCaseSensitive", shimtrace.ProcessMatch{ProcessName: "cmd.exe", ArgumentMatch: "/C"}, "cmd.exe", "/c dir", false},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, c.want, c.rule.Matches(c.command, c.args))
		})
	}
}

func constFilter(match bool) shimtrace.Filter {
	return shimtrace.FilterFunc(func(context.Context, shimtrace.FilterRequest) bool {
		return match
	})
}

func intPtr(i int) *int {
	return &i
}

func TestDecide(t *testing.T) {
	t.Parallel()

	t.Run("NoRulesNoFilter", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		log := slogtest.Make(t, nil)

		for _, all := range []bool{false, true} {
			e := shimtrace.NewEngine(shimtrace.ShimConfig{ShimPath: "/shim", ShimAllProcesses: all}, shimtrace.Environment{}, log)
			require.Equal(t, all, e.Decide(ctx, "tool.exe", "", nil, "").Substitute)
		}
	})

	t.Run("FilterXOR", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		log := slogtest.Make(t, nil)

		for _, all := range []bool{false, true} {
			for _, match := range []bool{false, true} {
				e := shimtrace.NewEngine(shimtrace.ShimConfig{
					ShimPath:         "/shim",
					ShimAllProcesses: all,
					Filter:           constFilter(match),
				}, shimtrace.Environment{}, log)
				got := e.Decide(ctx, "tool.exe", "", []string{}, "/").Substitute
				require.Equalf(t, match != all, got, "shim all %v, filter match %v", all, match)
			}
		}
	})

	t.Run("OptInOptOut", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		log := slogtest.Make(t, nil)
		rules := []shimtrace.ProcessMatch{{ProcessName: "link.exe"}}

		cases := []struct {
			command string
			all     bool
			want    bool
		}{
			{`C:\bin\link.exe`, false, true},
			{`C:\bin\lib.exe`, false, false},
			// With no filter, shim-all plus rules excludes everything.
			{`C:\bin\link.exe`, true, false},
			{`C:\bin\lib.exe`, true, false},
		}
		for _, c := range cases {
			e := shimtrace.NewEngine(shimtrace.ShimConfig{
				ShimPath:         "/shim",
				Rules:            rules,
				ShimAllProcesses: c.all,
			}, shimtrace.Environment{}, log)
			got := e.Decide(ctx, c.command, "", nil, "")
			require.Equalf(t, c.want, got.Substitute, "%s with shim all %v", c.command, c.all)
			require.Equal(t, "", got.Args)
		}
	})

	t.Run("RulesAndFilter", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		log := slogtest.Make(t, nil)
		rules := []shimtrace.ProcessMatch{{ProcessName: "link.exe"}}

		// Opt-in: either the rules or the filter selects the process.
		e := shimtrace.NewEngine(shimtrace.ShimConfig{
			ShimPath: "/shim",
			Rules:    rules,
			Filter:   constFilter(true),
		}, shimtrace.Environment{}, log)
		require.True(t, e.Decide(ctx, "lib.exe", "", []string{}, "/").Substitute)

		// Opt-out: either one excludes it.
		e = shimtrace.NewEngine(shimtrace.ShimConfig{
			ShimPath:         "/shim",
			Rules:            rules,
			ShimAllProcesses: true,
			Filter:           constFilter(true),
		}, shimtrace.Environment{}, log)
		require.False(t, e.Decide(ctx, "lib.exe", "", []string{}, "/").Substitute)
	})

	t.Run("FilterSeesDefaults", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		log := slogtest.Make(t, nil)

		var got shimtrace.FilterRequest
		e := shimtrace.NewEngine(shimtrace.ShimConfig{
			ShimPath: "/shim",
			Filter: shimtrace.FilterFunc(func(_ context.Context, req shimtrace.FilterRequest) bool {
				got = req
				return true
			}),
		}, shimtrace.Environment{}, log)
		require.True(t, e.Decide(ctx, "tool.exe", "-a", nil, "").Substitute)

		wd, err := os.Getwd()
		require.NoError(t, err)
		require.Equal(t, "tool.exe", got.Command)
		require.Equal(t, "-a", got.Args)
		require.Equal(t, wd, got.Dir)
		require.Equal(t, os.Environ(), got.Env)
	})

	t.Run("Rename", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		log := slogtest.Make(t, nil)

		e := shimtrace.NewEngine(shimtrace.ShimConfig{
			ShimPath:            "/shim",
			Rules:               []shimtrace.ProcessMatch{{ProcessName: "link.exe"}},
			RenameShimToCommand: true,
		}, shimtrace.Environment{}, log)

		d := e.Decide(ctx, "link.exe", "", nil, "")
		require.True(t, d.Substitute)
		require.True(t, d.RenameShim)

		d = e.Decide(ctx, "lib.exe", "", nil, "")
		require.False(t, d.Substitute)
		require.False(t, d.RenameShim, "rename requires a substitution")
	})
}

func TestDecideCompiler(t *testing.T) {
	t.Parallel()

	rules := []shimtrace.ProcessMatch{
		{ProcessName: "cl.exe"},
		{ProcessName: "Tracker.exe"},
	}
	newEngine := func(t *testing.T, threshold string) *shimtrace.Engine {
		return shimtrace.NewEngine(shimtrace.ShimConfig{ShimPath: "/shim", Rules: rules},
			shimtrace.MapEnvironment(map[string]string{shimtrace.EnvMinParallelism: threshold}),
			slogtest.Make(t, nil))
	}

	t.Run("BelowThreshold", func(t *testing.T) {
		t.Parallel()
		d := newEngine(t, "3").Decide(context.Background(), `C:\vc\cl.exe`, "/c a.cpp b.cpp", nil, "")
		require.False(t, d.Substitute)
		require.Equal(t, 2, d.Inputs)
	})

	t.Run("AtThreshold", func(t *testing.T) {
		t.Parallel()
		d := newEngine(t, "2").Decide(context.Background(), `C:\vc\cl.exe`, "/c a.cpp b.cpp", nil, "")
		require.True(t, d.Substitute)
		require.Equal(t, 2, d.Inputs)
		require.Equal(t, "/c a.cpp b.cpp", d.Args)
	})

	t.Run("ClampedToOne", func(t *testing.T) {
		t.Parallel()
		d := newEngine(t, "1").Decide(context.Background(), "cl.exe", "/?", nil, "")
		require.True(t, d.Substitute)
		require.Equal(t, 1, d.Inputs)
	})

	t.Run("UnsetThreshold", func(t *testing.T) {
		t.Parallel()
		d := newEngine(t, "").Decide(context.Background(), "cl.exe", "/?", nil, "")
		require.True(t, d.Substitute)
	})

	t.Run("InvalidThreshold", func(t *testing.T) {
		t.Parallel()
		d := newEngine(t, "lots").Decide(context.Background(), "cl.exe", "/?", nil, "")
		require.True(t, d.Substitute, "an unparseable threshold is 0")
	})

	t.Run("TrackerSkipsOwnArgs", func(t *testing.T) {
		t.Parallel()
		// The .cpp in the tracker's own arguments does not count.
		d := newEngine(t, "2").Decide(context.Background(), `C:\bin\Tracker.exe`, "/d log.cpp /c CL.EXE /c a.cpp", nil, "")
		require.False(t, d.Substitute)
		require.Equal(t, 1, d.Inputs)

		d = newEngine(t, "2").Decide(context.Background(), `C:\bin\Tracker.exe`, "/d log.cpp /c CL.EXE /c a.cpp b.cpp", nil, "")
		require.True(t, d.Substitute)
		require.Equal(t, 2, d.Inputs)
	})

	t.Run("TrackerWithoutCompiler", func(t *testing.T) {
		t.Parallel()
		d := newEngine(t, "0").Decide(context.Background(), `C:\bin\tracker.exe`, "/c link.exe a.obj", nil, "")
		require.False(t, d.Substitute)
	})

	t.Run("ConfigOverridesEnv", func(t *testing.T) {
		t.Parallel()
		e := shimtrace.NewEngine(shimtrace.ShimConfig{ShimPath: "/shim", Rules: rules, MinParallelism: intPtr(5)},
			shimtrace.MapEnvironment(map[string]string{shimtrace.EnvMinParallelism: "1"}),
			slogtest.Make(t, nil))
		require.Equal(t, 5, e.MinParallelism(context.Background()))
		require.False(t, e.Decide(context.Background(), "cl.exe", "a.cpp", nil, "").Substitute)
	})

	t.Run("InlinesResponseFile", func(t *testing.T) {
		t.Parallel()
		rsp := filepath.Join(t.TempDir(), "args.rsp")
		err := os.WriteFile(rsp, utf16LE("c.idl d.cpp"), 0o600)
		require.NoError(t, err)

		args := "/c a.cpp @" + rsp + " /nologo"
		d := newEngine(t, "3").Decide(context.Background(), "cl.exe", args, nil, "")
		require.True(t, d.Substitute)
		require.Equal(t, 3, d.Inputs)
		require.Equal(t, "/c a.cpp c.idl d.cpp /nologo", d.Args)
		require.NotContains(t, d.Args, "@")
	})

	t.Run("KeepsResponseFileLocally", func(t *testing.T) {
		t.Parallel()
		rsp := filepath.Join(t.TempDir(), "args.rsp")
		err := os.WriteFile(rsp, []byte("c.idl"), 0o600)
		require.NoError(t, err)

		args := `/c a.cpp @"` + rsp + `"`
		d := newEngine(t, "10").Decide(context.Background(), "cl.exe", args, nil, "")
		require.False(t, d.Substitute)
		require.Equal(t, 2, d.Inputs)
		assert.True(t, strings.HasSuffix(d.Args, `"`+rsp+`"`), "arguments are untouched when running locally")
	})
}
