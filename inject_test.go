package shimtrace_test

import (
	"context"
	"os"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"cdr.dev/shimtrace"
)

type launch struct {
	name string
	argv []string
	attr *os.ProcAttr
}

// fakeLauncher records launches instead of starting processes.
type fakeLauncher struct {
	launches []launch
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, name string, argv []string, attr *os.ProcAttr) (*os.Process, error) {
	f.launches = append(f.launches, launch{name: name, argv: argv, attr: attr})
	if f.err != nil {
		return nil, f.err
	}
	return &os.Process{Pid: 1234}, nil
}

func newInjector(t *testing.T, cfg shimtrace.ShimConfig, launcher shimtrace.Launcher) *shimtrace.Injector {
	log := slogtest.Make(t, nil)
	return shimtrace.NewInjector(shimtrace.NewEngine(cfg, shimtrace.Environment{}, log), launcher, log)
}

func TestMaybeInject(t *testing.T) {
	t.Parallel()

	t.Run("Substitutes", func(t *testing.T) {
		t.Parallel()
		l := &fakeLauncher{}
		inj := newInjector(t, shimtrace.ShimConfig{
			ShimPath: "/opt/shim/shim",
			Rules:    []shimtrace.ProcessMatch{{ProcessName: "link.exe"}},
		}, l)

		files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
		req := shimtrace.LaunchRequest{
			CommandLine: `"C:\vc bin\link.exe" /out:a.exe a.obj`,
			Env:         []string{"A=1"},
			Dir:         "/work",
			Files:       files,
		}
		out, err := inj.MaybeInject(context.Background(), req)
		require.NoError(t, err)
		require.True(t, out.Injected)
		require.Equal(t, 1234, out.Process.Pid)
		require.Equal(t, `C:\vc bin\link.exe`, out.Command)

		require.Len(t, l.launches, 1)
		got := l.launches[0]
		require.Equal(t, "/opt/shim/shim", got.name)
		require.Equal(t, []string{"/opt/shim/shim", `"C:\vc bin\link.exe" /out:a.exe a.obj`}, got.argv)
		require.Equal(t, "/work", got.attr.Dir)
		require.Equal(t, []string{"A=1"}, got.attr.Env)
		require.Equal(t, files, got.attr.Files)
	})

	t.Run("Rename", func(t *testing.T) {
		t.Parallel()
		l := &fakeLauncher{}
		inj := newInjector(t, shimtrace.ShimConfig{
			ShimPath:            "/opt/shim/shim",
			Rules:               []shimtrace.ProcessMatch{{ProcessName: "link.exe"}},
			RenameShimToCommand: true,
		}, l)

		out, err := inj.MaybeInject(context.Background(), shimtrace.LaunchRequest{CommandLine: `C:\vc\link.exe a.obj`})
		require.NoError(t, err)
		require.True(t, out.Injected)
		require.True(t, out.Decision.RenameShim)
		require.Equal(t, "/opt/shim/link.exe", l.launches[0].name)
		require.Equal(t, "/opt/shim/link.exe", l.launches[0].argv[0])
	})

	t.Run("ApplicationName", func(t *testing.T) {
		t.Parallel()
		l := &fakeLauncher{}
		inj := newInjector(t, shimtrace.ShimConfig{ShimPath: "/shim", ShimAllProcesses: true}, l)

		out, err := inj.MaybeInject(context.Background(), shimtrace.LaunchRequest{ApplicationName: "/bin/tool"})
		require.NoError(t, err)
		require.True(t, out.Injected)
		require.Equal(t, "/bin/tool", out.Command)
		require.Equal(t, `"/bin/tool" `, l.launches[0].argv[1])
	})

	t.Run("NotSelected", func(t *testing.T) {
		t.Parallel()
		l := &fakeLauncher{}
		inj := newInjector(t, shimtrace.ShimConfig{
			ShimPath: "/shim",
			Rules:    []shimtrace.ProcessMatch{{ProcessName: "link.exe"}},
		}, l)

		out, err := inj.MaybeInject(context.Background(), shimtrace.LaunchRequest{CommandLine: "lib.exe a.obj"})
		require.NoError(t, err)
		require.False(t, out.Injected)
		require.Empty(t, l.launches)
	})

	t.Run("NoShimConfigured", func(t *testing.T) {
		t.Parallel()
		l := &fakeLauncher{}
		inj := newInjector(t, shimtrace.ShimConfig{ShimAllProcesses: true}, l)

		out, err := inj.MaybeInject(context.Background(), shimtrace.LaunchRequest{CommandLine: "lib.exe"})
		require.NoError(t, err)
		require.False(t, out.Injected)
		require.Empty(t, l.launches)

		_, err = inj.InjectShim(context.Background(), "lib.exe", "", false, shimtrace.LaunchRequest{})
		require.True(t, xerrors.Is(err, shimtrace.ErrNoShim))
	})

	t.Run("EmptyCommandLine", func(t *testing.T) {
		t.Parallel()
		l := &fakeLauncher{}
		inj := newInjector(t, shimtrace.ShimConfig{ShimPath: "/shim", ShimAllProcesses: true}, l)

		out, err := inj.MaybeInject(context.Background(), shimtrace.LaunchRequest{})
		require.NoError(t, err)
		require.False(t, out.Injected)
		require.Empty(t, l.launches)
	})

	t.Run("LaunchFailure", func(t *testing.T) {
		t.Parallel()
		boom := xerrors.New("boom")
		l := &fakeLauncher{err: boom}
		inj := newInjector(t, shimtrace.ShimConfig{ShimPath: "/shim", ShimAllProcesses: true}, l)

		out, err := inj.MaybeInject(context.Background(), shimtrace.LaunchRequest{CommandLine: "tool"})
		require.True(t, xerrors.Is(err, boom))
		require.False(t, out.Injected)
		require.Nil(t, out.Process)
	})
}
