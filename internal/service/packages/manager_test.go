package packages

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-installer/internal/process"
)

// errNotFound mimics exec.ErrNotFound from LookPath.
var errNotFound = errors.New("executable file not found in $PATH")

// fakeProcess implements ps.Process.
type fakeProcess struct {
	// pid is the process id.
	pid int
	// name is the executable name.
	name string
}

// Pid implements ps.Process.
func (p fakeProcess) Pid() int { return p.pid }

// PPid implements ps.Process.
func (p fakeProcess) PPid() int { return 1 }

// Executable implements ps.Process.
func (p fakeProcess) Executable() string { return p.name }

// onPath returns a LookPath that only finds the listed programs.
func onPath(programs ...string) func(string) (string, error) {
	return func(file string) (string, error) {
		for _, program := range programs {
			if program == file {
				return "/usr/bin/" + file, nil
			}
		}

		return "", errNotFound
	}
}

// dpkgStatus answers dpkg-query calls from a package table.
func dpkgStatus(installed map[string]string) func(process.Command) (*process.Result, error) {
	return func(cmd process.Command) (*process.Result, error) {
		if cmd.Name != dpkgQuery {
			return &process.Result{}, nil
		}

		name := cmd.Args[len(cmd.Args)-1]

		version, ok := installed[name]
		if !ok {
			return &process.Result{ExitCode: 1}, &process.ExitError{Command: cmd.String(), ExitCode: 1}
		}

		if version == "" {
			return &process.Result{Stdout: []byte("deinstall ok config-files\t")}, nil
		}

		return &process.Result{Stdout: []byte(installedStatus + "\t" + version + "\n")}, nil
	}
}

// TestBackend_Detection verifies forced and detected backends.
func TestBackend_Detection(t *testing.T) {
	t.Parallel()

	backend, err := New(Options{LookPath: onPath("apt", "nala")}).Backend()
	require.NoError(t, err)
	require.Equal(t, "apt", backend)

	backend, err = New(Options{Backend: "NALA", LookPath: onPath("apt-get", "nala")}).Backend()
	require.NoError(t, err)
	require.Equal(t, "nala", backend)

	_, err = New(Options{Backend: "dnf", LookPath: onPath("dnf")}).Backend()
	require.ErrorIs(t, err, errUnsupportedBackend)

	_, err = New(Options{Backend: "nala", LookPath: onPath("apt-get")}).Backend()
	require.ErrorIs(t, err, errNotFound)

	_, err = New(Options{LookPath: onPath()}).Backend()
	require.ErrorIs(t, err, errNoBackend)
}

// TestIsInstalledAndMissing verifies dpkg-query parsing.
func TestIsInstalledAndMissing(t *testing.T) {
	t.Parallel()

	recorder := &process.Recorder{Handler: dpkgStatus(map[string]string{
		"wget":       "1.21.4-1ubuntu4",
		"p7zip-full": "",
	})}
	manager := New(Options{Runner: recorder, LookPath: onPath()})

	installed, version, err := manager.IsInstalled(context.Background(), "wget")
	require.NoError(t, err)
	require.True(t, installed)
	require.Equal(t, "1.21.4-1ubuntu4", version)

	missing, err := manager.Missing(context.Background(), []string{"wget", "p7zip-full", "icoutils"})
	require.NoError(t, err)
	require.Equal(t, []string{"p7zip-full", "icoutils"}, missing)
	require.Equal(t, `dpkg-query -W "-f=${Status}\t${Version}" wget`, recorder.Lines()[0])
}

// TestIsInstalled_QueryFailure verifies real failures are not mistaken for absence.
func TestIsInstalled_QueryFailure(t *testing.T) {
	t.Parallel()

	recorder := &process.Recorder{Handler: func(cmd process.Command) (*process.Result, error) {
		return &process.Result{ExitCode: -1}, &process.ExitError{Command: cmd.String(), ExitCode: -1}
	}}

	_, _, err := New(Options{Runner: recorder}).IsInstalled(context.Background(), "wget")
	require.Error(t, err)
}

// TestPrivilegedCommands verifies sudo prefixing and argument lists.
func TestPrivilegedCommands(t *testing.T) {
	t.Parallel()

	recorder := &process.Recorder{}
	manager := New(Options{
		Sudo:     true,
		Runner:   recorder,
		LookPath: onPath("apt-get"),
		Euid:     func() int { return 1000 },
	})
	ctx := context.Background()

	require.NoError(t, manager.Install(ctx, []string{"wget", "p7zip-full"}))
	require.NoError(t, manager.Install(ctx, nil))
	require.NoError(t, manager.RemovePackage(ctx, "example-app"))
	require.NoError(t, manager.FixBroken(ctx))

	require.Equal(t, []string{
		"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y wget p7zip-full",
		"sudo DEBIAN_FRONTEND=noninteractive apt-get remove -y example-app",
		"sudo DEBIAN_FRONTEND=noninteractive apt-get install --fix-broken -y",
	}, recorder.Lines())

	for _, call := range recorder.Calls() {
		require.True(t, call.Mutating)
	}
}

// TestPrivilegedCommands_Root verifies root runs the backend directly.
func TestPrivilegedCommands_Root(t *testing.T) {
	t.Parallel()

	recorder := &process.Recorder{}
	manager := New(Options{
		Sudo:     true,
		Runner:   recorder,
		LookPath: onPath("nala"),
		Euid:     func() int { return 0 },
	})

	require.NoError(t, manager.InstallPackage(context.Background(), "/tmp/out/example-app.deb"))

	calls := recorder.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "nala", calls[0].Name)
	require.Equal(t, []string{"install", "-y", "/tmp/out/example-app.deb"}, calls[0].Args)
	require.Equal(t, []string{noninteractive}, calls[0].Env)
}

// TestPrivilegedCommands_Failure verifies command failures are wrapped.
func TestPrivilegedCommands_Failure(t *testing.T) {
	t.Parallel()

	exitErr := &process.ExitError{Command: "apt-get install -y x", ExitCode: 100}
	recorder := &process.Recorder{Handler: func(process.Command) (*process.Result, error) {
		return &process.Result{ExitCode: 100}, exitErr
	}}

	err := New(Options{Runner: recorder, LookPath: onPath("apt-get")}).Install(context.Background(), []string{"x"})
	require.ErrorIs(t, err, exitErr)

	err = New(Options{Runner: recorder, LookPath: onPath()}).Install(context.Background(), []string{"x"})
	require.ErrorIs(t, err, errNoBackend)
}

// TestRunning verifies process detection ignores the current process.
func TestRunning(t *testing.T) {
	t.Parallel()

	manager := New(Options{Processes: func() ([]ps.Process, error) {
		return []ps.Process{
			fakeProcess{pid: os.Getpid(), name: "app-installer"},
			fakeProcess{pid: 77, name: "example-app"},
		}, nil
	}})

	running, err := manager.Running(context.Background(), "example-app")
	require.NoError(t, err)
	require.True(t, running)

	running, err = manager.Running(context.Background(), "app-installer")
	require.NoError(t, err)
	require.False(t, running)

	running, err = manager.Running(context.Background(), "")
	require.NoError(t, err)
	require.False(t, running)
}
