package execx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
)

const helperEnv = "TUNNELBENCH_EXECX_HELPER"

// TestHelperProcess is re-executed by the tests below as a stand-in for
// external tools.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	switch mode {
	case "echo":
		fmt.Fprint(os.Stdout, strings.Join(os.Args[len(os.Args)-2:], "|"))
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "  tunnel   service\nnot installed ")
		os.Exit(3)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	os.Exit(0)
}

func helperArgv(t *testing.T, mode string, args ...string) Argv {
	t.Helper()
	t.Setenv(helperEnv, mode)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return Argv{P: exe, V: append([]string{"-test.run=TestHelperProcess", "--"}, args...)}
}

func TestParseSubstitutesPerArgument(t *testing.T) {
	argv, err := Parse(`wireguard.exe /installtunnelservice {config}`, Vars{"config": `C:\VPN configs\se-got.conf`})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Argv{P: "wireguard.exe", V: []string{"/installtunnelservice", `C:\VPN configs\se-got.conf`}}
	if diff := cmp.Diff(want, argv); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
	if got := argv.String(); got != `wireguard.exe /installtunnelservice "C:\VPN configs\se-got.conf"` {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseQuotedTemplate(t *testing.T) {
	argv, err := Parse(`speedtest-cli --no-upload --json --server "{server_id}"`, Vars{"server_id": "4242"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff([]string{"--no-upload", "--json", "--server", "4242"}, argv.V); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse("   ", nil); !errors.Is(err, ErrNoCommandToExecute) {
		t.Fatalf("expected ErrNoCommandToExecute, got %v", err)
	}
	if _, err := Parse(`wg "unterminated`, nil); err == nil {
		t.Fatal("expected parse error for unterminated quote")
	}
}

func TestExecCapturesStdout(t *testing.T) {
	argv := helperArgv(t, "echo", "up", "wg0")
	out, err := (&Exec{}).Run(context.Background(), argv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out.Stdout) != "up|wg0" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d", out.ExitCode)
	}
}

func TestExecClassifiesNonZeroExit(t *testing.T) {
	argv := helperArgv(t, "fail")
	out, err := (&Exec{}).Run(context.Background(), argv)
	if !benchErrors.HasCode(err, benchErrors.ErrCodeCommandExit) {
		t.Fatalf("expected exit-status error, got %v", err)
	}
	if out.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", out.ExitCode)
	}
	if !strings.Contains(err.Error(), "exit status 3: tunnel service not installed") {
		t.Fatalf("stderr tail missing from %q", err.Error())
	}
}

func TestExecClassifiesStartFailure(t *testing.T) {
	_, err := (&Exec{}).Run(context.Background(), Argv{P: "tunnelbench-definitely-missing-binary"})
	if !benchErrors.HasCode(err, benchErrors.ErrCodeCommandStart) {
		t.Fatalf("expected start failure, got %v", err)
	}
}

func TestExecTimeoutIsNotCancellation(t *testing.T) {
	argv := helperArgv(t, "sleep")
	start := time.Now()
	_, err := (&Exec{Timeout: 100 * time.Millisecond}).Run(context.Background(), argv)
	if !benchErrors.HasCode(err, benchErrors.ErrCodeCommandTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if benchErrors.IsContextError(err) {
		t.Fatalf("timeout must not read as a context error: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not stop the process")
	}
}

func TestExecParentCancelIsContextError(t *testing.T) {
	argv := helperArgv(t, "sleep")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := (&Exec{Timeout: time.Minute}).Run(ctx, argv)
	if !benchErrors.IsContextError(err) {
		t.Fatalf("expected context error, got %v", err)
	}
	if benchErrors.HasCode(err, benchErrors.ErrCodeCommandTimeout) {
		t.Fatalf("parent deadline reported as command timeout: %v", err)
	}
}

func TestRunnerFunc(t *testing.T) {
	var got Argv
	r := RunnerFunc(func(_ context.Context, argv Argv) (Output, error) {
		got = argv
		return Output{Stdout: []byte("ok")}, nil
	})
	out, err := r.Run(context.Background(), Argv{P: "x", V: []string{"y"}})
	if err != nil || string(out.Stdout) != "ok" || got.P != "x" {
		t.Fatalf("unexpected RunnerFunc behavior: %v %q %+v", err, out.Stdout, got)
	}
}
