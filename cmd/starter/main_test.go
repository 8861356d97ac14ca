package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/robot-starter/internal/auth"
)

const testSecret = "test-secret-for-development-only-0123456789"

// writeConfig writes a config that runs script with /bin/sh and keeps every
// optional component off unless extra enables it.
func writeConfig(t *testing.T, dir, interpreter, script, extra string) string {
	t.Helper()

	content := `
round:
  length: 60s
  grace_period: 1s
  settle_delay: 0s
  end_marker: "\n==== END OF ROUND ====\n\n"

usercode:
  interpreter: "` + interpreter + `"
  args: []
  entrypoint: "` + script + `"
  library_path: ""
  output_path: "` + filepath.Join(dir, "logs.txt") + `"

hardware:
  reset:
    command: []
  button:
    enabled: false
  arena_dir: "` + dir + `"
  start_graphic:
    enabled: false

command:
  pipe:
    enabled: true
    directory: "` + filepath.Join(dir, "pipes") + `"
    inbound: "starter.in"
    outbound: "starter.out"

mqtt:
  enabled: false

influxdb:
  enabled: false

api:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
` + extra

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("STARTER_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config", err)
	}
}

// TestRun_BootFailure verifies that failing to spawn the first process is
// fatal.
func TestRun_BootFailure(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STARTER_CONFIG", writeConfig(t, dir, "/nonexistent/interpreter", "main.py", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail when the user code cannot be spawned")
	}
	if !strings.Contains(err.Error(), "booting supervisor") {
		t.Errorf("error = %v, want booting supervisor", err)
	}
}

// TestRun_PipeStartAndShutdown drives a round through the command pipe and
// checks the user code is reaped when run returns.
func TestRun_PipeStartAndShutdown(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "main.sh")
	body := "read line\necho \"got $line\"\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STARTER_CONFIG", writeConfig(t, dir, "/bin/sh", script, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	inbound := filepath.Join(dir, "pipes", "starter.in")
	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(inbound)
		return err == nil
	})

	fifo, err := os.OpenFile(inbound, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening inbound pipe: %v", err)
	}
	if _, err := fifo.WriteString(`{"request":"start","params":{"mode":"dev","zone":"2"}}` + "\n"); err != nil {
		t.Fatalf("writing command: %v", err)
	}
	fifo.Close()

	logPath := filepath.Join(dir, "logs.txt")
	waitFor(t, 5*time.Second, func() bool {
		data, _ := os.ReadFile(logPath) //nolint:errcheck // retried until present
		return bytes.Contains(data, []byte(`got {"mode":"dev","zone":2,"arena":"A"}`))
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "==== END OF ROUND ====\n\n") {
		t.Errorf("log does not end with the round marker: %q", data)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunToken(t *testing.T) {
	dir := t.TempDir()
	extra := `
security:
  jwt:
    secret: "` + testSecret + `"
    issuer: "robot-starter"
    access_token_ttl: 60
`
	t.Setenv("STARTER_CONFIG", writeConfig(t, dir, "/bin/sh", "main.sh", extra))

	var out bytes.Buffer
	if err := runToken(&out, []string{"scoreboard", "viewer"}); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testSecret, "robot-starter")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "scoreboard" || claims.Role != auth.RoleViewer {
		t.Errorf("claims = %s/%s, want scoreboard/viewer", claims.Subject, claims.Role)
	}

	out.Reset()
	if err := runToken(&out, []string{"referee"}); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}
	claims, err = auth.ParseToken(strings.TrimSpace(out.String()), testSecret, "robot-starter")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Role != auth.RoleOperator {
		t.Errorf("default role = %s, want operator", claims.Role)
	}
}

func TestRunToken_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STARTER_CONFIG", writeConfig(t, dir, "/bin/sh", "main.sh", ""))

	var out bytes.Buffer
	if err := runToken(&out, nil); err == nil {
		t.Error("runToken() without a subject should fail")
	}
	if err := runToken(&out, []string{"x", "admin"}); !errors.Is(err, auth.ErrInvalidRole) {
		t.Errorf("bad role error = %v, want ErrInvalidRole", err)
	}
	if err := runToken(&out, []string{"x"}); !errors.Is(err, auth.ErrNoSecret) {
		t.Errorf("no secret error = %v, want ErrNoSecret", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}
