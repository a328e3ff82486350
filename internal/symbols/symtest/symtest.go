// Package symtest builds executables with a full symbol table for tests.
// Test binaries themselves are linked without one.
package symtest

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// Marker is a function defined by every image Build produces.
const Marker = "main.marker"

const source = `package main

import "os"

//go:noinline
func marker(n int) int {
	return n * 3
}

func main() {
	os.Exit(marker(len(os.Args)) - 3*len(os.Args))
}
`

// Build compiles a small program into a temporary directory and returns the
// path of the executable. The test is skipped when no go command is found.
func Build(t testing.TB) string {
	t.Helper()
	gotool, err := exec.LookPath("go")
	if err != nil {
		gotool = filepath.Join(runtime.GOROOT(), "bin", "go")
		if _, serr := os.Stat(gotool); serr != nil {
			t.Skip("no go command to build the image")
		}
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(src, []byte(source), 0o644))
	out := filepath.Join(dir, "marker")

	cmd := exec.Command(gotool, "build", "-o", out, src)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOFLAGS=", "GOWORK=off")
	msg, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s", msg)
	return out
}
