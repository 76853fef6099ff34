//go:build linux && amd64

package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/xyproto/env/v2"
)

func TestNativeRejects(t *testing.T) {
	dir, path := writeInput(t)
	missing := filepath.Join(dir, "missing.yaml")
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"-abi", "win64", "-func", "addmul", "-run", "1,2"}, "convention"},
		{[]string{"-func", "square", "-run", "1.5"}, "parameter x"},
	} {
		args := append([]string{"-config", missing, "-color", "never", "-native"}, tc.args...)
		_, err := runCLI(t, append(args, path)...)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("run %v: got=%v, want error containing %q", tc.args, err, tc.want)
		}
	}
}

func TestNativeRun(t *testing.T) {
	if !env.Bool("RALLOC_NATIVE") {
		t.Skip("set RALLOC_NATIVE=1 to execute generated code")
	}
	dir, path := writeInput(t)
	out, err := runCLI(t, "-config", filepath.Join(dir, "missing.yaml"), "-abi", "sysv", "-func", "addmul", "-color", "never", "-native", "-run", "3,4", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "addmul(3,4) = 28") {
		t.Fatalf("got:\n%s", out)
	}
}
