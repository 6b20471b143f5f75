package config

import (
	"bytes"
	"errors"
	"testing"
)

func captureExit(t *testing.T) (*bytes.Buffer, *int) {
	t.Helper()
	var buf bytes.Buffer
	code := -1
	prevErr, prevExit := stderr, exit
	stderr = &buf
	exit = func(c int) { code = c }
	t.Cleanup(func() { stderr, exit = prevErr, prevExit })
	return &buf, &code
}

func TestExitOnErrorReportsAndExits(t *testing.T) {
	out, code := captureExit(t)

	ExitOnError("parse flags", errors.New("flag provided but not defined: -nope"))

	if *code != 2 {
		t.Fatalf("exit code = %d, want 2", *code)
	}
	if got, want := out.String(), "parse flags: flag provided but not defined: -nope\n"; got != want {
		t.Fatalf("stderr = %q, want %q", got, want)
	}
}

func TestExitOnErrorIgnoresNil(t *testing.T) {
	out, code := captureExit(t)

	ExitOnError("parse flags", nil)

	if *code != -1 || out.Len() != 0 {
		t.Fatalf("unexpected exit %d with output %q", *code, out.String())
	}
}
