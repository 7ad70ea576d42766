package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/mirkobrombin/go-claim/v1/coordinator"
)

// maxOutput bounds the command output kept in a result, maxLine a single
// line of it.
const (
	maxOutput = 1 << 20
	maxLine   = 64 << 10
)

// Result is what every caller sharing a key receives.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

var percentLine = regexp.MustCompile(`^\s*(\d{1,3}(?:\.\d+)?)\s*%\s*(.*)$`)

// parseProgress extracts a leading percentage such as "42% unpacking".
func parseProgress(line string) (float64, string, bool) {
	m := percentLine.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	p, err := strconv.ParseFloat(m[1], 64)
	if err != nil || p > 100 {
		return 0, "", false
	}
	return p, strings.TrimSpace(m[2]), true
}

// commandWork runs a command, turning percentage lines on its stdout into
// progress records. A non-zero exit status is a result, not an error.
type commandWork struct {
	name string
	args []string
	// stderr receives the command's stderr on the owner side.
	stderr io.Writer
}

func (w commandWork) Run(ctx context.Context, e coordinator.Emitter) (Result, error) {
	cmd := exec.CommandContext(ctx, w.name, w.args...)
	cmd.Stderr = w.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("claimrun: start %s: %w", w.name, err)
	}

	var out bytes.Buffer
	readErr := readLines(stdout, func(line string) {
		if out.Len()+len(line)+1 <= maxOutput {
			out.WriteString(line)
			out.WriteByte('\n')
		}
		if p, msg, ok := parseProgress(line); ok {
			// a canceled emit surfaces through Wait below
			_ = e.Emit(p, msg)
		}
	})
	if readErr != nil {
		// keep the child from blocking on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	err = cmd.Wait()
	if cause := e.Err(); cause != nil {
		return Result{}, cause
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return Result{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	case err != nil:
		return Result{}, err
	}
	if readErr != nil {
		return Result{}, fmt.Errorf("claimrun: read output: %w", readErr)
	}
	return Result{Output: out.String()}, nil
}

// readLines calls fn for every line of r until EOF. Lines longer than
// maxLine are truncated; the rest of such a line is read and dropped.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		frag, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				fn(string(line))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if room := maxLine - len(line); room > 0 {
			line = append(line, frag[:min(len(frag), room)]...)
		}
		if more {
			continue
		}
		fn(string(line))
		line = line[:0]
	}
}
