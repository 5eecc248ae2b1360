// Package codesign invokes the host's ad-hoc code-signing utility against a
// rewritten Mach-O binary. Per §4.6/§5, this is a direct exec with an argv
// array (never a shell), stdout/stderr bounded to avoid unbounded buffering,
// and failures are reported but never fatal to the embedder's overall run —
// an ad-hoc signature is best-effort, and an unsigned binary still runs on
// an Intel Mac or with Gatekeeper relaxed.
//
// Grounded on the subprocess-dispatch shape used elsewhere in the pack for
// the same problem (rpath/codesign helpers invoking the real `codesign`
// binary via exec.CommandContext with a bounded CombinedOutput capture and a
// timeout), rather than on a from-scratch re-implementation of the signing
// algorithm.
package codesign

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/xyproto/binpress/internal/xlog"
)

const (
	defaultTimeout  = 30 * time.Second
	maxCapturedSize = 64 * 1024
)

var log = xlog.New("smol:codesign")

// Result carries the outcome of an ad-hoc sign attempt for the caller to log
// or surface; it never itself represents a hard failure of the embed.
type Result struct {
	Attempted bool
	Err       error
	Output    string
}

// AdHocSign runs `codesign -s - --force <path>`, the ad-hoc (unidentified)
// signing form, via direct argv exec. It never returns an error the caller
// must propagate: signing is best-effort per §4.6's SIGN stage.
func AdHocSign(path string) Result {
	bin, err := exec.LookPath("codesign")
	if err != nil {
		log.Debug(fmt.Sprintf("codesign utility not found on PATH, skipping ad-hoc sign: %v", err))
		return Result{Attempted: false}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "-s", "-", "--force", path)
	var buf bytes.Buffer
	cmd.Stdout = &boundedWriter{w: &buf, limit: maxCapturedSize}
	cmd.Stderr = cmd.Stdout

	runErr := cmd.Run()
	out := buf.String()

	if ctx.Err() == context.DeadlineExceeded {
		log.Warn(fmt.Sprintf("ad-hoc codesign timed out after %s: %s", defaultTimeout, out))
		return Result{Attempted: true, Err: ctx.Err(), Output: out}
	}
	if runErr != nil {
		log.Warn(fmt.Sprintf("ad-hoc codesign failed (non-fatal): %v: %s", runErr, out))
		return Result{Attempted: true, Err: runErr, Output: out}
	}
	log.Debug(fmt.Sprintf("ad-hoc codesign succeeded for %s", path))
	return Result{Attempted: true, Output: out}
}

// boundedWriter discards bytes past limit rather than growing buf without
// bound, matching §5's "captured up to a bounded buffer" requirement.
type boundedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	if b.n >= b.limit {
		return len(p), nil
	}
	room := b.limit - b.n
	if room > len(p) {
		room = len(p)
	}
	written, err := b.w.Write(p[:room])
	b.n += written
	return len(p), err
}
