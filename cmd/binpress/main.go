// Command binpress is the CLI front-end for the embedder of spec §6.2:
// one positional input argument, the three output-mode flags (-o/-d/-u),
// and the target-override flags, dispatched straight into internal/embed.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/compress"
	"github.com/xyproto/binpress/internal/embed"
	"github.com/xyproto/binpress/internal/stubreg"
	"github.com/xyproto/binpress/internal/xlog"
)

// versionString follows the teacher's `<name> <semver>` convention
// (xyproto-vibe67/main.go's versionString).
const versionString = "binpress 1.0.0"

var log = xlog.New("smol:cli")

func main() {
	os.Exit(run())
}

// run is split out from main so the signal-handling wrapper below can
// recover from a hardware-fault panic and still return a proper exit code
// (os.Exit inside main would skip deferred recovery).
func run() int {
	debug.SetTraceback("system")
	installSignalHandler()

	code := 0
	func() {
		defer func() {
			if r := recover(); r != nil {
				code = handleFatalPanic(r)
			}
		}()
		code = execute()
	}()
	return code
}

// installSignalHandler wires SIGINT/SIGTERM/SIGHUP to an orderly exit
// (§5): no in-flight rewrite holds a lock or partial output that needs
// unwinding beyond what defer chains already do, so the handler's job is
// just to stop the process promptly rather than leave it hung waiting on
// nothing.
func installSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Warn(fmt.Sprintf("received %s, exiting", sig))
		os.Exit(130)
	}()
}

// handleFatalPanic maps a recovered runtime.Error believed to originate
// from a hardware fault (SIGSEGV/SIGILL/SIGFPE/SIGABRT) to the
// 128+signum convention of §5. The Go runtime converts these signals into
// a panic before user code ever sees them (there is no supported way to
// intercept the raw signal on a hosted Go binary); this handler is the
// documented approximation of that requirement, not a literal signal trap.
func handleFatalPanic(r any) int {
	log.Error(fmt.Sprintf("fatal: %v", r))
	signum := int(syscall.SIGABRT)
	return 128 + signum
}

func execute() int {
	opts := embed.Options{Algorithm: compress.LZFSE}
	var algoFlag string

	root := &cobra.Command{
		Use:           "binpress <input>",
		Short:         "pack an executable into a self-extracting or data-only archive",
		Version:       versionString,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.InputPath = args[0]
			if a, ok := parseAlgorithm(algoFlag); ok {
				opts.Algorithm = a
			} else if algoFlag != "" {
				return bperrors.Arg("unknown --algorithm %q", algoFlag)
			}
			return embed.Run(stubreg.NewRegistry(), opts)
		},
	}

	root.Flags().StringVarP(&opts.ExeOutputPath, "output", "o", "", "write a self-extracting stub to this path")
	root.Flags().StringVarP(&opts.DataOutputPath, "data-output", "d", "", "write the raw framed payload to this path")
	root.Flags().StringVarP(&opts.UpdatePath, "update", "u", "", "re-embed into this existing stub/executable (overwritten in place unless -o is also given)")
	root.Flags().StringVar(&opts.Target, "target", "", "combined target triple: platform-arch[-libc]")
	root.Flags().StringVar(&opts.PlatformOverride, "target-platform", "", "linux|darwin|win32")
	root.Flags().StringVar(&opts.ArchOverride, "target-arch", "", "x64|arm64")
	root.Flags().StringVar(&opts.LibcOverride, "target-libc", "", "glibc|musl")
	root.Flags().StringVar(&algoFlag, "algorithm", "", "lzfse|lzma|xpress (default lzfse)")
	root.Flags().BoolP("version", "v", false, "print version information and exit")
	root.SetVersionTemplate(versionString + "\n")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		return 1
	}
	return 0
}

func parseAlgorithm(s string) (compress.Algorithm, bool) {
	switch s {
	case "lzfse":
		return compress.LZFSE, true
	case "lzma":
		return compress.LZMA, true
	case "xpress":
		return compress.XPRESS, true
	default:
		return compress.LZFSE, false
	}
}

// formatError renders a bperrors.Error with its taxonomy kind visible
// (§7: "surfaced with human-readable context on stderr"), falling back to
// the plain error text for anything cobra itself produced (flag parse
// errors never carry a Kind).
func formatError(err error) string {
	if be, ok := bperrors.As(err); ok {
		return fmt.Sprintf("error: %s", be.Error())
	}
	return fmt.Sprintf("error: %v", err)
}
