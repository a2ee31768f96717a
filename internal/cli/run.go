package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Run is the CLI entrypoint used by main and black-box tests. args excludes
// argv[0]. Help text and logs go to stderr.
func Run(ctx context.Context, args []string, stderr io.Writer) (Result, error) {
	inv, err := ParseInvocation(args)
	if err != nil {
		if errors.Is(err, ErrHelp) {
			fmt.Fprint(stderr, Usage())
			return Result{ExitCode: ExitSuccess}, nil
		}
		return Result{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, inv, stderr)
}
