package main

import (
	sdk "github.com/kination/helmsman/pkg/sdk/go"
)

// Compound descriptions run after their subtasks, with results bound to the
// declared parameters and to HELMSMAN_ARGS.
func main() {
	sdk.Sequence(`echo "build: $HELMSMAN_BUILD, tests: $HELMSMAN_TESTS"`,
		sdk.Atomic("go build ./... && echo ok"),
		sdk.Map(`echo "$HELMSMAN_ARGS" | grep -c ok`,
			sdk.Atomic("go test ./internal/... >/dev/null && echo ok"),
			sdk.Atomic("go test ./pkg/... >/dev/null && echo ok"),
		),
	).With("build", "").With("tests", "").Serve()
}
