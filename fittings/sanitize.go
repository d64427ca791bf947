package fittings

import (
	"context"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/fitting"
)

// Sanitize strips unsafe HTML from each string input using policy,
// emitting the cleaned string. It demonstrates a fitting wired entirely
// off a third-party dependency the teacher's go.mod lists but never
// actually imports (see DESIGN.md's bluemonday entry) — pass
// bluemonday.UGCPolicy() for a sensible default.
func Sanitize(policy *bluemonday.Policy) fitting.Behavior {
	return fitting.FuncBehavior{
		ProcessFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
			html, ok := in.Value.(string)
			if !ok {
				return fitting.VerdictError, state, xerrors.Errorf("sanitize: input %T is not a string", in.Value)
			}
			clean := policy.Sanitize(html)
			if err := emit.Emit(ctx, clean); err != nil {
				return fitting.VerdictError, state, err
			}
			return fitting.VerdictOK, state, nil
		},
	}
}
