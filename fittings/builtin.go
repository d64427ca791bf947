// Package fittings provides the reference stage behaviors spec.md treats
// as out-of-scope built-ins (pass/tee/transform/reduce/get), plus two
// demo behaviors (sanitize, textindex) adapted from the teacher's
// crawler and textindexer packages to show a real third-party dependency
// exercising the fitting.Behavior contract end to end.
package fittings

import (
	"context"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/ringhash"
)

// RegisterBuiltins adds the argument-free behaviors pass, tee and get (the
// latter over http.DefaultClient) to reg under those names. Transform,
// Reduce, Sanitize and TextIndex need caller-supplied arguments and are not
// registered here.
func RegisterBuiltins(reg *fitting.Registry) {
	reg.Register("pass", Pass())
	reg.Register("tee", Tee())
	reg.Register("get", Get(http.DefaultClient))
}

// Pass emits every input unchanged, the identity fitting used by the
// engine's S1 scenario.
func Pass() fitting.Behavior {
	return fitting.FuncBehavior{
		ProcessFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
			if err := emit.Emit(ctx, in.Value); err != nil {
				return fitting.VerdictError, state, err
			}
			return fitting.VerdictOK, state, nil
		},
	}
}

// Tee emits every input unchanged downstream and additionally writes it to
// the pipeline's log/trace feed, mirroring a shell `tee` splitting one
// stream into two destinations.
func Tee() fitting.Behavior {
	return fitting.FuncBehavior{
		ProcessFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
			emit.Logf("tee: %v", in.Value)
			if err := emit.Emit(ctx, in.Value); err != nil {
				return fitting.VerdictError, state, err
			}
			return fitting.VerdictOK, state, nil
		},
	}
}

// TransformFunc maps one input value to one output value.
type TransformFunc func(value interface{}) (interface{}, error)

// Transform applies fn to each input and emits the result. A nil result
// with a nil error discards the input without emitting (matching the
// teacher's "return nil payload to discard" convention in
// pipeline/stage.go's fifo.Run).
func Transform(fn TransformFunc) fitting.Behavior {
	return fitting.FuncBehavior{
		ProcessFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
			out, err := fn(in.Value)
			if err != nil {
				return fitting.VerdictError, state, err
			}
			if out == nil {
				return fitting.VerdictOK, state, nil
			}
			if err := emit.Emit(ctx, out); err != nil {
				return fitting.VerdictError, state, err
			}
			return fitting.VerdictOK, state, nil
		},
	}
}

// KeyedValue is the shape Reduce expects each input to carry: a grouping
// key plus the value to fold into that key's accumulator.
type KeyedValue struct {
	Key   string
	Value interface{}
}

// CombineFunc folds value into acc (which is nil on the first call for a
// given key) and returns the updated accumulator.
type CombineFunc func(acc interface{}, value interface{}) interface{}

type reduceState struct {
	acc map[string]interface{}
}

// Reduce groups inputs by KeyedValue.Key and folds their values with
// combine, emitting one KeyedValue per key only once EOI drains the
// worker's queue (spec.md S3: "on EOI expect outputs (a,4),(b,6)").
func Reduce(combine CombineFunc) fitting.Behavior {
	return fitting.FuncBehavior{
		InitFunc: func(ctx context.Context, partition ringhash.Partition, details fitting.Details) (fitting.State, error) {
			return &reduceState{acc: make(map[string]interface{})}, nil
		},
		ProcessFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
			kv, ok := in.Value.(KeyedValue)
			if !ok {
				return fitting.VerdictError, state, xerrors.Errorf("reduce: input %T is not a fittings.KeyedValue", in.Value)
			}
			rs := state.(*reduceState)
			rs.acc[kv.Key] = combine(rs.acc[kv.Key], kv.Value)
			return fitting.VerdictOK, rs, nil
		},
		DoneFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State) {
			rs := state.(*reduceState)
			for k, v := range rs.acc {
				_ = emit.Emit(ctx, KeyedValue{Key: k, Value: v})
			}
		},
	}
}

// URLGetter is implemented by objects that can perform HTTP GET requests,
// grounded on crawler/link_fetcher.go's collaborator interface of the same
// shape.
type URLGetter interface {
	Get(url string) (*http.Response, error)
}

// Get treats each input as a URL string, issues an HTTP GET through
// getter, and emits the response status code (the body is not read). It is a
// minimal, dependency-free stand-in for the teacher's link-fetching
// pipeline stage — real deployments supply their own URLGetter (or a
// Transform/Get-less custom behavior) for anything richer.
func Get(getter URLGetter) fitting.Behavior {
	return fitting.FuncBehavior{
		ProcessFunc: func(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
			url, ok := in.Value.(string)
			if !ok {
				return fitting.VerdictError, state, xerrors.Errorf("get: input %T is not a URL string", in.Value)
			}
			resp, err := getter.Get(url)
			if err != nil {
				return fitting.VerdictError, state, xerrors.Errorf("get %q: %w", url, err)
			}
			defer resp.Body.Close()
			if err := emit.Emit(ctx, resp.StatusCode); err != nil {
				return fitting.VerdictError, state, err
			}
			return fitting.VerdictOK, state, nil
		},
	}
}
