package fittings

import (
	"context"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/fitmesh/fitmesh/fitting"
)

var _ = gc.Suite(new(TextIndexTestSuite))

type TextIndexTestSuite struct{}

func (s TextIndexTestSuite) TestIndexThenSearchFindsMatch(c *gc.C) {
	behavior, ti, err := NewTextIndex()
	c.Assert(err, gc.IsNil)

	emit := &captureEmitter{}
	docs := []Document{
		{ID: "doc-1", Title: "Consistent hashing", Content: "partitions and preflists"},
		{ID: "doc-2", Title: "Unrelated", Content: "something else entirely"},
	}
	for _, d := range docs {
		_, _, err := behavior.Process(context.Background(), emit, nil, fitting.ProcessInput{Value: d})
		c.Assert(err, gc.IsNil)
	}
	c.Assert(emit.emitted, gc.DeepEquals, []interface{}{"doc-1", "doc-2"})

	ids, err := ti.Search(context.Background(), "preflists")
	c.Assert(err, gc.IsNil)
	c.Assert(ids, gc.DeepEquals, []string{"doc-1"})
}

func (s TextIndexTestSuite) TestProcessRejectsMissingID(c *gc.C) {
	behavior, _, err := NewTextIndex()
	c.Assert(err, gc.IsNil)

	emit := &captureEmitter{}
	_, _, err = behavior.Process(context.Background(), emit, nil, fitting.ProcessInput{Value: Document{Title: "no id"}})
	c.Assert(err, gc.NotNil)
}

func (s TextIndexTestSuite) TestProcessRejectsWrongType(c *gc.C) {
	behavior, _, err := NewTextIndex()
	c.Assert(err, gc.IsNil)

	emit := &captureEmitter{}
	_, _, err = behavior.Process(context.Background(), emit, nil, fitting.ProcessInput{Value: "not a document"})
	c.Assert(err, gc.NotNil)
}
