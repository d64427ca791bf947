package fittings

import (
	"context"
	"testing"

	"github.com/microcosm-cc/bluemonday"
	gc "gopkg.in/check.v1"

	"github.com/fitmesh/fitmesh/fitting"
)

var _ = gc.Suite(new(SanitizeTestSuite))

type SanitizeTestSuite struct{}

func (s SanitizeTestSuite) TestSanitizeStripsScriptTags(c *gc.C) {
	b := Sanitize(bluemonday.UGCPolicy())
	emit := &captureEmitter{}

	dirty := `<p>hello</p><script>alert(1)</script>`
	_, _, err := b.Process(context.Background(), emit, nil, fitting.ProcessInput{Value: dirty})
	c.Assert(err, gc.IsNil)
	c.Assert(emit.emitted, gc.HasLen, 1)

	clean := emit.emitted[0].(string)
	c.Assert(clean, gc.Not(gc.Equals), dirty)
	for _, bad := range []string{"<script>", "alert(1)"} {
		c.Assert(contains(clean, bad), gc.Equals, false, gc.Commentf("sanitized output %q still contains %q", clean, bad))
	}
}

func (s SanitizeTestSuite) TestSanitizeRejectsNonStringInput(c *gc.C) {
	b := Sanitize(bluemonday.UGCPolicy())
	emit := &captureEmitter{}
	_, _, err := b.Process(context.Background(), emit, nil, fitting.ProcessInput{Value: 7})
	c.Assert(err, gc.NotNil)
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
