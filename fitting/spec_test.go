package fitting

import (
	"context"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/fitmesh/fitmesh/ringhash"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(SpecTestSuite))

type SpecTestSuite struct{}

func (s SpecTestSuite) TestValidateRejectsZeroValues(c *gc.C) {
	spec := Spec{Name: "stage", Behavior: "pass", NVal: 1, QLimit: 1}
	c.Assert(spec.Validate(), gc.IsNil)

	bad := spec
	bad.Name = ""
	c.Assert(bad.Validate(), gc.NotNil)

	bad = spec
	bad.Behavior = ""
	c.Assert(bad.Validate(), gc.NotNil)

	bad = spec
	bad.NVal = 0
	c.Assert(bad.Validate(), gc.NotNil)

	bad = spec
	bad.QLimit = 0
	c.Assert(bad.Validate(), gc.NotNil)
}

func (s SpecTestSuite) TestFollowPartitionerHashReturnsError(c *gc.C) {
	c.Assert(Follow.IsFollow(), gc.Equals, true)
	_, err := Follow.Hash("anything")
	c.Assert(err, gc.NotNil)
}

func (s SpecTestSuite) TestConstPartitionerAlwaysSameKey(c *gc.C) {
	key := ringhash.StringKey("k")
	p := Const(key)
	c.Assert(p.IsFollow(), gc.Equals, false)
	got, err := p.Hash("whatever value")
	c.Assert(err, gc.IsNil)
	c.Assert(got, gc.DeepEquals, key)
}

func (s SpecTestSuite) TestRegistryLookup(c *gc.C) {
	reg := NewRegistry()
	_, ok := reg.Lookup("missing")
	c.Assert(ok, gc.Equals, false)

	b := FuncBehavior{}
	reg.Register("noop", b)
	_, ok = reg.Lookup("noop")
	c.Assert(ok, gc.Equals, true)
}

func (s SpecTestSuite) TestFuncBehaviorDefaultsAreSafe(c *gc.C) {
	b := FuncBehavior{}
	state, err := b.Init(context.Background(), ringhash.Partition(0), Details{})
	c.Assert(err, gc.IsNil)
	c.Assert(state, gc.IsNil)

	// Done with no DoneFunc must not panic.
	b.Done(context.Background(), nil, nil)

	c.Assert(b.ValidateArg(nil), gc.IsNil)

	_, err = b.Archive(context.Background(), nil)
	c.Assert(err, gc.NotNil)

	_, err = b.Handoff(context.Background(), nil, nil)
	c.Assert(err, gc.NotNil)
}

func (s SpecTestSuite) TestVerdictString(c *gc.C) {
	c.Assert(VerdictOK.String(), gc.Equals, "ok")
	c.Assert(VerdictForwardPreflist.String(), gc.Equals, "forward_preflist")
	c.Assert(VerdictError.String(), gc.Equals, "error")
	c.Assert(Verdict(99).String(), gc.Equals, "unknown")
}
