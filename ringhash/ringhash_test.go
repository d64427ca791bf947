package ringhash

import (
	"testing"

	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(RingTestSuite))

type RingTestSuite struct{}

func (s RingTestSuite) TestNewStaticRingRejectsInvalidInput(c *gc.C) {
	_, err := NewStaticRing(0, []Node{{ID: "a"}})
	c.Assert(err, gc.NotNil)

	_, err = NewStaticRing(4, nil)
	c.Assert(err, gc.NotNil)
}

func (s RingTestSuite) TestPreflistLengthAndDistinctness(c *gc.C) {
	nodes := []Node{{ID: "n1", Addr: "a1"}, {ID: "n2", Addr: "a2"}, {ID: "n3", Addr: "a3"}}
	ring, err := NewStaticRing(8, nodes)
	c.Assert(err, gc.IsNil)

	preflist, err := ring.Preflist(StringKey("some-key"), 3)
	c.Assert(err, gc.IsNil)
	c.Assert(preflist, gc.HasLen, 3)

	seen := make(map[Partition]bool)
	for _, ref := range preflist {
		c.Assert(seen[ref.Partition], gc.Equals, false, gc.Commentf("duplicate partition %d in preflist", ref.Partition))
		seen[ref.Partition] = true
	}
}

func (s RingTestSuite) TestPreflistClampsToRingSize(c *gc.C) {
	ring, err := NewStaticRing(2, []Node{{ID: "n1"}})
	c.Assert(err, gc.IsNil)

	preflist, err := ring.Preflist(StringKey("k"), 10)
	c.Assert(err, gc.IsNil)
	c.Assert(preflist, gc.HasLen, 2)
}

func (s RingTestSuite) TestPreflistIsDeterministic(c *gc.C) {
	nodes := []Node{{ID: "n1"}, {ID: "n2"}}
	ring, err := NewStaticRing(16, nodes)
	c.Assert(err, gc.IsNil)

	first, err := ring.Preflist(StringKey("stable-key"), 2)
	c.Assert(err, gc.IsNil)
	second, err := ring.Preflist(StringKey("stable-key"), 2)
	c.Assert(err, gc.IsNil)
	c.Assert(first, gc.DeepEquals, second)
}

func (s RingTestSuite) TestOwnerOutOfRange(c *gc.C) {
	ring, err := NewStaticRing(2, []Node{{ID: "n1"}})
	c.Assert(err, gc.IsNil)

	_, ok := ring.Owner(Partition(99))
	c.Assert(ok, gc.Equals, false)

	_, ok = ring.Owner(Partition(0))
	c.Assert(ok, gc.Equals, true)
}

func (s RingTestSuite) TestEmptyRingPreflistErrors(c *gc.C) {
	ring := &StaticRing{}
	_, err := ring.Preflist(StringKey("k"), 1)
	c.Assert(err, gc.Equals, ErrEmptyRing)
}

func (s RingTestSuite) TestSetNodesReassigns(c *gc.C) {
	ring, err := NewStaticRing(4, []Node{{ID: "n1"}})
	c.Assert(err, gc.IsNil)

	owner, _ := ring.Owner(Partition(0))
	c.Assert(owner.ID, gc.Equals, "n1")

	c.Assert(ring.SetNodes([]Node{{ID: "n2"}}), gc.IsNil)
	owner, _ = ring.Owner(Partition(0))
	c.Assert(owner.ID, gc.Equals, "n2")

	c.Assert(ring.SetNodes(nil), gc.NotNil)
}
