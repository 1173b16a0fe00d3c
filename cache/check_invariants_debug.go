//go:build debug
// +build debug

// Gomega should not be dependency in non-debug build.

package cache

import (
	"errors"
	"log"

	"github.com/facebookgo/stackerr"
	. "github.com/onsi/gomega"
)

var _ = func() (_ struct{}) {
	RegisterFailHandler(GomegaFailHandler)
	return
}()

func GomegaFailHandler(message string, callerSkip ...int) {
	skip := 1
	if len(callerSkip) > 0 {
		skip += callerSkip[0]
	}
	log.Fatal("FATAL: invariants are broken:", stackerr.WrapSkip(errors.New(message), skip))
}

func (l *recencyList[K]) checkInvariants() {
	Expect(l.nodes[fakeHead].prev).To(BeEquivalentTo(fakeHead))
	Expect(l.nodes[fakeTail].next).To(BeEquivalentTo(fakeHead))
	free := map[handle]bool{}
	for _, h := range l.free {
		Expect(h >= firstNode).To(BeTrue(), "fake node released")
		Expect(free[h]).To(BeFalse(), "node released twice")
		free[h] = true
	}
	var owned int
	for h := l.nodes[fakeHead].next; !l.end(h); h = l.next(h) {
		owned++
		Expect(free[h]).To(BeFalse(), "released node in list")
		Expect(l.nodes[l.nodes[h].prev].next).To(Equal(h))
	}
	Expect(owned).To(Equal(l.len))
	Expect(owned + len(l.free) + int(firstNode)).To(Equal(len(l.nodes)), "node leaked")
}

// checkInvariants requires tracker lock be acquired.
func (t *tracker[K]) checkInvariants() {
	t.list.checkInvariants()
	ExpectWithOffset(1, len(t.index)).To(Equal(t.list.len), "index and list diverged")
	Expect(t.pending >= 0).To(BeTrue(), "negative pending victims")
	for h := t.list.nodes[fakeHead].next; !t.list.end(h); h = t.list.next(h) {
		ih, ok := t.index[t.list.key(h)]
		Expect(ok).To(BeTrue(), "no index ref to node")
		Expect(ih).To(Equal(h), "index refs to another node")
	}
}
