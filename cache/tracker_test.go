package cache

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("recency list", func() {
	var l *recencyList[string]
	BeforeEach(func() {
		l = newRecencyList[string](2)
	})

	It("empty", func() {
		_, ok := l.front()
		Expect(ok).To(BeFalse())
		Expect(l.keys()).To(BeEmpty())
	})

	It("orders from least to most recent", func() {
		a := l.pushBack("a")
		l.pushBack("b")
		l.pushBack("c")
		Expect(l.keys()).To(Equal([]string{"a", "b", "c"}))
		l.moveToBack(a)
		Expect(l.keys()).To(Equal([]string{"b", "c", "a"}))
		h, ok := l.front()
		Expect(ok).To(BeTrue())
		Expect(l.key(h)).To(Equal("b"))
	})

	It("reuses released nodes", func() {
		a := l.pushBack("a")
		l.pushBack("b")
		Expect(l.remove(a)).To(Equal("a"))
		Expect(l.len).To(Equal(1))
		c := l.pushBack("c")
		Expect(c).To(Equal(a))
		Expect(l.nodes).To(HaveLen(int(firstNode) + 2))
		Expect(l.keys()).To(Equal([]string{"b", "c"}))
	})

	It("rekey keeps position", func() {
		a := l.pushBack("a")
		l.pushBack("b")
		l.rekey(a, "x")
		Expect(l.keys()).To(Equal([]string{"x", "b"}))
	})

	It("fake node detach panics", func() {
		Expect(func() { l.detach(fakeHead) }).To(Panic())
	})
})

var _ = Describe("tracker", func() {
	var t *tracker[string]
	BeforeEach(func() {
		t = newTracker[string](3)
	})
	admit := func(keys ...string) {
		for _, k := range keys {
			_, err := t.Admit(k)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	It("admits within capacity without eviction", func() {
		admit("a", "b", "c")
		Expect(t.Len()).To(Equal(3))
		Expect(t.Keys()).To(Equal([]string{"a", "b", "c"}))
	})

	It("evicts least recently used on overflow", func() {
		admit("a", "b", "c")
		a, err := t.Admit("d")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.evicted).To(BeTrue())
		Expect(a.existed).To(BeFalse())
		Expect(a.victim).To(Equal("a"))
		Expect(t.Contains("a")).To(BeFalse())
		Expect(t.Keys()).To(Equal([]string{"b", "c", "d"}))
	})

	It("promote resets recency", func() {
		admit("a", "b", "c")
		Expect(t.Promote("a")).To(BeTrue())
		Expect(t.Promote("x")).To(BeFalse())
		a, _ := t.Admit("d")
		Expect(a.victim).To(Equal("b"))
	})

	It("admit of tracked key refreshes it", func() {
		admit("a", "b", "c")
		a, err := t.Admit("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.existed).To(BeTrue())
		Expect(a.evicted).To(BeFalse())
		Expect(t.Keys()).To(Equal([]string{"b", "c", "a"}))
	})

	It("evict one and remove", func() {
		admit("a", "b")
		k, ok := t.EvictOne()
		Expect(ok).To(BeTrue())
		Expect(k).To(Equal("a"))
		Expect(t.Remove("b")).To(BeTrue())
		Expect(t.Remove("b")).To(BeFalse())
		_, ok = t.EvictOne()
		Expect(ok).To(BeFalse())
	})

	It("touch adds untracked key", func() {
		t.Touch("a")
		t.Touch("b")
		t.Touch("a")
		Expect(t.Keys()).To(Equal([]string{"b", "a"}))
	})

	It("evicted victim holds slot until released", func() {
		admit("a", "b", "c")
		a, err := t.Admit("d")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.evicted).To(BeTrue())
		Expect(t.Pending()).To(Equal(1))
		Expect(t.Remove("d")).To(BeTrue())

		By("Slot of removed key is not free, while victim is pending.")
		a, err = t.Admit("e")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.evicted).To(BeTrue())
		Expect(a.victim).To(Equal("b"))
		Expect(t.Pending()).To(Equal(2))

		t.Released()
		t.Released()
		Expect(t.Pending()).To(BeZero())
		a, err = t.Admit("f")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.evicted).To(BeFalse())
		Expect(t.Keys()).To(Equal([]string{"c", "e", "f"}))
	})

	It("release without eviction panics", func() {
		Expect(func() { t.Released() }).To(Panic())
	})

	It("zero capacity rejects admit", func() {
		t = newTracker[string](0)
		_, err := t.Admit("a")
		Expect(err).To(Equal(ErrCapacityExceeded))
		Expect(t.Len()).To(BeZero())
	})
})

var _ = Describe("store", func() {
	It("get put remove", func() {
		s := NewStore[string, int]()
		_, ok := s.Get("a")
		Expect(ok).To(BeFalse())
		s.Put("a", 1)
		s.Put("a", 2)
		v, ok := s.Get("a")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(2))
		Expect(s.Len()).To(Equal(1))
		v, ok = s.Remove("a")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(2))
		_, ok = s.Remove("a")
		Expect(ok).To(BeFalse())
		Expect(s.Keys()).To(BeEmpty())
	})
})
