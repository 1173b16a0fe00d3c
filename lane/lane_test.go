package lane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Dispatcher", func() {
	var d *Dispatcher[int]
	BeforeEach(func() {
		d = New(testLog, Config[int]{Lanes: 4, QueueSize: 8})
	})
	AfterEach(func() {
		d.Close()
	})

	It("index is stable and in range", func() {
		for k := 0; k < 100; k++ {
			i := d.IndexFor(k)
			Expect(i).To(BeNumerically(">=", 0))
			Expect(i).To(BeNumerically("<", 4))
			Expect(d.IndexFor(k)).To(Equal(i))
		}
	})

	It("executes tasks of key in submission order", func() {
		const n = 1000
		var (
			lock  sync.Mutex
			order []int
		)
		futures := make([]*Future[int], n)
		for i := 0; i < n; i++ {
			i := i
			futures[i] = Submit(d, 42, func() (int, error) {
				lock.Lock()
				order = append(order, i)
				lock.Unlock()
				return i, nil
			})
		}
		for i, f := range futures {
			v, err := f.WaitTimeout(time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(i))
		}
		for i, v := range order {
			Expect(v).To(Equal(i))
		}
	})

	It("executes lanes in parallel", func() {
		var a, b int
		for a = 0; d.IndexFor(a) == d.IndexFor(b); a++ {
		}
		block := make(chan struct{})
		Submit(d, b, func() (struct{}, error) {
			<-block
			return struct{}{}, nil
		})
		v, err := Submit(d, a, func() (int, error) { return 1, nil }).WaitTimeout(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(1))
		close(block)
	})

	It("failed task doesn't poison lane", func() {
		failure := errors.New("fail")
		_, err := Submit(d, 1, func() (int, error) { return 0, failure }).WaitTimeout(time.Second)
		Expect(err).To(Equal(failure))
		v, err := Submit(d, 1, func() (int, error) { return 2, nil }).WaitTimeout(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(2))
	})

	It("panic is returned as error", func() {
		_, err := Submit(d, 1, func() (int, error) { panic("boom") }).WaitTimeout(time.Second)
		var pErr *PanicError
		Expect(errors.As(err, &pErr)).To(BeTrue())
		Expect(pErr.Value).To(Equal("boom"))
		_, err = Submit(d, 1, func() (int, error) { return 0, nil }).WaitTimeout(time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	It("wait is bounded", func() {
		block := make(chan struct{})
		defer close(block)
		f := Submit(d, 1, func() (int, error) {
			<-block
			return 0, nil
		})
		_, err := f.WaitTimeout(10 * time.Millisecond)
		Expect(err).To(Equal(ErrTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = f.Wait(ctx)
		Expect(err).To(Equal(context.DeadlineExceeded))
		Consistently(f.Done(), 10*time.Millisecond).ShouldNot(BeClosed())
	})

	It("lanes awaiting each other priority tasks don't deadlock", func() {
		var a, b int
		for a = 0; d.IndexFor(a) == d.IndexFor(b); a++ {
		}
		var barrier sync.WaitGroup
		barrier.Add(2)
		cross := func(self, other int) *Future[int] {
			return Submit(d, self, func() (int, error) {
				barrier.Done()
				barrier.Wait()
				pf := SubmitPriority(d, other, func() (int, error) { return other, nil })
				err := d.Await(d.IndexFor(self), pf.Done(), time.Second)
				if err != nil {
					return 0, err
				}
				return pf.Result()
			})
		}
		fa, fb := cross(a, b), cross(b, a)
		v, err := fa.WaitTimeout(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(b))
		v, err = fb.WaitTimeout(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(a))
	})

	It("await times out", func() {
		err := d.Await(0, make(chan struct{}), 10*time.Millisecond)
		Expect(err).To(Equal(ErrTimeout))
	})

	It("close drains queues and rejects new tasks", func() {
		var executed int64
		block := make(chan struct{})
		Submit(d, 1, func() (struct{}, error) {
			<-block
			return struct{}{}, nil
		})
		for i := 0; i < 5; i++ {
			Submit(d, 1, func() (struct{}, error) {
				atomic.AddInt64(&executed, 1)
				return struct{}{}, nil
			})
		}
		closed := make(chan struct{})
		go func() {
			d.Close()
			close(closed)
		}()
		Consistently(closed, 20*time.Millisecond).ShouldNot(BeClosed())
		close(block)
		Eventually(closed).Should(BeClosed())
		Expect(atomic.LoadInt64(&executed)).To(BeEquivalentTo(5))
		_, err := Submit(d, 1, func() (int, error) { return 0, nil }).WaitTimeout(time.Second)
		Expect(err).To(Equal(ErrClosed))
	})

	It("invalid lanes number", func() {
		Expect(func() { New(testLog, Config[int]{}) }).To(Panic())
	})
})

var _ = Describe("HashKey", func() {
	It("is deterministic", func() {
		Expect(HashKey("a")).To(Equal(HashKey("a")))
		Expect(HashKey(1)).To(Equal(HashKey(1)))
		Expect(HashKey(1)).NotTo(Equal(HashKey(2)))
		type point struct{ X, Y int }
		Expect(HashKey(point{1, 2})).To(Equal(HashKey(point{1, 2})))
	})
})
