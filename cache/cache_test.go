package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"

	. "github.com/skipor/lanecache/testutil"
)

var _ = Describe("Cache", func() {
	var (
		ctx     context.Context
		backing *MockBackingStore
		conf    Config[string]
		policy  WritePolicy[string, int]
		c       *Cache[string, int]
	)
	BeforeEach(func() {
		ctx = context.Background()
		backing = NewMockBackingStore()
		backing.On("Put", mock.Anything, mock.Anything).Return(nil).Maybe()
		backing.On("Delete", mock.Anything).Return(nil).Maybe()
		conf = Config[string]{Capacity: 2, Lanes: 4}
		policy = WriteThrough[string, int]()
	})
	JustBeforeEach(func() {
		var err error
		c, err = New[string, int](testLog, conf, backing, policy)
		Expect(err).NotTo(HaveOccurred())
	})
	AfterEach(func() {
		c.Close()
	})
	put := func(key string, v int) {
		ExpectWithOffset(1, c.Put(ctx, key, v)).To(Succeed())
	}
	expectHit := func(key string, v int) {
		actual, err := c.Get(ctx, key)
		ExpectWithOffset(1, err).NotTo(HaveOccurred(), key)
		ExpectWithOffset(1, actual).To(Equal(v), key)
	}
	expectMiss := func(key string) {
		_, err := c.Get(ctx, key)
		ExpectWithOffset(1, err).To(Equal(ErrMiss), key)
	}

	It("evicts least recently used across lanes", func() {
		put("A", 1)
		put("B", 2)
		put("C", 3)
		expectMiss("A")
		expectHit("B", 2)
		put("D", 4)
		expectMiss("C")
		expectHit("B", 2)
		expectHit("D", 4)
		Expect(c.Len()).To(Equal(2))
		Expect(c.Stats().Evictions).To(BeEquivalentTo(2))
		c.ExpectInvariantsOk()
	})

	It("get of absent key is miss and doesn't touch backing store", func() {
		backing.Set("A", 1)
		expectMiss("A")
		backing.AssertNotCalled(GinkgoT(), "Put", mock.Anything, mock.Anything)
		Expect(c.Stats().Misses).To(BeEquivalentTo(1))
	})

	It("put writes through", func() {
		put("A", 1)
		backing.AssertCalled(GinkgoT(), "Put", "A", 1)
		v, ok := backing.Get("A")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))
	})

	It("overwrite doesn't evict", func() {
		put("A", 1)
		put("B", 2)
		put("A", 10)
		expectHit("A", 10)
		expectHit("B", 2)
		Expect(c.Stats().Evictions).To(BeZero())
		c.ExpectInvariantsOk()
	})

	It("overwrite refreshes recency", func() {
		put("A", 1)
		put("B", 2)
		put("A", 1)
		put("C", 3)
		expectMiss("B")
		expectHit("A", 1)
	})

	It("remove", func() {
		put("A", 1)
		Expect(c.Remove(ctx, "A")).To(Succeed())
		expectMiss("A")
		Expect(c.Remove(ctx, "A")).To(Equal(ErrMiss))
		put("B", 2)
		put("C", 3)
		expectHit("B", 2)
		Expect(c.Stats().Evictions).To(BeZero())
		c.ExpectInvariantsOk()
	})

	Context("delete", func() {
		It("removes key from cache and backing store", func() {
			put("A", 1)
			Expect(c.Delete(ctx, "A")).To(Succeed())
			expectMiss("A")
			_, ok := backing.Get("A")
			Expect(ok).To(BeFalse())
			_, err := c.GetOrLoad(ctx, "A")
			Expect(err).To(Equal(ErrMiss))
			Expect(c.Delete(ctx, "A")).To(Equal(ErrMiss))
			c.ExpectInvariantsOk()
		})
		It("deletes evicted key from backing store", func() {
			put("A", 1)
			put("B", 2)
			put("C", 3)
			expectMiss("A")
			Expect(c.Delete(ctx, "A")).To(Succeed())
			_, ok := backing.Get("A")
			Expect(ok).To(BeFalse())
			expectHit("B", 2)
			expectHit("C", 3)
		})
		It("backing store failure is returned, key stays removed from cache", func() {
			failure := errors.New("backing store is down")
			backing.ExpectedCalls = nil
			backing.On("Put", mock.Anything, mock.Anything).Return(nil)
			backing.On("Delete", "A").Return(failure)
			put("A", 1)
			err := c.Delete(ctx, "A")
			Expect(err).To(BeAssignableToTypeOf(&BackingStoreError{}))
			Expect(errors.Cause(err)).To(Equal(failure))
			expectMiss("A")
			Expect(c.Stats().BackingErrors).To(BeEquivalentTo(1))
		})
	})

	Context("zero capacity", func() {
		BeforeEach(func() {
			conf.Capacity = 0
		})
		It("rejects every put", func() {
			Expect(c.Put(ctx, "A", 1)).To(Equal(ErrCapacityExceeded))
			expectMiss("A")
			Expect(c.Len()).To(BeZero())
			backing.AssertNotCalled(GinkgoT(), "Put", mock.Anything, mock.Anything)
		})
	})

	It("invalid config", func() {
		conf.Capacity = -1
		_, err := New[string, int](testLog, conf, backing, policy)
		Expect(err).To(HaveOccurred())
	})

	Context("cross lane eviction", func() {
		BeforeEach(func() {
			conf.Capacity = 1
			conf.Lanes = 2
			conf.Hash = func(k string) uint64 {
				if k == "a" {
					return 0
				}
				return 1
			}
		})
		It("removes victim from its lane", func() {
			Expect(c.IndexFor("a")).NotTo(Equal(c.IndexFor("b")))
			put("a", 1)
			put("b", 2)
			expectMiss("a")
			expectHit("b", 2)
			Expect(c.Stats().CrossLaneEvictions).To(BeEquivalentTo(1))
			c.ExpectInvariantsOk()
		})
	})

	Context("cross lane eviction timeout", func() {
		var started, release chan struct{}
		laneOf := map[string]uint64{"V": 0, "Z": 0, "X": 1, "K": 2, "K2": 3}
		BeforeEach(func() {
			conf.Capacity = 2
			conf.Lanes = 4
			conf.LaneTimeout = 20 * time.Millisecond
			conf.Hash = func(k string) uint64 { return laneOf[k] }
			started = make(chan struct{})
			release = make(chan struct{})
			backing.ExpectedCalls = nil
			backing.On("Put", mock.Anything, mock.Anything).Return(nil)
			backing.On("Delete", "Z").Run(func(mock.Arguments) {
				close(started)
				<-release
			}).Return(nil)
		})
		It("victim slot is not reused until victim is removed", func() {
			put("V", 1)
			put("X", 2)
			By("Block V lane.")
			deleted := make(chan error, 1)
			go func() {
				deleted <- c.Delete(ctx, "Z")
			}()
			Eventually(started).Should(BeClosed())

			Expect(c.Put(ctx, "K", 3)).To(Equal(ErrLaneTimeout))
			put("K2", 4)
			Expect(c.Len()).To(BeNumerically("<=", conf.Capacity))
			expectMiss("X")
			expectHit("K2", 4)

			close(release)
			Eventually(deleted).Should(Receive(Equal(ErrMiss)))
			Eventually(c.Len).Should(Equal(1))
			expectMiss("V")
			expectMiss("K")
			Expect(c.tracker.Pending()).To(BeZero())
			c.ExpectInvariantsOk()
		})
	})

	Context("write through failure", func() {
		var failure = errors.New("backing store is down")
		BeforeEach(func() {
			backing = NewMockBackingStore()
			backing.On("Put", "A", 1).Return(nil)
			backing.On("Put", "B", 2).Return(nil)
			backing.On("Put", "A", 10).Return(failure)
			backing.On("Put", "C", 3).Return(failure)
		})
		It("update restores previous value", func() {
			put("A", 1)
			err := c.Put(ctx, "A", 10)
			Expect(err).To(HaveOccurred())
			var bErr *BackingStoreError
			Expect(errors.As(err, &bErr)).To(BeTrue())
			Expect(bErr.Err).To(Equal(failure))
			Expect(errors.Cause(err)).To(Equal(failure))
			expectHit("A", 1)
			Expect(c.Stats().BackingErrors).To(BeEquivalentTo(1))
		})
		It("insert is removed, but victim stays evicted", func() {
			put("A", 1)
			put("B", 2)
			Expect(c.Put(ctx, "C", 3)).To(HaveOccurred())
			expectMiss("C")
			expectMiss("A")
			expectHit("B", 2)
			Expect(c.Len()).To(Equal(1))
			c.ExpectInvariantsOk()
		})
	})

	Context("write behind", func() {
		var (
			failure    = errors.New("backing store is down")
			failedLock sync.Mutex
			failed     []string
			wb         *WriteBehind[string, int]
		)
		BeforeEach(func() {
			failed = nil
			backing = NewMockBackingStore()
			backing.On("Put", "bad", mock.Anything).Return(failure)
			backing.On("Put", mock.Anything, mock.Anything).Return(nil)
			backing.On("Delete", mock.Anything).Return(nil)
			wb = NewWriteBehind[string, int](testLog, WriteBehindConfig[string]{
				Lanes: 2,
				OnError: func(key string, err error) {
					failedLock.Lock()
					failed = append(failed, fmt.Sprintf("%s: %v", key, err))
					failedLock.Unlock()
				},
			})
			policy = wb
		})
		It("put succeeds, backing store is written eventually", func() {
			put("A", 1)
			put("bad", 2)
			expectHit("bad", 2)
			Expect(c.Close()).To(Succeed())
			v, ok := backing.Get("A")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(1))
			_, ok = backing.Get("bad")
			Expect(ok).To(BeFalse())
			Expect(failed).To(Equal([]string{"bad: " + failure.Error()}))
			Expect(wb.Failed()).To(BeEquivalentTo(1))
		})
		It("writes of key are ordered", func() {
			for i := 0; i < 100; i++ {
				put("A", i)
			}
			Expect(c.Close()).To(Succeed())
			v, _ := backing.Get("A")
			Expect(v).To(Equal(99))
			Expect(wb.queued).To(BeEmpty())
		})

		Context("queued write of evicted key", func() {
			var release chan struct{}
			BeforeEach(func() {
				conf.Capacity = 1
				release = make(chan struct{})
				backing.ExpectedCalls = nil
				backing.On("Put", "A", 2).Run(func(mock.Arguments) { <-release }).Return(nil)
				backing.On("Put", mock.Anything, mock.Anything).Return(nil)
				backing.On("Delete", mock.Anything).Return(nil)
			})
			AfterEach(func() {
				close(release)
			})
			It("is loaded instead of stale backing value", func() {
				backing.Set("A", 1)
				put("A", 2)
				put("B", 3)
				expectMiss("A")
				v, err := c.GetOrLoad(ctx, "A")
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal(2))
			})
			It("can be deleted, and is not loaded after delete", func() {
				put("A", 2)
				put("B", 3)
				expectMiss("A")
				Expect(c.Delete(ctx, "A")).To(Succeed())
				_, err := c.GetOrLoad(ctx, "A")
				Expect(err).To(Equal(ErrMiss))
			})
		})
		It("delete is ordered after put", func() {
			put("A", 1)
			Expect(c.Delete(ctx, "A")).To(Succeed())
			Expect(c.Close()).To(Succeed())
			_, ok := backing.Get("A")
			Expect(ok).To(BeFalse())
			backing.AssertCalled(GinkgoT(), "Delete", "A")
		})
	})

	Context("get or load", func() {
		It("load keys of distinct values are distinct", func() {
			Expect(loadKey[any](1)).NotTo(Equal(loadKey[any]("1")))
			Expect(loadKey[any](1)).NotTo(Equal(loadKey[any](int64(1))))
			Expect(loadKey("a")).To(Equal(loadKey("a")))
		})
		Context("slow load", func() {
			var started, release chan struct{}
			BeforeEach(func() {
				started = make(chan struct{})
				release = make(chan struct{})
				policy = blockingLoadPolicy{WriteThrough[string, int](), started, release}
			})
			It("canceled waiter doesn't cancel load", func() {
				backing.Set("A", 1)
				cancelCtx, cancel := context.WithCancel(ctx)
				loadErr := make(chan error, 1)
				go func() {
					_, err := c.GetOrLoad(cancelCtx, "A")
					loadErr <- err
				}()
				Eventually(started).Should(BeClosed())
				cancel()
				Eventually(loadErr).Should(Receive(Equal(context.Canceled)))
				close(release)
				Eventually(func() error {
					_, err := c.Get(ctx, "A")
					return err
				}).Should(Succeed())
				Expect(c.Stats().Loads).To(BeEquivalentTo(1))
			})
		})
		It("loads miss from backing store without write back", func() {
			backing.Set("A", 1)
			v, err := c.GetOrLoad(ctx, "A")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(1))
			expectHit("A", 1)
			backing.AssertNotCalled(GinkgoT(), "Put", mock.Anything, mock.Anything)
			Expect(c.Stats().Loads).To(BeEquivalentTo(1))
		})
		It("miss in backing store", func() {
			_, err := c.GetOrLoad(ctx, "A")
			Expect(err).To(Equal(ErrMiss))
			Expect(IsMiss(err)).To(BeTrue())
		})
		It("loaded value evicts", func() {
			put("A", 1)
			put("B", 2)
			backing.Set("C", 3)
			v, err := c.GetOrLoad(ctx, "C")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(3))
			expectMiss("A")
			c.ExpectInvariantsOk()
		})
		It("hit is not loaded", func() {
			put("A", 1)
			backing.Set("A", 100)
			v, err := c.GetOrLoad(ctx, "A")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(1))
		})
	})

	It("operations after close fail", func() {
		put("A", 1)
		Expect(c.Close()).To(Succeed())
		Expect(c.Close()).To(Succeed())
		Expect(c.Put(ctx, "B", 2)).To(Equal(ErrClosed))
		_, err := c.Get(ctx, "A")
		Expect(err).To(Equal(ErrClosed))
	})

	Context("slow backing store", func() {
		var started, release chan struct{}
		BeforeEach(func() {
			started = make(chan struct{})
			release = make(chan struct{})
			backing = NewMockBackingStore()
			backing.On("Put", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
				close(started)
				<-release
			}).Return(nil)
			conf.Hash = sameLaneHash
		})
		It("wait is bounded by context", func() {
			putDone := make(chan error, 1)
			go func() {
				putDone <- c.Put(ctx, "A", 1)
			}()
			Eventually(started).Should(BeClosed())
			timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := c.Get(timeoutCtx, "B")
			Expect(err).To(Equal(context.DeadlineExceeded))
			close(release)
			Eventually(putDone).Should(Receive(BeNil()))
		})
	})

	Context("concurrent use", func() {
		BeforeEach(func() {
			conf.Capacity = 16
			conf.Lanes = 8
		})
		It("keeps capacity and store tracker consistency", func() {
			const (
				workers = 8
				ops     = 500
			)
			keys := RandKeys("key", 64)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				seed := Rand.Int63()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for j := int64(0); j < ops; j++ {
						key := keys[(seed+j*7)%int64(len(keys))]
						switch j % 4 {
						case 0, 1:
							err := c.Put(ctx, key, int(j))
							if err != nil {
								Expect(err).To(Equal(ErrCapacityExceeded))
							}
						case 2:
							_, err := c.Get(ctx, key)
							if err != nil {
								Expect(err).To(Equal(ErrMiss))
							}
						case 3:
							_, err := c.GetOrLoad(ctx, key)
							if err != nil {
								Expect(err).To(Equal(ErrMiss))
							}
						}
					}
				}()
			}
			wg.Wait()
			Expect(c.Len()).To(BeNumerically("<=", conf.Capacity))
			c.ExpectInvariantsOk()
			for _, k := range c.store.Keys() {
				_, err := c.Get(ctx, k)
				Expect(err).NotTo(HaveOccurred(), fmt.Sprint(k))
			}
		})

		It("puts of fewer keys than capacity are all kept", func() {
			const (
				writers = 16
				puts    = 50
			)
			keys := RandKeys("key", 10)
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				w := w
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for i := 0; i < puts; i++ {
						for _, key := range keys {
							Expect(c.Put(ctx, key, w*puts+i)).To(Succeed())
						}
					}
				}()
			}
			wg.Wait()
			Expect(c.Len()).To(Equal(len(keys)))
			Expect(c.Stats().Evictions).To(BeZero())
			// Final value of key is the last put of some writer.
			lastPuts := make([]interface{}, writers)
			for w := range lastPuts {
				lastPuts[w] = w*puts + puts - 1
			}
			for _, key := range keys {
				v, err := c.Get(ctx, key)
				Expect(err).NotTo(HaveOccurred(), key)
				Expect(v).To(BeElementOf(lastPuts...), key)
				stored, ok := backing.Get(key)
				Expect(ok).To(BeTrue(), key)
				Expect(stored).To(Equal(v), key)
			}
			c.ExpectInvariantsOk()
		})
	})
})

// blockingLoadPolicy blocks backing store read until release.
type blockingLoadPolicy struct {
	WritePolicy[string, int]
	started, release chan struct{}
}

func (p blockingLoadPolicy) Get(key string, b BackingStore[string, int]) (int, bool) {
	close(p.started)
	<-p.release
	return p.WritePolicy.Get(key, b)
}
