package actorpool_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nightforge/actorpool"
)

// recordingTask appends its sequence number to a shared, mutex-guarded log
// when run, letting a test assert FIFO order for one actor.
func recordingTask(mu *sync.Mutex, log *[]int, seq int) actorpool.TaskFunc {
	return func(ctx context.Context) {
		mu.Lock()
		*log = append(*log, seq)
		mu.Unlock()
	}
}

var _ = Describe("Dispatcher", func() {
	It("runs every task submitted for one actor in submission order", func() {
		d, err := actorpool.NewDispatcher[string](actorpool.Config{
			CorePoolSize:    2,
			MaximumPoolSize: 4,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    16,
		})
		Expect(err).NotTo(HaveOccurred())

		var mu sync.Mutex
		var log []int
		const n = 200

		// Each submitter takes its sequence number and submits under one
		// lock, so submission order matches sequence order.
		var subMu sync.Mutex
		next := 0
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				subMu.Lock()
				defer subMu.Unlock()
				seq := next
				next++
				Expect(d.Submit("actor-a", recordingTask(&mu, &log, seq))).To(Succeed())
			}()
		}
		wg.Wait()

		Eventually(func() uint64 { return d.CompletedTaskCount() }, time.Second).Should(Equal(uint64(n)))

		mu.Lock()
		defer mu.Unlock()
		Expect(log).To(HaveLen(n))
		for i := 1; i < len(log); i++ {
			Expect(log[i]).To(BeNumerically(">", log[i-1]))
		}

		d.Shutdown()
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
	})

	It("runs distinct actors without interleaving a single actor's own tasks", func() {
		d, err := actorpool.NewDispatcher[int](actorpool.Config{
			CorePoolSize:    4,
			MaximumPoolSize: 4,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    4,
		})
		Expect(err).NotTo(HaveOccurred())

		const actors = 32
		const perActor = 25

		logs := make([]struct {
			mu  sync.Mutex
			log []int
		}, actors)

		// Each submitter takes its actor's next sequence number and submits
		// under one lock, so each actor's submission order matches its
		// sequence order.
		var subMu sync.Mutex
		next := make([]int, actors)
		var wg sync.WaitGroup
		for a := 0; a < actors; a++ {
			key := a
			for i := 0; i < perActor; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					subMu.Lock()
					defer subMu.Unlock()
					seq := next[key]
					next[key]++
					Expect(d.Submit(key, recordingTask(&logs[key].mu, &logs[key].log, seq))).To(Succeed())
				}()
			}
		}
		wg.Wait()

		Eventually(func() uint64 { return d.CompletedTaskCount() }, 2*time.Second).
			Should(Equal(uint64(actors * perActor)))

		for a := 0; a < actors; a++ {
			logs[a].mu.Lock()
			Expect(logs[a].log).To(HaveLen(perActor))
			for i := 1; i < len(logs[a].log); i++ {
				Expect(logs[a].log[i]).To(BeNumerically(">", logs[a].log[i-1]))
			}
			logs[a].mu.Unlock()
		}

		d.Shutdown()
		Expect(d.AwaitTermination(2 * time.Second)).To(BeTrue())
	})

	It("retires workers above core size after they sit idle past the keep-alive timeout", func() {
		mockClock := clock.NewMock()
		d, err := actorpool.NewDispatcher[int](actorpool.Config{
			CorePoolSize:    1,
			MaximumPoolSize: 8,
			KeepAliveTime:   10 * time.Second,
			MaxBatchSize:    4,
			Clock:           mockClock,
		})
		Expect(err).NotTo(HaveOccurred())

		var done sync.WaitGroup
		for a := 0; a < 8; a++ {
			done.Add(1)
			key := a
			Expect(d.Submit(key, actorpool.TaskFunc(func(ctx context.Context) { done.Done() }))).To(Succeed())
		}
		done.Wait()

		Eventually(func() uint32 { return d.PoolSize() }, time.Second).Should(BeNumerically(">", 1))

		mockClock.Add(11 * time.Second)

		Eventually(func() uint32 { return d.PoolSize() }, time.Second).Should(Equal(uint32(1)))

		d.Shutdown()
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
	})

	It("completes every task across more actors than workers, exercising stealing", func() {
		d, err := actorpool.NewDispatcher[string](actorpool.Config{
			CorePoolSize:    2,
			MaximumPoolSize: 2,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    2,
		})
		Expect(err).NotTo(HaveOccurred())

		const actors = 64
		var completed atomic.Uint64
		for a := 0; a < actors; a++ {
			key := fmt.Sprintf("actor-%d", a)
			Expect(d.Submit(key, actorpool.TaskFunc(func(ctx context.Context) {
				completed.Add(1)
			}))).To(Succeed())
		}

		Eventually(func() uint64 { return completed.Load() }, 2*time.Second).Should(Equal(uint64(actors)))
		Expect(d.PoolSize()).To(BeNumerically("<=", 2))

		d.Shutdown()
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
	})

	It("rejects submissions after Shutdown but lets already-queued tasks finish", func() {
		d, err := actorpool.NewDispatcher[string](actorpool.Config{
			CorePoolSize:    1,
			MaximumPoolSize: 1,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    4,
		})
		Expect(err).NotTo(HaveOccurred())

		release := make(chan struct{})
		started := make(chan struct{})
		Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {
			close(started)
			<-release
		}))).To(Succeed())
		<-started

		var queuedRan atomic.Bool
		Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {
			queuedRan.Store(true)
		}))).To(Succeed())

		d.Shutdown()
		Expect(d.IsShutdown()).To(BeTrue())
		Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {}))).To(MatchError(actorpool.ErrRejected))

		close(release)
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
		Expect(queuedRan.Load()).To(BeTrue())
	})

	It("drains pending tasks and returns them from ShutdownNow", func() {
		d, err := actorpool.NewDispatcher[string](actorpool.Config{
			CorePoolSize:    1,
			MaximumPoolSize: 1,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    1,
		})
		Expect(err).NotTo(HaveOccurred())

		release := make(chan struct{})
		started := make(chan struct{})
		Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {
			close(started)
			<-release
		}))).To(Succeed())
		<-started

		for i := 0; i < 5; i++ {
			Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {}))).To(Succeed())
		}

		drained := d.ShutdownNow()
		Expect(drained).To(HaveLen(5))

		close(release)
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
	})

	It("recovers a panicking task via PanicHandler without losing the worker", func() {
		var handled atomic.Bool
		d, err := actorpool.NewDispatcher[string](actorpool.Config{
			CorePoolSize:    1,
			MaximumPoolSize: 1,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    4,
			PanicHandler: func(actor interface{}, task actorpool.Task, recovered interface{}, stack []byte) {
				handled.Store(true)
			},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {
			panic("boom")
		}))).To(Succeed())

		var ran atomic.Bool
		Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {
			ran.Store(true)
		}))).To(Succeed())

		Eventually(func() bool { return ran.Load() }, time.Second).Should(BeTrue())
		Expect(handled.Load()).To(BeTrue())

		d.Shutdown()
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
	})

	It("keeps BatchCount consistent with CompletedTaskCount and MaxBatchSize", func() {
		d, err := actorpool.NewDispatcher[string](actorpool.Config{
			CorePoolSize:    1,
			MaximumPoolSize: 1,
			KeepAliveTime:   time.Second,
			MaxBatchSize:    4,
		})
		Expect(err).NotTo(HaveOccurred())

		const n = 41
		for i := 0; i < n; i++ {
			Expect(d.Submit("k", actorpool.TaskFunc(func(ctx context.Context) {}))).To(Succeed())
		}

		Eventually(func() uint64 { return d.CompletedTaskCount() }, time.Second).Should(Equal(uint64(n)))

		batches := d.BatchCount()
		completed := d.CompletedTaskCount()
		minBatches := (completed + uint64(d.GetMaxBatchSize()) - 1) / uint64(d.GetMaxBatchSize())
		Expect(batches).To(BeNumerically(">=", minBatches))
		Expect(batches).To(BeNumerically("<=", completed))

		d.Shutdown()
		Expect(d.AwaitTermination(time.Second)).To(BeTrue())
	})
})
