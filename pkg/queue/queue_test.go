/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue_test

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/shardstream/shardstream/pkg/queue"
)

type payload struct {
	Value string `json:"value"`
}

var _ = Describe("Queue", func() {
	var (
		ctx    context.Context
		server *miniredis.Miniredis
		client *redis.Client
		q      *queue.Queue
		now    time.Time
	)

	// miniredis FastForward only expires TTLs; pending-entry idle time is
	// measured against the server clock, which only SetTime moves.
	advance := func(d time.Duration) {
		now = now.Add(d)
		server.SetTime(now)
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = miniredis.RunT(GinkgoT())
		now = time.Now()
		server.SetTime(now)
		client = redis.NewClient(&redis.Options{Addr: server.Addr()})
		q = queue.New(client, "ingestion-events",
			queue.WithMaxDeliveries(3),
			queue.WithClaimIdle(time.Second))
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
	})

	It("should deliver, acknowledge, and prune a message", func() {
		Expect(q.Publish(ctx, payload{Value: "hello"})).To(Succeed())
		depth, err := q.Depth(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(BeNumerically("==", 1))

		var received payload
		handled, err := q.ProcessOnce(ctx, "c1", func(_ context.Context, msg queue.Message) error {
			return msg.Decode(&received)
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(1))
		Expect(received.Value).To(Equal("hello"))

		depth, err = q.Depth(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(BeNumerically("==", 0))
	})

	It("should redeliver a failed message to a claiming consumer", func() {
		Expect(q.Publish(ctx, payload{Value: "flaky"})).To(Succeed())

		fail := func(context.Context, queue.Message) error { return fmt.Errorf("transient") }
		handled, err := q.ProcessOnce(ctx, "c1", fail)
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(1))

		// The delivery stays pending until the claim-idle window elapses.
		handled, err = q.ProcessOnce(ctx, "c2", func(context.Context, queue.Message) error { return nil })
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(0))

		advance(2 * time.Second)
		var deliveries int64
		handled, err = q.ProcessOnce(ctx, "c2", func(_ context.Context, msg queue.Message) error {
			deliveries = msg.DeliveryCount
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(1))
		Expect(deliveries).To(BeNumerically(">", 1))
	})

	It("should dead-letter a message after its delivery budget", func() {
		Expect(q.Publish(ctx, payload{Value: "poison"})).To(Succeed())

		fail := func(context.Context, queue.Message) error { return fmt.Errorf("boom") }
		for i := 0; i < 3; i++ {
			_, err := q.ProcessOnce(ctx, "c1", fail)
			Expect(err).ToNot(HaveOccurred())
			advance(2 * time.Second)
		}

		depth, err := q.DLQDepth(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(BeNumerically("==", 1))

		letters, err := q.DeadLetters(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(letters).To(HaveLen(1))
		var dead payload
		Expect(letters[0].Decode(&dead)).To(Succeed())
		Expect(dead.Value).To(Equal("poison"))

		// The poison message no longer circulates on the main stream.
		handled, err := q.ProcessOnce(ctx, "c1", fail)
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(0))
	})

	It("should redrive dead letters back onto the queue", func() {
		Expect(q.Publish(ctx, payload{Value: "retry-me"})).To(Succeed())
		fail := func(context.Context, queue.Message) error { return fmt.Errorf("boom") }
		for i := 0; i < 3; i++ {
			_, err := q.ProcessOnce(ctx, "c1", fail)
			Expect(err).ToNot(HaveOccurred())
			advance(2 * time.Second)
		}

		moved, err := q.Redrive(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(moved).To(Equal(1))

		depth, err := q.DLQDepth(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(BeNumerically("==", 0))

		var revived payload
		handled, err := q.ProcessOnce(ctx, "c1", func(_ context.Context, msg queue.Message) error {
			return msg.Decode(&revived)
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(1))
		Expect(revived.Value).To(Equal("retry-me"))
	})

	Describe("session partitioning", func() {
		BeforeEach(func() {
			q = queue.New(client, "sync-outbound",
				queue.WithPartitions(4),
				queue.WithMaxDeliveries(3))
		})

		It("should keep messages for one session in publish order", func() {
			for i := 0; i < 5; i++ {
				Expect(q.PublishSession(ctx, "t1/int-1/A1", payload{Value: fmt.Sprintf("op-%d", i)})).To(Succeed())
			}
			var order []string
			_, err := q.ProcessOnce(ctx, "c1", func(_ context.Context, msg queue.Message) error {
				var p payload
				Expect(msg.Decode(&p)).To(Succeed())
				order = append(order, p.Value)
				return nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(order).To(Equal([]string{"op-0", "op-1", "op-2", "op-3", "op-4"}))
		})

		It("should deliver across partitions for distinct sessions", func() {
			sessions := []string{"t1/int-1/A1", "t1/int-1/B2", "t2/int-9/C3", "t1/int-2/D4"}
			for _, s := range sessions {
				Expect(q.PublishSession(ctx, s, payload{Value: s})).To(Succeed())
			}
			seen := map[string]bool{}
			handled, err := q.ProcessOnce(ctx, "c1", func(_ context.Context, msg queue.Message) error {
				seen[msg.SessionKey] = true
				return nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(handled).To(Equal(len(sessions)))
			Expect(seen).To(HaveLen(len(sessions)))
		})
	})

	It("should stop consuming when the context is canceled", func() {
		consumeCtx, cancel := context.WithCancel(ctx)
		q = queue.New(client, "ingestion-events", queue.WithBlockTimeout(10*time.Millisecond))

		done := make(chan error, 1)
		go func() {
			done <- q.Consume(consumeCtx, "c1", func(context.Context, queue.Message) error { return nil })
		}()

		Expect(q.Publish(ctx, payload{Value: "one"})).To(Succeed())
		Eventually(func() (int64, error) { return q.Depth(ctx) }).Should(BeNumerically("==", 0))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
