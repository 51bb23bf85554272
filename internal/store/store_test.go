/*
Copyright 2024.

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

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestPutCreateOnlyConflict(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	rev, err := s.Put(ctx, "/models/a/spec", []byte("v1"), 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rev).To(BeNumerically(">", 0))

	_, err = s.Put(ctx, "/models/a/spec", []byte("v2"), 0)
	g.Expect(errors.Is(err, ErrConflict)).To(BeTrue())
}

func TestPutCASReplaceOnlyIfMatch(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	rev1, err := s.Put(ctx, "/placements/a", []byte("v1"), 0)
	g.Expect(err).NotTo(HaveOccurred())

	// stale revision is rejected
	_, err = s.Put(ctx, "/placements/a", []byte("v2"), rev1+100)
	g.Expect(errors.Is(err, ErrConflict)).To(BeTrue())

	rev2, err := s.Put(ctx, "/placements/a", []byte("v2"), rev1)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rev2).To(BeNumerically(">", rev1))

	kv, ok, err := s.Get(ctx, "/placements/a")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
	g.Expect(string(kv.Value)).To(Equal("v2"))
}

func TestPutWithLeaseExpires(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	_, _, err := s.PutWithLease(ctx, "/nodes/n1/status", []byte("alive"), 100*time.Millisecond)
	g.Expect(err).NotTo(HaveOccurred())

	_, ok, _ := s.Get(ctx, "/nodes/n1/status")
	g.Expect(ok).To(BeTrue())

	g.Eventually(func() bool {
		_, ok, _ := s.Get(ctx, "/nodes/n1/status")
		return ok
	}, 2*time.Second, 50*time.Millisecond).Should(BeFalse())
}

func TestLeaseRenewPreventsExpiry(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	lease, _, err := s.PutWithLease(ctx, "/nodes/n1/status", []byte("alive"), 300*time.Millisecond)
	g.Expect(err).NotTo(HaveOccurred())

	deadline := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(deadline) {
		g.Expect(s.Renew(ctx, lease)).To(Succeed())
		time.Sleep(100 * time.Millisecond)
	}

	_, ok, _ := s.Get(ctx, "/nodes/n1/status")
	g.Expect(ok).To(BeTrue())
}

func TestWatchDeliversPutAndResync(t *testing.T) {
	g := NewWithT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemStore()
	defer s.Close()

	events := s.Watch(ctx, "/endpoints/")
	_, err := s.Put(ctx, "/endpoints/a/0", []byte("ready"), 0)
	g.Expect(err).NotTo(HaveOccurred())

	g.Eventually(events, time.Second).Should(Receive(WithTransform(func(e Event) EventType { return e.Type }, Equal(EventPut))))

	s.InjectResync("/endpoints/")
	g.Eventually(events, time.Second).Should(Receive(WithTransform(func(e Event) EventType { return e.Type }, Equal(EventResync))))
}

func TestListPrefixOrdered(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	for _, k := range []string{"/deployments/c", "/deployments/a", "/deployments/b"} {
		_, err := s.Put(ctx, k, []byte("x"), 0)
		g.Expect(err).NotTo(HaveOccurred())
	}

	kvs, err := s.ListPrefix(ctx, "/deployments/")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(kvs).To(HaveLen(3))
	g.Expect(kvs[0].Key).To(Equal("/deployments/a"))
	g.Expect(kvs[2].Key).To(Equal("/deployments/c"))
}
