package ephemeral

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/config"
	"github.com/buildnet-cache/ephemeral/copyengine"
	"github.com/buildnet-cache/ephemeral/copysched"
	"github.com/buildnet-cache/ephemeral/result"
	"github.com/buildnet-cache/ephemeral/resolver"
)

const (
	selfMachine = chash.MachineID("self")
	peerA       = chash.MachineID("peer-a")
	peerB       = chash.MachineID("peer-b")
)

type harness struct {
	dir        string
	cfg        *config.Config
	local      *fakeLocalStore
	persistent *fakePersistentStore
	copier     *fakeCopier
	names      *resolver.Fake
	host       *Host
	session    *Session
}

func newHarness() *harness {
	dir, err := os.MkdirTemp("", "ephemeral-scenarios-")
	Expect(err).NotTo(HaveOccurred())

	cfg := config.Default()
	cfg.Workspace = dir
	cfg.RetryIntervalForCopies = []time.Duration{time.Millisecond}
	cfg.MaxRetryCount = 8
	cfg.TrustedHashFileSizeBoundary = -1 // default: trusted-hash streaming verifies every attempt

	local := newFakeLocalStore()
	persistent := newFakePersistentStore()
	copier := newFakeCopier()
	names := resolver.NewFake(selfMachine)

	sched := copysched.New(cfg)
	host, err := NewHost(cfg, names, names, sched, copier)
	Expect(err).NotTo(HaveOccurred())

	sess := New(cfg, local, persistent, host)

	return &harness{dir: dir, cfg: cfg, local: local, persistent: persistent, copier: copier, names: names, host: host, session: sess}
}

func (h *harness) cleanup() { os.RemoveAll(h.dir) }

func (h *harness) destPath() string { return filepath.Join(h.dir, "out") }

func tempFileCount(dir string) int {
	entries, err := os.ReadDir(dir)
	Expect(err).NotTo(HaveOccurred())
	n := 0
	for _, e := range entries {
		if filepath.Base(e.Name()) != "out" {
			n++
		}
	}
	return n
}

var _ = Describe("Session.PlaceFile", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.cleanup() })

	It("Scenario 1: local hit — resolver never consulted, elision updated", func() {
		hash := chash.Sum256([]byte("local-blob"))
		h.local.store.seed(hash, []byte("local-blob"))

		pr, err := h.session.PlaceFile(context.Background(), hash, h.destPath(), PlaceOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(pr.Ok()).To(BeTrue())
		Expect(pr.Source).To(Equal(result.SourceLocalCache))

		data, rerr := os.ReadFile(h.destPath())
		Expect(rerr).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("local-blob"))

		_, hit := h.host.elision.TryGet(hash)
		Expect(hit).To(BeTrue())

		Expect(tempFileCount(h.dir)).To(Equal(0))
		Expect(testutil.ToFloat64(h.session.m.placed.WithLabelValues("LocalCache"))).To(Equal(float64(1)))
	})

	It("Scenario 2: datacenter hit — one active peer, trusted copy, source DatacenterCache", func() {
		payload := []byte("peer-blob")
		hash := chash.Sum256(payload)
		h.names.AddMachine(peerA, "loc-a", false)
		h.names.SetLocations(hash, int64(len(payload)), peerA)
		h.copier.answer("loc-a", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopySuccess, Size: int64(len(payload))}, payload: payload})

		pr, err := h.session.PlaceFile(context.Background(), hash, h.destPath(), PlaceOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(pr.Ok()).To(BeTrue())
		Expect(pr.Source).To(Equal(result.SourceDatacenterCache))

		data, rerr := os.ReadFile(h.destPath())
		Expect(rerr).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("peer-blob"))

		Expect(tempFileCount(h.dir)).To(Equal(0))
	})

	It("Scenario 3: datacenter fall-through — both peers missing, persistent serves, local populate is async", func() {
		payload := []byte("backing-blob")
		hash := chash.Sum256(payload)
		h.names.AddMachine(peerA, "loc-a", false)
		h.names.AddMachine(peerB, "loc-b", false)
		h.names.SetLocations(hash, int64(len(payload)), peerA, peerB)
		h.copier.answer("loc-a", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopyFileNotFoundError}})
		h.copier.answer("loc-b", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopyFileNotFoundError}})
		h.persistent.store.seed(hash, payload)

		pr, err := h.session.PlaceFile(context.Background(), hash, h.destPath(), PlaceOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(pr.Ok()).To(BeTrue())
		Expect(pr.Source).To(Equal(result.SourceBackingStore))

		Eventually(func() bool {
			_, ok := h.local.store.get(hash)
			return ok
		}, time.Second, 5*time.Millisecond).Should(BeTrue(), "expected the async best-effort local populate to eventually land")

		Expect(tempFileCount(h.dir)).To(Equal(0))
	})

	It("Scenario 5: hash mismatch at peer — InvalidHash, next replica tried, no local put, not ok", func() {
		h.cfg.TrustedHashFileSizeBoundary = 0 // redundant with the default but explicit: trusted-hash streaming covers this size

		expected := chash.Sum256([]byte("expected"))
		wrongPayload := []byte("not-the-expected-bytes")
		h.names.AddMachine(peerA, "loc-a", false)
		h.names.AddMachine(peerB, "loc-b", false)
		h.names.SetLocations(expected, int64(len(wrongPayload)), peerA, peerB)
		h.copier.answer("loc-a", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopySuccess, Size: int64(len(wrongPayload))}, payload: wrongPayload})
		h.copier.answer("loc-b", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopySuccess, Size: int64(len(wrongPayload))}, payload: wrongPayload})

		pr, err := h.session.PlaceFile(context.Background(), expected, h.destPath(), PlaceOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(pr.Ok()).To(BeFalse())

		_, stored := h.local.store.get(expected)
		Expect(stored).To(BeFalse(), "a hash-mismatched copy must never reach the local store")

		Expect(h.copier.callCount()).To(BeNumerically(">=", 2), "both replicas must have been tried")
		Expect(tempFileCount(h.dir)).To(Equal(0))
	})

	It("Scenario 6: out-of-disk — destination error stops the retry loop immediately", func() {
		payload := []byte("never-written")
		hash := chash.Sum256(payload)
		h.names.AddMachine(peerA, "loc-a", false)
		h.names.SetLocations(hash, int64(len(payload)), peerA)
		h.copier.answer("loc-a", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopyDestinationPathError, Err: errors.New("write: no space left on device")}})
		// A second queued answer would succeed; it must never be consumed.
		h.copier.answer("loc-a", fakeCopyAnswer{res: copyengine.CopyFileResult{Code: copyengine.CopySuccess, Size: int64(len(payload))}, payload: payload})

		pr, err := h.session.PlaceFile(context.Background(), hash, h.destPath(), PlaceOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(pr.Ok()).To(BeFalse())
		Expect(h.copier.callCount()).To(Equal(int32(1)), "out-of-disk must abort the whole operation after the first attempt")

		Expect(tempFileCount(h.dir)).To(Equal(0))
	})
})

var _ = Describe("Session.PutFile", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.cleanup() })

	It("Scenario 4: concurrent duplicate put — one wins the gate, the other sees AlreadyExists", func() {
		payload := []byte("duplicate-put-payload")
		srcA := filepath.Join(h.dir, "src-a")
		srcB := filepath.Join(h.dir, "src-b")
		Expect(os.WriteFile(srcA, payload, 0o644)).To(Succeed())
		Expect(os.WriteFile(srcB, payload, 0o644)).To(Succeed())

		started := make(chan struct{})
		release := make(chan struct{})
		h.persistent.onPutFile = func() {
			close(started)
			<-release
		}

		type outcome struct {
			pr  result.PutResult
			err error
		}
		resA := make(chan outcome, 1)
		resB := make(chan outcome, 1)

		go func() {
			pr, err := h.session.PutFile(context.Background(), chash.Sha256, srcA, RealizationCopy)
			resA <- outcome{pr, err}
		}()

		Eventually(started, time.Second, 2*time.Millisecond).Should(BeClosed())

		bStarted := make(chan struct{})
		go func() {
			close(bStarted)
			pr, err := h.session.PutFile(context.Background(), chash.Sha256, srcB, RealizationCopy)
			resB <- outcome{pr, err}
		}()
		<-bStarted
		time.Sleep(20 * time.Millisecond) // let B queue up behind A's held gate

		close(release)

		a := <-resA
		b := <-resB

		Expect(a.err).NotTo(HaveOccurred())
		Expect(b.err).NotTo(HaveOccurred())
		Expect(a.pr.Ok()).To(BeTrue())
		Expect(b.pr.Ok()).To(BeTrue())

		Expect(a.pr.AlreadyExists).To(BeFalse(), "the gate winner must be the one that actually uploads")
		Expect(b.pr.AlreadyExists).To(BeTrue(), "the loser must observe the winner's elision entry and short-circuit")

		Expect(h.persistent.putCallCount()).To(Equal(int32(1)))
	})
})
