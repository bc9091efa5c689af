package ephemeral

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/buildnet-cache/ephemeral/chash"
	"github.com/buildnet-cache/ephemeral/copyengine"
	"github.com/buildnet-cache/ephemeral/errkind"
	"github.com/buildnet-cache/ephemeral/result"
)

// fakeContentStore is the shared in-memory backing of fakeLocalStore and
// fakePersistentStore: a byte blob per hash, populated either directly (via
// seed) or through a Put.
type fakeContentStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	tracked map[string]bool // TracksElsewhere flags, local store only
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{blobs: make(map[string][]byte), tracked: make(map[string]bool)}
}

func keyOf(h chash.ContentHash) string { return string(h.Serialize()) }

func (s *fakeContentStore) seed(h chash.ContentHash, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[keyOf(h)] = append([]byte(nil), data...)
}

func (s *fakeContentStore) get(h chash.ContentHash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[keyOf(h)]
	return b, ok
}

func (s *fakeContentStore) put(h chash.ContentHash, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[keyOf(h)] = append([]byte(nil), data...)
}

// fakeLocalStore implements LocalStore over a fakeContentStore.
type fakeLocalStore struct {
	store      *fakeContentStore
	placeCalls int32
}

func newFakeLocalStore() *fakeLocalStore { return &fakeLocalStore{store: newFakeContentStore()} }

func (f *fakeLocalStore) PlaceFile(_ context.Context, hash chash.ContentHash, path string, _ PlaceOptions) (result.PlaceFileResult, error) {
	data, ok := f.store.get(hash)
	if !ok {
		return result.PlaceFileResult{Hash: hash, Err: errkind.New(errkind.KindNotFoundAnywhere, hash.ShortHash(), "local", "not in local store", nil)}, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return result.PlaceFileResult{}, err
	}
	return result.PlaceFileResult{Hash: hash, Size: int64(len(data)), Path: path}, nil
}

func (f *fakeLocalStore) PutFile(_ context.Context, hashType chash.HashType, path string, _ RealizationMode) (result.PutResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return result.PutResult{}, err
	}
	h := chash.Sum256(data)
	_ = hashType
	f.store.put(h, data)
	return result.PutResult{Hash: h, Size: int64(len(data))}, nil
}

func (f *fakeLocalStore) PutStream(_ context.Context, _ chash.HashType, stream io.ReadSeeker, _ RealizationMode) (result.PutResult, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return result.PutResult{}, err
	}
	h := chash.Sum256(data)
	f.store.put(h, data)
	return result.PutResult{Hash: h, Size: int64(len(data))}, nil
}

func (f *fakeLocalStore) PutTrustedFile(_ context.Context, hashInfo chash.ContentHashWithSize, tempPath string, _ RealizationMode) (result.PutResult, error) {
	data, err := os.ReadFile(tempPath)
	if err != nil {
		return result.PutResult{}, err
	}
	f.store.put(hashInfo.Hash, data)
	return result.PutResult{Hash: hashInfo.Hash, Size: int64(len(data))}, nil
}

func (f *fakeLocalStore) TracksElsewhere(hash chash.ContentHash) bool {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return f.store.tracked[keyOf(hash)]
}

// fakePersistentStore implements PersistentStore over a fakeContentStore.
type fakePersistentStore struct {
	store     *fakeContentStore
	pinned    map[string]bool
	putCalls  int32
	mu        sync.Mutex
	// onPutFile, if set, runs synchronously at the start of PutFile —
	// scenario tests use it to pause one caller mid-upload so a second,
	// concurrent caller can observe the single-flight gate held.
	onPutFile func()
}

func newFakePersistentStore() *fakePersistentStore {
	return &fakePersistentStore{store: newFakeContentStore(), pinned: make(map[string]bool)}
}

func (f *fakePersistentStore) putCallCount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls
}

func (f *fakePersistentStore) PlaceFile(_ context.Context, hash chash.ContentHash, path string, _ PlaceOptions) (result.PlaceFileResult, error) {
	data, ok := f.store.get(hash)
	if !ok {
		return result.PlaceFileResult{Hash: hash, Err: errkind.New(errkind.KindNotFoundAnywhere, hash.ShortHash(), "persistent", "not in persistent store", nil)}, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return result.PlaceFileResult{}, err
	}
	return result.PlaceFileResult{Hash: hash, Size: int64(len(data)), Path: path}, nil
}

func (f *fakePersistentStore) PutFile(_ context.Context, _ chash.HashType, path string, _ RealizationMode) (result.PutResult, error) {
	if f.onPutFile != nil {
		f.onPutFile()
	}
	f.mu.Lock()
	f.putCalls++
	f.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return result.PutResult{}, err
	}
	h := chash.Sum256(data)
	f.store.put(h, data)
	return result.PutResult{Hash: h, Size: int64(len(data))}, nil
}

func (f *fakePersistentStore) PutStream(_ context.Context, _ chash.HashType, stream io.ReadSeeker, _ RealizationMode) (result.PutResult, error) {
	f.mu.Lock()
	f.putCalls++
	f.mu.Unlock()
	data, err := io.ReadAll(stream)
	if err != nil {
		return result.PutResult{}, err
	}
	h := chash.Sum256(data)
	f.store.put(h, data)
	return result.PutResult{Hash: h, Size: int64(len(data))}, nil
}

func (f *fakePersistentStore) Pin(_ context.Context, hash chash.ContentHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[keyOf(hash)] = true
	return nil
}

func (f *fakePersistentStore) PinBulk(_ context.Context, hashes []chash.ContentHash) error {
	for _, h := range hashes {
		if err := f.Pin(context.Background(), h); err != nil {
			return err
		}
	}
	return nil
}

// fakeCopier is a minimal copyengine.RemoteCopier driven by per-location
// canned answer queues, mirroring copyengine's own test fake.
type fakeCopier struct {
	mu         sync.Mutex
	byLocation map[chash.MachineLocation][]fakeCopyAnswer
	calls      int32
}

type fakeCopyAnswer struct {
	res     copyengine.CopyFileResult
	err     error
	payload []byte
}

func newFakeCopier() *fakeCopier {
	return &fakeCopier{byLocation: make(map[chash.MachineLocation][]fakeCopyAnswer)}
}

func (f *fakeCopier) answer(loc chash.MachineLocation, a fakeCopyAnswer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byLocation[loc] = append(f.byLocation[loc], a)
}

func (f *fakeCopier) CopyToAsync(_ context.Context, src chash.MachineLocation, dst io.WriteCloser, _ copyengine.CopyOptions) (copyengine.CopyFileResult, error) {
	f.mu.Lock()
	f.calls++
	answers := f.byLocation[src]
	var a fakeCopyAnswer
	haveAnswer := len(answers) > 0
	if haveAnswer {
		a = answers[0]
		f.byLocation[src] = answers[1:]
	}
	f.mu.Unlock()

	if !haveAnswer {
		return copyengine.CopyFileResult{Code: copyengine.CopyFileNotFoundError}, nil
	}
	if len(a.payload) > 0 {
		_, _ = dst.Write(a.payload)
	}
	return a.res, a.err
}

func (f *fakeCopier) callCount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
