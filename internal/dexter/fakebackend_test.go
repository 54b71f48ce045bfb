package dexter

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/dabtx/dexter-output/iiod"
)

// fakeBackend is an in-memory iiod.Backend: a device/attribute value table
// plus a tiny buffer-handle counter, enough to drive the attribute reads and
// writes New/tick/align/TransmitFrame make without a real IIOD server.
type fakeBackend struct {
	mu    sync.Mutex
	attrs map[string]string // "device/attr" -> value

	// sequences, when non-empty for a key, is consumed one value per read
	// before falling back to attrs - used to simulate an attribute (like
	// pps_clks) advancing between two reads within the same call.
	sequences map[string][]string

	nextBufID  int
	openBufs   map[int]string
	writeCalls int
	writeFail  bool // makes every WriteBuffer call report a DMA underflow while set
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		attrs:     map[string]string{},
		sequences: map[string][]string{},
		openBufs:  map[int]string{},
	}
}

// setSequence queues values to be returned by successive ReadAttr calls for
// dev/attr, one per call, before falling back to the static attrs map.
func (f *fakeBackend) setSequence(dev, attr string, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[attrKey(dev, attr)] = values
}

func attrKey(dev, attr string) string { return dev + "/" + attr }

func (f *fakeBackend) set(dev, attr, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[attrKey(dev, attr)] = value
}

func (f *fakeBackend) get(dev, attr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[attrKey(dev, attr)]
}

func (f *fakeBackend) Probe(ctx context.Context, conn net.Conn) error { return nil }

func (f *fakeBackend) ReadAttr(ctx context.Context, dev, ch, attr string) (string, error) {
	key := attrKey(dev, attr)

	f.mu.Lock()
	defer f.mu.Unlock()

	if seq := f.sequences[key]; len(seq) > 0 {
		f.sequences[key] = seq[1:]
		return seq[0], nil
	}

	v, ok := f.attrs[key]
	if !ok {
		return "", fmt.Errorf("fakeBackend: no value set for %s/%s", dev, attr)
	}
	return v, nil
}

func (f *fakeBackend) WriteAttr(ctx context.Context, dev, ch, attr, value string) error {
	f.set(dev, attr, value)
	return nil
}

func (f *fakeBackend) OpenBuffer(ctx context.Context, dev string, samples int, cyclic bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBufID++
	f.openBufs[f.nextBufID] = dev
	return f.nextBufID, nil
}

func (f *fakeBackend) WriteBuffer(ctx context.Context, bufID int, data []byte) (int, error) {
	f.mu.Lock()
	f.writeCalls++
	fail := f.writeFail
	f.mu.Unlock()
	if fail {
		return -1, fmt.Errorf("fakeBackend: simulated dma underflow")
	}
	return len(data), nil
}

func (f *fakeBackend) CloseBuffer(ctx context.Context, bufID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openBufs, bufID)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

var _ iiod.Backend = (*fakeBackend)(nil)
