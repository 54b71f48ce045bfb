package dexter

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/dabtx/dexter-output/iiod"
	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/radio"
)

// newTestDriver builds a Driver directly, bypassing New()'s dial-and-program
// sequence, so tests exercise the state machine and hand-off logic against
// an in-memory fakeBackend instead of a real IIOD server.
func newTestDriver(fb *fakeBackend, cfg Config) *Driver {
	cfg.Mode = ModeForTest
	return &Driver{
		cfg:          cfg,
		log:          logging.New(logging.Fatal, logging.Text, io.Discard),
		client:       iiod.NewClient(fb),
		pollerClient: iiod.NewClient(fb),
		attrTimeout:  2 * time.Second,
		bandwidth:    cfg.Bandwidth,
		clock:        newClockAlign(cfg.MaxGPSHoldoverTime),
	}
}

// ModeForTest keeps FrameSamples()/ExpectedLen() deterministic across tests
// without depending on the production default.
const ModeForTest = radio.ModeIII

func wantFrameLen(t *testing.T) int {
	t.Helper()
	n, err := radio.ExpectedLen(ModeForTest)
	if err != nil {
		t.Fatalf("ExpectedLen: %v", err)
	}
	return n
}

func TestTickStartupLocksToNormal(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrGPSDOLocked, "1")
	fb.set(devDSPTx, attrPPSLoss, "0")
	fb.setSequence(devDSPTx, attrPPSClks, "1000", cstr(1000+DSPClock))

	d := newTestDriver(fb, Config{EnableSync: true, MaxGPSHoldoverTime: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.tick(ctx)

	state, utcAtStartup, clkAtStartup, _ := d.clock.snapshot()
	if state != stateNormal {
		t.Fatalf("state = %v, want normal", state)
	}
	if clkAtStartup != 1000+DSPClock {
		t.Fatalf("clockCountAtStartup = %d, want %d", clkAtStartup, 1000+DSPClock)
	}
	if utcAtStartup == 0 {
		t.Fatalf("utcSecondsAtStartup not recorded")
	}
}

func TestTickStartupStaysPutWithoutGPSDOLock(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrGPSDOLocked, "0")
	fb.set(devDSPTx, attrPPSLoss, "0")

	d := newTestDriver(fb, Config{EnableSync: true, MaxGPSHoldoverTime: time.Hour})

	d.tick(context.Background())

	state, _, _, _ := d.clock.snapshot()
	if state != stateStartup {
		t.Fatalf("state = %v, want startup", state)
	}
}

func TestTickNormalEntersHoldoverOnPPSLoss(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrGPSDOLocked, "1")
	fb.set(devDSPTx, attrPPSLoss, "1")

	d := newTestDriver(fb, Config{EnableSync: true, MaxGPSHoldoverTime: time.Hour})
	d.clock.state = stateNormal
	d.clock.utcSecondsAtStartup = 1000
	d.clock.clockCountAtStartup = 2000

	d.tick(context.Background())

	state, utcAtStartup, clkAtStartup, holdoverSince := d.clock.snapshot()
	if state != stateHoldover {
		t.Fatalf("state = %v, want holdover", state)
	}
	if holdoverSince.IsZero() {
		t.Fatalf("holdoverSince not recorded")
	}
	// The alignment reference point survives the Normal->Holdover
	// transition; only leaving holdover resets it.
	if utcAtStartup != 1000 || clkAtStartup != 2000 {
		t.Fatalf("alignment reference point was reset entering holdover")
	}
}

func TestTickHoldoverBriefGlitchReturnsToStartupNotNormal(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrGPSDOLocked, "1")
	fb.set(devDSPTx, attrPPSLoss, "0") // loss cleared already

	d := newTestDriver(fb, Config{EnableSync: true, MaxGPSHoldoverTime: time.Hour})
	d.clock.state = stateHoldover
	d.clock.holdoverSince = time.Now() // well within maxHoldover

	d.tick(context.Background())

	state, utcAtStartup, clkAtStartup, _ := d.clock.snapshot()
	if state != stateStartup {
		t.Fatalf("state = %v, want startup (re-alignment required even on a brief glitch)", state)
	}
	if utcAtStartup != 0 || clkAtStartup != 0 {
		t.Fatalf("alignment reference point not cleared on holdover exit")
	}
}

func TestTickHoldoverTimesOutToStartup(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrGPSDOLocked, "0")
	fb.set(devDSPTx, attrPPSLoss, "1") // still lost

	d := newTestDriver(fb, Config{EnableSync: true, MaxGPSHoldoverTime: time.Millisecond})
	d.clock.state = stateHoldover
	d.clock.holdoverSince = time.Now().Add(-time.Hour)

	d.tick(context.Background())

	state, _, _, _ := d.clock.snapshot()
	if state != stateStartup {
		t.Fatalf("state = %v, want startup after holdover timeout", state)
	}
}

func TestTransmitFrameFirstFrameArmsChannel(t *testing.T) {
	fb := newFakeBackend()
	d := newTestDriver(fb, Config{EnableSync: true, TxGain: 10})
	now := uint64(time.Now().Unix())
	d.clock.state = stateNormal
	d.clock.utcSecondsAtStartup = now
	d.clock.clockCountAtStartup = 5_000_000
	fb.set(devDSPTx, attrClks, cstr(5_000_000))

	frame := radio.FrameData{
		Buf: make([]byte, wantFrameLen(t)),
		TS: radio.FrameTimestamp{
			Valid: true,
			Sec:   uint32(now) + 5, // 5s in the future: comfortably clears the 200ms margin
			PPS:   0,
		},
	}

	if err := d.TransmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}

	d.mu.Lock()
	channelUp, numFrames, numLate := d.channelUp, d.numFrames, d.numLate
	d.mu.Unlock()

	if !channelUp {
		t.Fatalf("channel not armed after first frame")
	}
	if numFrames != 1 {
		t.Fatalf("numFrames = %d, want 1", numFrames)
	}
	if numLate != 0 {
		t.Fatalf("numLate = %d, want 0", numLate)
	}
	if fb.get(devDSPTx, attrStreamStartClks) == "" {
		t.Fatalf("stream0_start_clks was never armed")
	}
	if fb.writeCalls != ioBuffers {
		t.Fatalf("writeCalls = %d, want %d", fb.writeCalls, ioBuffers)
	}
}

func TestTransmitFrameLateFrameIsDroppedNotArmed(t *testing.T) {
	fb := newFakeBackend()
	d := newTestDriver(fb, Config{EnableSync: true, TxGain: 10})
	now := uint64(time.Now().Unix())
	d.clock.state = stateNormal
	d.clock.utcSecondsAtStartup = now
	d.clock.clockCountAtStartup = 5_000_000
	fb.set(devDSPTx, attrClks, cstr(5_000_000))

	frame := radio.FrameData{
		Buf: make([]byte, wantFrameLen(t)),
		TS: radio.FrameTimestamp{
			Valid: true,
			Sec:   uint32(now), // now, well inside the 200ms margin
			PPS:   0,
		},
	}

	if err := d.TransmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}

	d.mu.Lock()
	channelUp, numFrames, numLate := d.channelUp, d.numFrames, d.numLate
	d.mu.Unlock()

	if channelUp {
		t.Fatalf("channel armed on a late frame")
	}
	if numFrames != 0 {
		t.Fatalf("numFrames = %d, want 0", numFrames)
	}
	if numLate != 1 {
		t.Fatalf("numLate = %d, want 1", numLate)
	}
	if fb.writeCalls != 0 {
		t.Fatalf("writeCalls = %d, want 0 (dropped frame must not push)", fb.writeCalls)
	}
}

func TestTransmitFrameStartupWithTimestampIsSilentlyDropped(t *testing.T) {
	fb := newFakeBackend()
	d := newTestDriver(fb, Config{EnableSync: true})
	// clock stays at the zero-value Startup state.

	frame := radio.FrameData{
		Buf: make([]byte, wantFrameLen(t)),
		TS:  radio.FrameTimestamp{Valid: true, Sec: uint32(time.Now().Unix()) + 5},
	}

	if err := d.TransmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}

	d.mu.Lock()
	channelUp, numFrames, numLate := d.channelUp, d.numFrames, d.numLate
	d.mu.Unlock()

	if channelUp || numFrames != 0 || numLate != 0 {
		t.Fatalf("expected a silent no-op in startup, got channelUp=%v numFrames=%d numLate=%d", channelUp, numFrames, numLate)
	}
}

func TestTransmitFrameChannelAlreadyUpJustPushes(t *testing.T) {
	fb := newFakeBackend()
	d := newTestDriver(fb, Config{EnableSync: true})
	d.channelUp = true

	frame := radio.FrameData{Buf: make([]byte, wantFrameLen(t))}

	if err := d.TransmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}

	d.mu.Lock()
	numFrames := d.numFrames
	d.mu.Unlock()

	if numFrames != 1 {
		t.Fatalf("numFrames = %d, want 1", numFrames)
	}
	if fb.writeCalls != ioBuffers {
		t.Fatalf("writeCalls = %d, want %d", fb.writeCalls, ioBuffers)
	}
}

func TestTransmitFrameRefreshRequestDropsChannelBeforePush(t *testing.T) {
	fb := newFakeBackend()
	d := newTestDriver(fb, Config{EnableSync: true})
	d.channelUp = true
	d.refreshReq = true

	frame := radio.FrameData{Buf: make([]byte, wantFrameLen(t))}

	if err := d.TransmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}

	d.mu.Lock()
	channelUp, refreshReq := d.channelUp, d.refreshReq
	d.mu.Unlock()

	if channelUp {
		t.Fatalf("channel should be down after honoring a refresh request")
	}
	if refreshReq {
		t.Fatalf("refreshReq should be cleared after being honored")
	}
	if fb.get(devDSPTx, attrStreamStartClks) != "0" {
		t.Fatalf("stream0_start_clks not cleared on refresh")
	}
	if fb.writeCalls != 0 {
		t.Fatalf("writeCalls = %d, want 0 (channel came down before the push step)", fb.writeCalls)
	}
}

func TestTransmitFrameDMAFailureBringsChannelDown(t *testing.T) {
	fb := newFakeBackend()
	fb.writeFail = true
	d := newTestDriver(fb, Config{EnableSync: true})
	d.channelUp = true

	frame := radio.FrameData{Buf: make([]byte, wantFrameLen(t))}

	if err := d.TransmitFrame(context.Background(), frame); err != nil {
		t.Fatalf("TransmitFrame: %v", err)
	}

	d.mu.Lock()
	channelUp := d.channelUp
	d.mu.Unlock()

	if channelUp {
		t.Fatalf("channel should come down after a DMA push failure")
	}
	if fb.writeCalls != 1 {
		t.Fatalf("writeCalls = %d, want 1 (loop must break on first failure)", fb.writeCalls)
	}
}

func TestGetRunStatisticsAssemblesCounters(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrClks, "123")
	fb.set(devDSPTx, attrFifoNotEmptyClks, "4")
	fb.set(devDSPTx, attrPPSCnt, "9")
	fb.set(devDSPTx, attrDSPVersion, "7")
	fb.set(devDSPTx, attrGPSDOLocked, "1")
	fb.set(devDSPTx, attrPPSLoss, "0")
	fb.set(devDSPTx, attrPPSClkErrorHz, "0.5")

	d := newTestDriver(fb, Config{EnableSync: true})
	d.numFrames = 42
	d.numLate = 3
	d.underflowPrv = 2

	stats := d.GetRunStatistics()

	if got := stats["frames"]; got.Num != 42 {
		t.Fatalf("frames = %v, want 42", got)
	}
	if got := stats["latepackets"]; got.Num != 3 {
		t.Fatalf("latepackets = %v, want 3", got)
	}
	if got := stats["underruns"]; got.Num != 2 {
		t.Fatalf("underruns = %v, want 2", got)
	}
	if got := stats["clock_state"]; got.Str != "startup" {
		t.Fatalf("clock_state = %v, want startup", got)
	}
	if got := stats["gpsdo_locked"]; !got.Bool {
		t.Fatalf("gpsdo_locked = %v, want true", got)
	}
	if got := stats["in_holdover_since"]; got.Num != 0 {
		t.Fatalf("in_holdover_since = %v, want 0 outside holdover", got)
	}
}

func TestPollOnceRecordsUnderflowIncrease(t *testing.T) {
	fb := newFakeBackend()
	fb.set(devDSPTx, attrBufferUnderflows0, "5")

	d := newTestDriver(fb, Config{})
	d.pollOnce()

	d.mu.Lock()
	underflowPrv := d.underflowPrv
	d.mu.Unlock()

	if underflowPrv != 5 {
		t.Fatalf("underflowPrv = %d, want 5", underflowPrv)
	}
}

func cstr(v uint64) string {
	return strconv.FormatUint(v, 10)
}
