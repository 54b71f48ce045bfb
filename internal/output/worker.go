package output

import (
	"context"
	"fmt"

	"github.com/dabtx/dexter-output/internal/radio"
)

// runWorker is process_thread_entry: best-effort realtime priority, then
// blocking-pop-and-handle until a wakeup signal, a fatal error, or the
// running flag clears.
func (s *Stage) runWorker() {
	defer close(s.workerDone)

	elevatePriorityBestEffort(s.log)

	for {
		frame, ok := s.queue.Pop()
		if !ok {
			return // shutdown wakeup
		}

		s.mu.RLock()
		running := s.running
		s.mu.RUnlock()
		if !running {
			return
		}

		if err := s.handleFrame(frame); err != nil {
			s.log.Error("fatal error handling frame, output worker stopping", errField(err))
			s.mu.Lock()
			s.running = false
			s.fatalErr = err
			s.mu.Unlock()
			return
		}
	}
}

// handleFrame runs the four hand-off gates in order: clock-source check,
// mute-without-timestamp, the synchronous timestamp checks (discontinuity,
// late, far-future), and mute-with-refresh-request.
func (s *Stage) handleFrame(frame radio.FrameData) error {
	// Gate 1.
	if !s.device.IsClkSourceOK() {
		return nil
	}

	s.mu.RLock()
	enableSync := s.cfg.Synchronous
	muteNoTS := s.cfg.MuteNoTimestamps
	muting := s.cfg.Muting
	sampleRate := s.cfg.SampleRate
	s.mu.RUnlock()

	// Gate 2.
	if enableSync && muteNoTS && !frame.TS.Valid {
		s.mu.Lock()
		s.droppedNoTimestamp++
		s.mu.Unlock()
		s.log.Warn("dropping frame: synchronous mode with no valid timestamp",
			logf("fct", frame.TS.FCT))
		return nil
	}

	// Gate 3: synchronous path.
	if enableSync && frame.TS.Valid {
		if frame.TS.OffsetChanged {
			s.device.RequireTimestampRefresh()
		}

		s.mu.Lock()
		haveLast := s.haveLastTS
		lastSec, lastPPS := s.lastTxSec, s.lastTxPPS
		s.mu.Unlock()

		if haveLast && sampleRate > 0 {
			sizeIn := uint64(len(frame.Buf) / 4) // interleaved I16/Q16 complex samples
			incrementTicks := sizeIn * radio.PPSTicksPerSecond / uint64(sampleRate)

			expectedPPS := lastPPS + incrementTicks
			expectedSec := lastSec + expectedPPS/radio.PPSTicksPerSecond
			expectedPPS %= radio.PPSTicksPerSecond

			if uint64(frame.TS.Sec) != expectedSec || uint64(frame.TS.PPS) != expectedPPS {
				s.log.Warn("frame timestamp discontinuity, requesting refresh",
					logf("fct", frame.TS.FCT),
					logf("expected_sec", expectedSec), logf("expected_pps", expectedPPS),
					logf("got_sec", frame.TS.Sec), logf("got_pps", frame.TS.PPS))
				s.device.RequireTimestampRefresh()
			}
		}

		s.mu.Lock()
		s.haveLastTS = true
		s.lastTxSec = uint64(frame.TS.Sec)
		s.lastTxPPS = uint64(frame.TS.PPS)
		s.mu.Unlock()

		deviceNow := s.device.GetRealSecs()
		if frame.TS.RealSecs() < deviceNow {
			s.mu.Lock()
			s.droppedLate++
			s.mu.Unlock()
			s.device.RequireTimestampRefresh()
			s.log.Warn("late frame, dropping", logf("fct", frame.TS.FCT),
				logf("real_secs", frame.TS.RealSecs()), logf("device_time", deviceNow))
			return nil
		}
		if frame.TS.RealSecs() > deviceNow+farFutureMarginS {
			snap := s.spec.Analyze(frame.Buf)
			return fmt.Errorf("output: frame fct=%d timestamp %.3f is more than %.0fs ahead of device time %.3f (peak %.1f dBFS)",
				frame.TS.FCT, frame.TS.RealSecs(), farFutureMarginS, deviceNow, snap.PeakDBFS)
		}
	}

	// Gate 4.
	if muting {
		s.device.RequireTimestampRefresh()
		s.mu.Lock()
		s.droppedMuted++
		s.mu.Unlock()
		return nil
	}

	return s.device.TransmitFrame(context.Background(), frame)
}
