package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/AlessioNetti/finj-go/internal/transport"
)

type fakeClock struct {
	anchored int64
	corrects []int64
}

func (c *fakeClock) Anchor(ts int64)  { c.anchored = ts }
func (c *fakeClock) Correct(ts int64) { c.corrects = append(c.corrects, ts) }

func newTestManager() (*Manager, *fakeClock, *int, *int) {
	starts, stops := 0, 0
	clock := &fakeClock{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, clock,
		func() { starts++ },
		func() { stops++ },
		func(protocol.Message) {},
		func() {},
	)
	return m, clock, &starts, &stops
}

func newTestManagerWithSubmit() (*Manager, *int) {
	submits := 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, &fakeClock{},
		func() {}, func() {},
		func(protocol.Message) { submits++ },
		func() {},
	)
	return m, &submits
}

func TestManager_NoMasterAcceptsFirstSession(t *testing.T) {
	m, _, starts, _ := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}

	reply := m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})
	if reply == nil || reply.Type != protocol.TypeAckYes {
		t.Fatalf("expected ack_yes, got %+v", reply)
	}
	if reply.Error == nil || *reply.Error != protocol.ErrorReset {
		t.Errorf("expected reset error code, got %+v", reply.Error)
	}
	if *starts != 1 {
		t.Errorf("expected pool started once, got %d", *starts)
	}
	if m.State() != MasterActive {
		t.Errorf("expected MasterActive, got %v", m.State())
	}
}

func TestManager_SameMasterSameSessionIsNoop(t *testing.T) {
	m, _, starts, stops := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	reply := m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})
	if reply == nil || reply.Type != protocol.TypeAckYes || reply.Error != nil {
		t.Fatalf("expected plain ack_yes, got %+v", reply)
	}
	if *starts != 1 || *stops != 0 {
		t.Errorf("expected no pool restart, got starts=%d stops=%d", *starts, *stops)
	}
}

func TestManager_OtherAddrRejectedWhileMasterActive(t *testing.T) {
	m, _, _, _ := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	b := transport.PeerAddr{IP: "10.0.0.2", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	reply := m.Handle(b, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 200})
	if reply == nil || reply.Type != protocol.TypeAckNo {
		t.Fatalf("expected ack_no, got %+v", reply)
	}
}

func TestManager_SameAddrNewSessionResetsPool(t *testing.T) {
	m, _, starts, stops := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	reply := m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 200})
	if reply == nil || reply.Type != protocol.TypeAckYes || reply.Error == nil || *reply.Error != protocol.ErrorReset {
		t.Fatalf("expected reset ack_yes, got %+v", reply)
	}
	if *starts != 2 || *stops != 1 {
		t.Errorf("expected pool restarted, got starts=%d stops=%d", *starts, *stops)
	}
}

func TestManager_EndSessionFromMasterClearsState(t *testing.T) {
	m, _, _, stops := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	reply := m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandEndSession, Timestamp: 150})
	if reply == nil || reply.Type != protocol.TypeAckYes {
		t.Fatalf("expected ack_yes, got %+v", reply)
	}
	if *stops != 1 {
		t.Errorf("expected pool stopped, got %d", *stops)
	}
	if m.State() != NoMaster {
		t.Errorf("expected NoMaster, got %v", m.State())
	}
}

func TestManager_SetTimeAndCorrectTimeOnlyFromMaster(t *testing.T) {
	m, clock, _, _ := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	other := transport.PeerAddr{IP: "10.0.0.2", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	m.Handle(other, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandSetTime, Timestamp: 999})
	if clock.anchored == 999 {
		t.Error("non-master should not be able to anchor the clock")
	}

	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandSetTime, Timestamp: 80})
	if clock.anchored != 80 {
		t.Errorf("expected anchor 80, got %d", clock.anchored)
	}

	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandCorrectTime, Timestamp: 85})
	if len(clock.corrects) != 1 || clock.corrects[0] != 85 {
		t.Errorf("expected one correction of 85, got %v", clock.corrects)
	}
}

func TestManager_ConnectionLostWithoutRecoveryTearsDownImmediately(t *testing.T) {
	m, _, _, stops := newTestManager()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	m.HandleConnectionLost(a)
	if m.State() != NoMaster {
		t.Errorf("expected NoMaster without recovery enabled, got %v", m.State())
	}
	if *stops != 1 {
		t.Errorf("expected pool stopped, got %d", *stops)
	}
}

func TestManager_ConnectionLostWithRecoveryEntersDangling(t *testing.T) {
	m, _, _, stops := newTestManager()
	m.SetRecovery(true, time.Minute)
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	m.HandleConnectionLost(a)
	if m.State() != MasterDangling {
		t.Fatalf("expected MasterDangling, got %v", m.State())
	}
	if *stops != 0 {
		t.Errorf("expected pool kept running during grace period, got %d stops", *stops)
	}
}

func TestManager_DanglingMasterResumesFromNewPort(t *testing.T) {
	m, _, starts, stops := newTestManager()
	m.SetRecovery(true, time.Minute)
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})
	m.HandleConnectionLost(a)

	resumed := transport.PeerAddr{IP: "10.0.0.1", Port: 2}
	reply := m.Handle(resumed, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})
	if reply == nil || reply.Type != protocol.TypeAckYes || reply.Error != nil {
		t.Fatalf("expected plain ack_yes on resume with same sessionTs, got %+v", reply)
	}
	if m.State() != MasterActive {
		t.Errorf("expected MasterActive after resume, got %v", m.State())
	}
	if *starts != 1 || *stops != 0 {
		t.Errorf("expected pool left running across resume, got starts=%d stops=%d", *starts, *stops)
	}
}

func TestManager_DanglingRejectsOtherIP(t *testing.T) {
	m, _, _, _ := newTestManager()
	m.SetRecovery(true, time.Minute)
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	other := transport.PeerAddr{IP: "10.0.0.9", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})
	m.HandleConnectionLost(a)

	reply := m.Handle(other, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 200})
	if reply == nil || reply.Type != protocol.TypeAckNo {
		t.Fatalf("expected ack_no from a different IP while dangling, got %+v", reply)
	}
}

func TestManager_TickReapsExpiredGracePeriod(t *testing.T) {
	m, _, _, stops := newTestManager()
	m.SetRecovery(true, 10*time.Millisecond)
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})
	m.HandleConnectionLost(a)

	m.Tick(time.Now().Add(time.Hour))
	if m.State() != NoMaster {
		t.Errorf("expected NoMaster after grace period elapses, got %v", m.State())
	}
	if *stops != 1 {
		t.Errorf("expected pool stopped on reap, got %d", *stops)
	}
}

func TestManager_CommandStartResubmittedWithoutRecovery(t *testing.T) {
	m, submits := newTestManagerWithSubmit()
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	seq := protocol.SeqNum{SessionTs: 100, Num: 12}
	m.Handle(a, seq, &protocol.Message{Type: protocol.TypeCommandStart, Timestamp: 100})
	if *submits != 1 {
		t.Fatalf("expected 1 submit, got %d", *submits)
	}

	// Without recovery enabled, dedup is inactive: a resend is treated
	// as a fresh command, mirroring spec.md's default (no replay).
	m.Handle(a, seq, &protocol.Message{Type: protocol.TypeCommandStart, Timestamp: 100})
	if *submits != 2 {
		t.Errorf("expected resend accepted with recovery disabled, got %d submits", *submits)
	}
}

func TestManager_CommandStartDeduplicatedByReplaySeqWhenRecoveryEnabled(t *testing.T) {
	m, submits := newTestManagerWithSubmit()
	m.SetRecovery(true, time.Minute)
	a := transport.PeerAddr{IP: "10.0.0.1", Port: 1}
	m.Handle(a, protocol.SeqNum{}, &protocol.Message{Type: protocol.TypeCommandStartSession, Timestamp: 100})

	seq12 := protocol.SeqNum{SessionTs: 100, Num: 12}
	m.Handle(a, seq12, &protocol.Message{Type: protocol.TypeCommandStart, Timestamp: 100})
	if *submits != 1 {
		t.Fatalf("expected 1 submit, got %d", *submits)
	}

	// Engine keeps running [10,11] while the controller is disconnected
	// then replays [10,11,12] on reconnect (spec.md §8 Scenario 6): only
	// genuinely new seqNums should reach the pool a second time.
	seq10 := protocol.SeqNum{SessionTs: 100, Num: 10}
	seq11 := protocol.SeqNum{SessionTs: 100, Num: 11}
	m.Handle(a, seq10, &protocol.Message{Type: protocol.TypeCommandStart, Timestamp: 100})
	m.Handle(a, seq11, &protocol.Message{Type: protocol.TypeCommandStart, Timestamp: 100})
	m.Handle(a, seq12, &protocol.Message{Type: protocol.TypeCommandStart, Timestamp: 100})
	if *submits != 3 {
		t.Errorf("expected seq 12 replay discarded and 10/11 submitted fresh, got %d submits", *submits)
	}
}

func TestHostMonitor_ResamplesWithZeroMinPeriod(t *testing.T) {
	calls := 0
	hm := NewHostMonitor(0, func() protocol.HostStats {
		calls++
		return protocol.HostStats{CPUPercent: float64(calls)}
	})
	s1 := hm.Sample()
	s2 := hm.Sample()
	if s1.CPUPercent == 0 || s2.CPUPercent == 0 {
		t.Fatal("expected non-zero samples")
	}
	if calls < 2 {
		t.Errorf("expected resampling with zero min period, got %d calls", calls)
	}
}
