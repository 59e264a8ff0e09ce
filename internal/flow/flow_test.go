package flow

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func testConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testKey(port uint16) Key {
	return Key{Listener: 0, Client: netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), port)}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "CREATED"},
		{StateActive, "ACTIVE"},
		{StateEvicted, "EVICTED"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestEvictReason_String(t *testing.T) {
	tests := []struct {
		reason EvictReason
		want   string
	}{
		{ReasonIdle, "idle"},
		{ReasonUnreplied, "unreplied"},
		{ReasonShutdown, "shutdown"},
		{ReasonFailed, "failed"},
		{EvictReason(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("EvictReason(%d).String() = %q, want %q", tt.reason, got, tt.want)
		}
	}
}

func TestID_Parts(t *testing.T) {
	id := makeID(7, 3)
	if id.slot() != 7 {
		t.Errorf("slot = %d, want 7", id.slot())
	}
	if id.generation() != 3 {
		t.Errorf("generation = %d, want 3", id.generation())
	}
	if id.String() != "7.3" {
		t.Errorf("String = %q, want 7.3", id.String())
	}
}

func TestFlow_StateTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	f := newFlow(makeID(0, 0), testKey(1), testConn(t), now)

	if f.State() != StateCreated {
		t.Fatalf("initial state = %v, want CREATED", f.State())
	}

	// The creating datagram is accounted without leaving CREATED.
	f.RecordIn(10, now)
	if f.State() != StateCreated {
		t.Errorf("state after first RecordIn = %v, want CREATED", f.State())
	}

	later := now.Add(time.Second)
	f.RecordOut(20, later)
	if f.State() != StateActive {
		t.Errorf("state after reply = %v, want ACTIVE", f.State())
	}
	if !f.LastSeen().Equal(later) {
		t.Errorf("LastSeen = %v, want %v", f.LastSeen(), later)
	}
}

func TestFlow_Assured(t *testing.T) {
	now := time.Now()
	f := newFlow(makeID(0, 0), testKey(1), testConn(t), now)

	f.RecordIn(1, now)
	f.RecordIn(1, now)
	if f.Assured() {
		t.Error("flow without a reply must not be assured")
	}

	f.RecordOut(1, now)
	if !f.Assured() {
		t.Error("flow with 2 datagrams in and 1 out should be assured")
	}

	g := newFlow(makeID(1, 0), testKey(2), testConn(t), now)
	g.RecordIn(1, now)
	g.RecordOut(1, now)
	if g.Assured() {
		t.Error("single exchange must not be assured")
	}
}

func TestFlow_Info(t *testing.T) {
	now := time.Now()
	conn := testConn(t)
	f := newFlow(makeID(2, 1), testKey(4242), conn, now)
	f.RecordIn(100, now)
	f.RecordOut(50, now)

	info := f.Info()
	if info.ID != f.ID() {
		t.Errorf("ID = %v, want %v", info.ID, f.ID())
	}
	if info.Client != "192.0.2.1:4242" {
		t.Errorf("Client = %q", info.Client)
	}
	if info.LocalAddr != conn.LocalAddr().String() {
		t.Errorf("LocalAddr = %q, want %q", info.LocalAddr, conn.LocalAddr())
	}
	if info.BytesIn != 100 || info.BytesOut != 50 || info.PacketsIn != 1 || info.PacketsOut != 1 {
		t.Errorf("counters = %+v", info)
	}
	if info.State != "ACTIVE" {
		t.Errorf("State = %q, want ACTIVE", info.State)
	}
}
