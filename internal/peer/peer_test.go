package peer

import (
	"net"
	"testing"
	"time"
)

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
}

func TestDeliverWaitForWorkHandoff(t *testing.T) {
	c := NewCommon(RoleSeeder, testAddr(), time.Second)

	done := make(chan struct{})
	var got []byte
	go func() {
		datagram, ok := c.WaitForWork(nil)
		if ok {
			got = datagram
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Deliver([]byte{1, 2, 3})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForWork never returned after Deliver")
	}

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("unexpected datagram: %v", got)
	}
	if c.CondState != CondDone {
		t.Errorf("expected CondDone after consumption, got %v", c.CondState)
	}
}

func TestWaitForWorkStopsOnStopChannel(t *testing.T) {
	c := NewCommon(RoleLeecher, testAddr(), time.Second)
	stop := make(chan struct{})

	done := make(chan struct{})
	var ok bool
	go func() {
		_, ok = c.WaitForWork(stop)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForWork did not return after stop was closed")
	}
	if ok {
		t.Error("expected ok=false when stop fires before any datagram arrives")
	}
}

func TestExpired(t *testing.T) {
	c := NewCommon(RoleSeeder, testAddr(), 20*time.Millisecond)
	if c.Expired() {
		t.Error("freshly created peer should not be expired")
	}
	time.Sleep(40 * time.Millisecond)
	if !c.Expired() {
		t.Error("peer should be expired after exceeding its timeout with no Deliver")
	}
	c.Deliver([]byte{0})
	if c.Expired() {
		t.Error("Deliver should reset the expiry clock")
	}
}

func TestChunkTableDownloaded(t *testing.T) {
	ct := ChunkTable{{Downloaded: true}, {Downloaded: false}}
	if !ct.Downloaded(0) {
		t.Error("expected chunk 0 to report downloaded")
	}
	if ct.Downloaded(1) {
		t.Error("expected chunk 1 to report not downloaded")
	}
	if ct.Downloaded(5) {
		t.Error("out-of-range index should report not downloaded, not panic")
	}
}

func TestSeederStateStrings(t *testing.T) {
	states := []SeederState{
		SeederHandshakeInit, SeederSendHandshakeHave, SeederWaitRequest, SeederRequest,
		SeederSendIntegrity, SeederSendData, SeederWaitAck, SeederWaitFinish,
	}
	seen := make(map[string]bool)
	for _, s := range states {
		str := s.String()
		if str == "UNKNOWN" || seen[str] {
			t.Errorf("SeederState %d produced unexpected/duplicate string %q", s, str)
		}
		seen[str] = true
	}
}

func TestLeecherStateStrings(t *testing.T) {
	states := []LeecherState{
		LeecherHandshake, LeecherWaitHave, LeecherPrepareRequest, LeecherSendRequest,
		LeecherWaitPexResp, LeecherWaitIntegrity, LeecherWaitData, LeecherSendAck,
		LeecherSendHandshakeFinish, LeecherSwitchSeeder,
	}
	seen := make(map[string]bool)
	for _, s := range states {
		str := s.String()
		if str == "UNKNOWN" || seen[str] {
			t.Errorf("LeecherState %d produced unexpected/duplicate string %q", s, str)
		}
		seen[str] = true
	}
}
