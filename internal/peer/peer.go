// Package peer defines the endpoint-within-a-session record both state
// machines operate on (spec §3's "Peer record") and the dispatcher/worker
// handoff primitive described in spec §5: each peer owns a mutex, a
// condition variable, and a two-value cond flag the dispatcher and the
// peer's worker use to pass inbound datagrams back and forth without a
// channel per datagram.
//
// Grounded on daemon/manager/session.go's mutex-guarded Session record
// (state, timestamps, metrics) and the reference's condvar handoff, adapted
// from a lock-per-field session object to the single mutex+condvar spec §5
// names.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/swiftp2p/swarmd/internal/merkle"
	"github.com/swiftp2p/swarmd/internal/scheduler"
)

// Role distinguishes which side of a session this process is playing.
type Role uint8

const (
	RoleSeeder Role = iota
	RoleLeecher
)

// CondState is the dispatcher/worker handoff flag. The dispatcher sets TODO
// after depositing a datagram in RecvBuf and signals; the worker waits for
// TODO, processes, and sets DONE.
type CondState uint8

const (
	CondDone CondState = iota
	CondTodo
)

// Chunk is a peer's local view of one chunk's download state — distinct
// from catalog.Chunk, which is the seeder's on-disk source of truth; a
// leecher's Chunk is populated incrementally as INTEGRITY/DATA arrive.
type Chunk struct {
	Offset     int64
	Len        uint32
	SHA        merkle.Hash
	Active     bool
	Downloaded bool
}

// Downloaded implements scheduler.ChunkStatus over a peer's chunk table.
type ChunkTable []Chunk

func (ct ChunkTable) Downloaded(i uint32) bool {
	if int(i) >= len(ct) {
		return false
	}
	return ct[i].Downloaded
}

// Common holds the fields spec §3 lists as shared between seeder- and
// leecher-side peer records.
type Common struct {
	SrcChanID  uint32
	DestChanID uint32
	Role       Role
	RemoteAddr *net.UDPAddr

	RecvBuf []byte
	SendBuf []byte

	FName     string
	FileSize  int64
	ChunkSize uint32
	NumChunks uint32 // nc
	NumLeaves uint32 // nl

	Chunks ChunkTable
	Tree   *merkle.Tree
	Root   merkle.Hash

	LastRecv time.Time
	LastSend time.Time
	Timeout  time.Duration

	Mu        sync.Mutex
	Cond      *sync.Cond
	CondState CondState
}

// NewCommon returns a Common with its condition variable wired to its own
// mutex, ready for dispatcher/worker handoff.
func NewCommon(role Role, addr *net.UDPAddr, timeout time.Duration) *Common {
	c := &Common{
		Role:       role,
		RemoteAddr: addr,
		Timeout:    timeout,
		LastRecv:   time.Now(),
		LastSend:   time.Now(),
	}
	c.Cond = sync.NewCond(&c.Mu)
	return c
}

// Deliver is called by the dispatcher goroutine: it stores an inbound
// datagram, marks the peer runnable, and wakes its worker.
func (c *Common) Deliver(datagram []byte) {
	c.Mu.Lock()
	c.RecvBuf = append(c.RecvBuf[:0], datagram...)
	c.CondState = CondTodo
	c.LastRecv = time.Now()
	c.Cond.Signal()
	c.Mu.Unlock()
}

// WaitForWork blocks until the dispatcher has delivered a datagram (or stop
// is closed), then returns a copy of it and flips the flag back to DONE.
func (c *Common) WaitForWork(stop <-chan struct{}) (datagram []byte, ok bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			c.Mu.Lock()
			c.Cond.Signal()
			c.Mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	c.Mu.Lock()
	defer c.Mu.Unlock()
	for c.CondState != CondTodo {
		select {
		case <-stop:
			return nil, false
		default:
		}
		c.Cond.Wait()
		select {
		case <-stop:
			return nil, false
		default:
		}
	}
	datagram = append([]byte(nil), c.RecvBuf...)
	c.CondState = CondDone
	return datagram, true
}

// Expired reports whether no datagram has arrived within Timeout.
func (c *Common) Expired() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return time.Since(c.LastRecv) > c.Timeout
}

// TouchSend records an outbound send time.
func (c *Common) TouchSend() {
	c.Mu.Lock()
	c.LastSend = time.Now()
	c.Mu.Unlock()
}

// SeederState enumerates the eight per-leecher states of spec §4.5.
type SeederState uint8

const (
	SeederHandshakeInit SeederState = iota
	SeederSendHandshakeHave
	SeederWaitRequest
	SeederRequest
	SeederSendIntegrity
	SeederSendData
	SeederWaitAck
	SeederWaitFinish
)

func (s SeederState) String() string {
	switch s {
	case SeederHandshakeInit:
		return "HANDSHAKE_INIT"
	case SeederSendHandshakeHave:
		return "SEND_HANDSHAKE_HAVE"
	case SeederWaitRequest:
		return "WAIT_REQUEST"
	case SeederRequest:
		return "REQUEST"
	case SeederSendIntegrity:
		return "SEND_INTEGRITY"
	case SeederSendData:
		return "SEND_DATA"
	case SeederWaitAck:
		return "WAIT_ACK"
	case SeederWaitFinish:
		return "WAIT_FINISH"
	default:
		return "UNKNOWN"
	}
}

// SeederPeer is the per-leecher record a seeder keeps (spec §3, seeder-specific fields).
type SeederPeer struct {
	*Common

	State SeederState

	EntryRoot  merkle.Hash
	StartChunk uint32
	EndChunk   uint32
	CurrChunk  uint32

	WantsPex bool

	ToRemove bool
}

// LeecherState enumerates the ten leecher-side states of spec §4.6.
type LeecherState uint8

const (
	LeecherHandshake LeecherState = iota
	LeecherWaitHave
	LeecherPrepareRequest
	LeecherSendRequest
	LeecherWaitPexResp
	LeecherWaitIntegrity
	LeecherWaitData
	LeecherSendAck
	LeecherSendHandshakeFinish
	LeecherSwitchSeeder
)

func (s LeecherState) String() string {
	switch s {
	case LeecherHandshake:
		return "HANDSHAKE"
	case LeecherWaitHave:
		return "WAIT_HAVE"
	case LeecherPrepareRequest:
		return "PREPARE_REQUEST"
	case LeecherSendRequest:
		return "SEND_REQUEST"
	case LeecherWaitPexResp:
		return "WAIT_PEX_RESP"
	case LeecherWaitIntegrity:
		return "WAIT_INTEGRITY"
	case LeecherWaitData:
		return "WAIT_DATA"
	case LeecherSendAck:
		return "SEND_ACK"
	case LeecherSendHandshakeFinish:
		return "SEND_HANDSHAKE_FINISH"
	case LeecherSwitchSeeder:
		return "SWITCH_SEEDER"
	default:
		return "UNKNOWN"
	}
}

// LeecherPeer is the single session record a leecher drives (spec §3,
// leecher-specific fields).
type LeecherPeer struct {
	*Common

	State LeecherState

	ShaDemanded merkle.Hash

	DownloadSchedule    []scheduler.Entry
	DownloadScheduleIdx int
	ScheduleMu          sync.Mutex
	HashesPerMTU        uint32

	WantStart, WantEnd uint32

	AfterSeederSwitch bool
	AltSeeders        []*net.UDPAddr
	CurrentSeeder     int
}
