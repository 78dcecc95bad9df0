// Package seeder drives the seeder side of a session: one dispatcher
// goroutine bound to a UDP socket, demultiplexing inbound datagrams by
// source address to a per-leecher worker goroutine that runs the eight-state
// machine of spec §4.5.
//
// Grounded on the teacher's ChunkWorkerPool (daemon/transport/chunk_sender.go)
// goroutine-per-worker-with-cancel shape and daemon/manager/store.go's
// single-mutex map-of-sessions, adapted from a per-transfer worker pool to a
// per-leecher session worker, and from QUIC streams to raw UDP datagrams.
package seeder

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swiftp2p/swarmd/internal/catalog"
	"github.com/swiftp2p/swarmd/internal/config"
	"github.com/swiftp2p/swarmd/internal/events"
	"github.com/swiftp2p/swarmd/internal/merkle"
	"github.com/swiftp2p/swarmd/internal/observability"
	"github.com/swiftp2p/swarmd/internal/peer"
	"github.com/swiftp2p/swarmd/internal/wire"
)

var (
	ErrFileNotShared = errors.New("seeder: path is not in the catalog")
)

var chanIDCounter uint32

// nextChanID hands out process-unique, non-zero channel ids for new peer
// sessions sharing this socket.
func nextChanID() uint32 {
	for {
		v := atomic.AddUint32(&chanIDCounter, 1)
		if v != 0 {
			return v
		}
	}
}

// Session is a running seeder process.
type Session struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	conn    *net.UDPConn

	logger  *observability.Logger
	metrics *observability.Metrics
	events  *events.Publisher

	mu         sync.Mutex
	peers      map[string]*peer.SeederPeer
	altSeeders []*net.UDPAddr

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New opens the UDP socket and returns an idle session; call Run to start
// the dispatcher and timeout sweep.
func New(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, pub *events.Publisher) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("seeder: resolve %s: %w", cfg.ListenAddress, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("seeder: listen %s: %w", cfg.ListenAddress, err)
	}

	return &Session{
		cfg:     cfg,
		catalog: catalog.New(merkle.SHA1Hasher{}),
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		events:  pub,
		peers:   make(map[string]*peer.SeederPeer),
		stop:    make(chan struct{}),
	}, nil
}

// AddFileOrDirectory inserts path into the catalog; a directory is walked
// for regular files (spec §6's seeder_add_file_or_directory).
func (s *Session) AddFileOrDirectory(path string, fec *catalog.FECProfile) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("seeder: stat %s: %w", path, err)
	}
	if info.IsDir() {
		_, err := s.catalog.AddDirectory(path, s.cfg.ChunkSize, fec)
		return err
	}
	_, err = s.catalog.AddFile(path, s.cfg.ChunkSize, fec)
	return err
}

// RootForPath returns the Merkle root a previously-added path was catalogued
// under, for callers that need to hand a leecher its sha_demanded without
// recomputing the tree themselves.
func (s *Session) RootForPath(path string) (merkle.Hash, bool) {
	entry, ok := s.catalog.ByPath(path)
	if !ok {
		return merkle.Hash{}, false
	}
	return entry.Root, true
}

// AddSeeder registers an alternative seeder address advertised via PEX_RESP.
func (s *Session) AddSeeder(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.altSeeders {
		if a.String() == addr.String() {
			return
		}
	}
	s.altSeeders = append(s.altSeeders, addr)
}

// RemoveSeeder drops addr from the alternative-seeder list.
func (s *Session) RemoveSeeder(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.altSeeders {
		if a.String() == addr.String() {
			s.altSeeders = append(s.altSeeders[:i], s.altSeeders[i+1:]...)
			return
		}
	}
}

// Addr returns the bound UDP address, useful when ListenAddress asked for an
// ephemeral port (":0").
func (s *Session) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run blocks, dispatching inbound datagrams to per-leecher workers, until
// Close is called.
func (s *Session) Run() error {
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.timeoutSweepLoop()
	<-s.stop
	s.wg.Wait()
	return nil
}

// Serve is equivalent to Run but returns once the dispatcher and sweep
// goroutines have started, for callers (tests, embedders) that want to
// launch the session in the background rather than block the caller.
func (s *Session) Serve() {
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.timeoutSweepLoop()
}

// Close terminates the dispatcher, all peer workers, and the socket.
func (s *Session) Close() error {
	s.stopped.Do(func() { close(s.stop) })
	return s.conn.Close()
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		datagram := append([]byte(nil), buf[:n]...)
		s.handleDatagram(addr, datagram)
	}
}

func (s *Session) handleDatagram(addr *net.UDPAddr, datagram []byte) {
	key := addr.String()

	s.mu.Lock()
	sp, ok := s.peers[key]
	if !ok {
		common := peer.NewCommon(peer.RoleSeeder, addr, time.Duration(s.cfg.PeerTimeout)*time.Second)
		sp = &peer.SeederPeer{Common: common, State: peer.SeederHandshakeInit}
		s.peers[key] = sp
		s.wg.Add(1)
		go s.runPeer(sp)
		if s.metrics != nil {
			s.metrics.RecordPeerJoined()
		}
	}
	s.mu.Unlock()

	sp.Deliver(datagram)
}

func (s *Session) removePeer(sp *peer.SeederPeer) {
	s.mu.Lock()
	delete(s.peers, sp.RemoteAddr.String())
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPeerRemoved()
	}
}

// timeoutSweepLoop marks peers to_remove after PeerTimeout seconds of
// silence and joins their workers, per spec §5's cancellation model.
func (s *Session) timeoutSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			var expired []*peer.SeederPeer
			for _, sp := range s.peers {
				if sp.Expired() {
					sp.ToRemove = true
					expired = append(expired, sp)
				}
			}
			s.mu.Unlock()
			for _, sp := range expired {
				if s.metrics != nil {
					s.metrics.RecordPeerTimeout()
				}
				if s.logger != nil {
					s.logger.PeerTimedOut(sp.RemoteAddr.String(), fmt.Sprintf("%x", sp.Root))
				}
				sp.Mu.Lock()
				sp.Cond.Signal()
				sp.Mu.Unlock()
			}
		}
	}
}

// runPeer drives one leecher's eight-state machine end to end. It is the
// worker goroutine of spec §5's dispatcher/worker model: it blocks on
// WaitForWork only in the three states that are genuinely waiting on inbound
// datagrams (HANDSHAKE_INIT, WAIT_REQUEST, WAIT_ACK); the rest run
// synchronously between those I/O waits.
func (s *Session) runPeer(sp *peer.SeederPeer) {
	defer s.wg.Done()
	defer s.removePeer(sp)

	for {
		if sp.ToRemove {
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}

		switch sp.State {
		case peer.SeederHandshakeInit:
			datagram, ok := sp.WaitForWork(s.stop)
			if !ok {
				return
			}
			if err := s.onHandshakeInit(sp, datagram); err != nil {
				s.logDrop(sp, err)
				return
			}

		case peer.SeederSendHandshakeHave:
			if err := s.sendHandshakeHave(sp); err != nil {
				s.logDrop(sp, err)
				return
			}
			sp.State = peer.SeederWaitRequest

		case peer.SeederWaitRequest:
			datagram, ok := sp.WaitForWork(s.stop)
			if !ok {
				return
			}
			finished, err := s.onWaitRequest(sp, datagram)
			if err != nil {
				s.logDrop(sp, err)
				return
			}
			if finished {
				return
			}

		case peer.SeederRequest:
			s.onRequest(sp)

		case peer.SeederSendIntegrity:
			if err := s.sendIntegrity(sp); err != nil {
				s.logDrop(sp, err)
				return
			}

		case peer.SeederSendData:
			if err := s.sendData(sp); err != nil {
				s.logDrop(sp, err)
				return
			}

		case peer.SeederWaitAck:
			datagram, ok := sp.WaitForWork(s.stop)
			if !ok {
				return
			}
			if err := s.onWaitAck(sp, datagram); err != nil {
				s.logDrop(sp, err)
				return
			}

		case peer.SeederWaitFinish:
			return
		}
	}
}

func (s *Session) logDrop(sp *peer.SeederPeer, err error) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf("dropping peer %s: %v", sp.RemoteAddr, err))
	}
	if s.events != nil {
		s.events.PublishFailed(fmt.Sprintf("%x", sp.Root), err.Error())
	}
}

// onHandshakeInit implements state 1: parse options, classify, look up the
// demanded file by its swarm id (this core carries the 20-byte root in the
// SWARM_ID option — the reference leaves FILE_HASH reserved with no defined
// body, so SWARM_ID is the vehicle a real PPSPP handshake already uses for
// the content identifier).
func (s *Session) onHandshakeInit(sp *peer.SeederPeer, datagram []byte) error {
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	if hdr.Kind != wire.KindHandshake {
		return fmt.Errorf("seeder: expected HANDSHAKE, got %s", hdr.Kind)
	}
	srcChanID, opts, _, err := wire.DecodeHandshakeBody(body)
	if err != nil {
		return err
	}
	if wire.ClassifyHandshake(hdr.DestChanID, srcChanID) != wire.HandshakeInit {
		return fmt.Errorf("seeder: not a HANDSHAKE(init): dest=%d src=%d", hdr.DestChanID, srcChanID)
	}

	sp.DestChanID = srcChanID
	sp.SrcChanID = nextChanID()

	var root merkle.Hash
	if len(opts.SwarmID) == merkle.HashSize {
		copy(root[:], opts.SwarmID)
	}

	entry, ok := s.catalog.ByRoot(root)
	if !ok {
		// spec §4.3: lookup miss replies with a zero-size handshake; the
		// leecher surfaces ENOENT rather than this being a dropped peer.
		sp.Root = root
		sp.EntryRoot = root
		sp.FName = ""
		sp.FileSize = 0
		sp.ChunkSize = s.cfg.ChunkSize
		sp.NumChunks = 0
		sp.StartChunk = 0
		sp.EndChunk = 0
		if s.metrics != nil {
			s.metrics.RecordHandshake("not_found")
		}
		sp.State = peer.SeederSendHandshakeHave
		return nil
	}

	sp.Root = entry.Root
	sp.EntryRoot = entry.Root
	sp.FName = entry.FileName
	sp.FileSize = entry.FileSize
	sp.ChunkSize = entry.ChunkSize
	sp.NumChunks = entry.NumChunks
	sp.NumLeaves = entry.NumLeaves
	sp.Tree = entry.Tree
	sp.StartChunk = 0
	sp.EndChunk = entry.NumChunks - 1

	if s.metrics != nil {
		s.metrics.RecordHandshake("accepted")
	}
	if s.logger != nil {
		s.logger.PeerHandshakeAccepted(sp.RemoteAddr.String(), sp.SrcChanID)
	}
	if s.events != nil {
		s.events.Publish(&events.Event{
			SessionID: fmt.Sprintf("%x", entry.Root),
			Type:      events.HandshakeAccepted,
			Timestamp: time.Now(),
		})
	}

	sp.State = peer.SeederSendHandshakeHave
	return nil
}

// sendHandshakeHave implements state 2.
func (s *Session) sendHandshakeHave(sp *peer.SeederPeer) error {
	opts := wire.HandshakeOptions{
		Version:           1,
		MinimumVersion:    1,
		SwarmID:           sp.Root[:],
		ContentProtMethod: 1,
		ChunkAddrMethod:   wire.ChunkAddr32BitBin,
		LiveDiscWind:      0,
		ChunkSize:         sp.ChunkSize,
		FileSize:          uint64(sp.FileSize),
		FileName:          sp.FName,
	}
	datagram := wire.EncodeHandshakeHave(sp.DestChanID, sp.SrcChanID, opts, sp.StartChunk, sp.EndChunk)
	_, err := s.conn.WriteToUDP(datagram, sp.RemoteAddr)
	if err == nil {
		sp.TouchSend()
		if s.metrics != nil {
			s.metrics.RecordMessageSent(wire.KindHandshake.String())
			s.metrics.RecordMessageSent(wire.KindHave.String())
		}
	}
	return err
}

// onWaitRequest implements state 3: record the requested range, optionally
// note a PEX_REQ, or terminate on HANDSHAKE(finish). Returns finished=true
// when the peer should be torn down (WAIT_FINISH reached).
func (s *Session) onWaitRequest(sp *peer.SeederPeer, datagram []byte) (finished bool, err error) {
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return false, err
	}

	switch hdr.Kind {
	case wire.KindRequest:
		startChunk, endChunk, pexReq, _, err := wire.DecodeRequestBody(body)
		if err != nil {
			return false, err
		}
		if s.metrics != nil {
			s.metrics.RecordMessageReceived(wire.KindRequest.String())
		}
		sp.StartChunk = startChunk
		sp.EndChunk = endChunk
		sp.CurrChunk = startChunk
		sp.WantsPex = pexReq
		sp.State = peer.SeederRequest
		return false, nil

	case wire.KindHandshake:
		srcChanID, _, _, err := wire.DecodeHandshakeBody(body)
		if err != nil {
			return false, err
		}
		if wire.ClassifyHandshake(hdr.DestChanID, srcChanID) != wire.HandshakeFinish {
			return false, fmt.Errorf("seeder: unexpected HANDSHAKE in WAIT_REQUEST")
		}
		sp.State = peer.SeederWaitFinish
		return true, nil

	default:
		return false, fmt.Errorf("seeder: unexpected message kind %s in WAIT_REQUEST", hdr.Kind)
	}
}

// onRequest implements state 4: optionally answer PEX, then always proceed
// to SEND_INTEGRITY (SEND_PEX_RESP is not one of the eight tracked states —
// it is folded into this one as a side effect before the transition).
func (s *Session) onRequest(sp *peer.SeederPeer) {
	if sp.WantsPex {
		s.mu.Lock()
		entries := make([]wire.PexEntry, 0, len(s.altSeeders))
		for _, addr := range s.altSeeders {
			ip4 := addr.IP.To4()
			if ip4 == nil {
				continue
			}
			entries = append(entries, wire.PexEntry{
				IPv4: uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3]),
				Port: uint16(addr.Port),
			})
		}
		s.mu.Unlock()
		datagram := wire.EncodePexResp(sp.DestChanID, entries)
		if _, err := s.conn.WriteToUDP(datagram, sp.RemoteAddr); err == nil {
			sp.TouchSend()
		}
	}
	sp.State = peer.SeederSendIntegrity
}

// sendIntegrity implements state 5.
func (s *Session) sendIntegrity(sp *peer.SeederPeer) error {
	if sp.Tree == nil {
		return fmt.Errorf("seeder: no file associated with this peer")
	}
	hashes, err := sp.Tree.LeafHashes(sp.StartChunk, sp.EndChunk)
	if err != nil {
		return err
	}
	datagram, err := wire.EncodeIntegrity(sp.DestChanID, sp.StartChunk, sp.EndChunk, hashes)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(datagram, sp.RemoteAddr); err != nil {
		return err
	}
	sp.TouchSend()
	if s.metrics != nil {
		s.metrics.RecordMessageSent(wire.KindIntegrity.String())
	}
	sp.CurrChunk = sp.StartChunk
	sp.State = peer.SeederSendData
	return nil
}

// sendData implements state 6: read the current chunk from disk and emit it.
func (s *Session) sendData(sp *peer.SeederPeer) error {
	entry, ok := s.catalog.ByRoot(sp.EntryRoot)
	if !ok {
		return fmt.Errorf("seeder: %w: %x", ErrFileNotShared, sp.EntryRoot)
	}
	payload, err := catalog.ReadChunk(entry, sp.CurrChunk)
	if err != nil {
		return err
	}
	datagram := wire.EncodeData(sp.DestChanID, sp.CurrChunk, sp.CurrChunk, uint64(time.Now().UnixNano()), payload)
	if _, err := s.conn.WriteToUDP(datagram, sp.RemoteAddr); err != nil {
		return err
	}
	sp.TouchSend()
	if s.metrics != nil {
		s.metrics.RecordMessageSent(wire.KindData.String())
		s.metrics.RecordChunkSent(len(payload))
	}
	if s.logger != nil {
		s.logger.ChunkSent(fmt.Sprintf("%x", sp.EntryRoot), sp.CurrChunk, uint32(len(payload)))
	}
	if s.events != nil {
		s.events.PublishChunkSent(fmt.Sprintf("%x", sp.EntryRoot), sp.CurrChunk)
	}
	sp.State = peer.SeederWaitAck
	return nil
}

// onWaitAck implements state 7.
func (s *Session) onWaitAck(sp *peer.SeederPeer, datagram []byte) error {
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	if hdr.Kind != wire.KindAck {
		return fmt.Errorf("seeder: expected ACK, got %s", hdr.Kind)
	}
	startChunk, endChunk, _, err := wire.DecodeAckBody(body)
	if err != nil {
		return err
	}
	if startChunk != sp.CurrChunk || endChunk != sp.CurrChunk {
		return fmt.Errorf("seeder: ACK for %d-%d does not match outstanding chunk %d", startChunk, endChunk, sp.CurrChunk)
	}
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(wire.KindAck.String())
	}

	sp.CurrChunk++
	if sp.CurrChunk > sp.EndChunk {
		sp.State = peer.SeederWaitRequest
	} else {
		sp.State = peer.SeederSendData
	}
	return nil
}
