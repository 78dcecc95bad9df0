// Package leecher drives the leecher side of a session: a single socket, a
// single peer record, and the ten-state machine of spec §4.6, including
// seeder failover via SWITCH_SEEDER.
//
// Grounded on the same ChunkWorkerPool/QUICConnection shapes as package
// seeder, scaled down to the one-peer-per-process case a leecher actually
// is: one worker goroutine runs the whole state machine directly rather than
// needing a dispatcher to demux between many peers.
package leecher

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/swiftp2p/swarmd/internal/config"
	"github.com/swiftp2p/swarmd/internal/events"
	"github.com/swiftp2p/swarmd/internal/merkle"
	"github.com/swiftp2p/swarmd/internal/observability"
	"github.com/swiftp2p/swarmd/internal/peer"
	"github.com/swiftp2p/swarmd/internal/scheduler"
	"github.com/swiftp2p/swarmd/internal/wire"
)

var (
	ErrNotFound         = errors.New("leecher: seeder has no file with that root hash")
	ErrNoAlternateSeeder = errors.New("leecher: timed out and no alternate seeder is known")
	ErrClosed           = errors.New("leecher: session is closed")
)

var chanIDCounter uint32

func nextChanID() uint32 {
	for {
		v := atomic.AddUint32(&chanIDCounter, 1)
		if v != 0 {
			return v
		}
	}
}

// Session is a single leecher transfer: one peer record, one socket, driven
// synchronously by whichever goroutine calls FetchRange.
type Session struct {
	cfg  *config.Config
	conn *net.UDPConn
	peer *peer.LeecherPeer

	logger  *observability.Logger
	metrics *observability.Metrics
	events  *events.Publisher

	hasher merkle.Hasher
	sink   io.WriterAt

	// lastVerified is the chunk index waitData just verified and wrote,
	// consumed by sendAck. Threaded explicitly rather than re-derived,
	// since by the time sendAck runs Chunks[lastVerified].Downloaded is
	// already true and so no longer "first undownloaded".
	lastVerified uint32
}

// Metadata is the file metadata learned from the seeder's HANDSHAKE+HAVE
// reply, returned by GetMetadata per spec §6's leecher_get_metadata.
type Metadata struct {
	FileName  string
	FileSize  int64
	ChunkSize uint32
	NumChunks uint32
	Root      merkle.Hash
}

// New dials seederAddr and sends the initial HANDSHAKE(init), blocking until
// the HANDSHAKE+HAVE reply arrives or PeerTimeout elapses. shaDemanded is the
// 20-byte root hash of the content being requested, carried on the wire in
// the SWARM_ID option.
func New(cfg *config.Config, seederAddr *net.UDPAddr, shaDemanded merkle.Hash, logger *observability.Logger, metrics *observability.Metrics, pub *events.Publisher) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("leecher: open socket: %w", err)
	}

	common := peer.NewCommon(peer.RoleLeecher, seederAddr, time.Duration(cfg.PeerTimeout)*time.Second)
	common.SrcChanID = nextChanID()
	lp := &peer.LeecherPeer{
		Common:        common,
		State:         peer.LeecherHandshake,
		ShaDemanded:   shaDemanded,
		HashesPerMTU:  cfg.HashesPerMTU,
		CurrentSeeder: 0,
	}
	lp.AltSeeders = []*net.UDPAddr{seederAddr}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		peer:    lp,
		logger:  logger,
		metrics: metrics,
		events:  pub,
	}

	s.wg()
	go s.recvLoop()

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.waitHave(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// wg is a placeholder seam kept for symmetry with package seeder's
// goroutine bookkeeping; a single-peer leecher has nothing to wait on at
// Close beyond the recv goroutine, which exits when the socket closes.
func (s *Session) wg() {}

func (s *Session) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if s.currentSeederAddr().String() != addr.String() {
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		s.peer.Deliver(datagram)
	}
}

func (s *Session) currentSeederAddr() *net.UDPAddr {
	s.peer.ScheduleMu.Lock()
	defer s.peer.ScheduleMu.Unlock()
	return s.peer.AltSeeders[s.peer.CurrentSeeder]
}

// GetMetadata returns the file metadata learned during New's handshake. If
// the seeder replied with a zero file size (it has no matching content),
// New itself already returned ErrNotFound.
func (s *Session) GetMetadata() Metadata {
	return Metadata{
		FileName:  s.peer.FName,
		FileSize:  s.peer.FileSize,
		ChunkSize: s.peer.ChunkSize,
		NumChunks: s.peer.NumChunks,
		Root:      s.peer.Root,
	}
}

// handshake implements state 1: emit HANDSHAKE(init) with sha_demanded
// carried as SWARM_ID.
func (s *Session) handshake() error {
	opts := wire.HandshakeOptions{
		Version:           1,
		MinimumVersion:    1,
		SwarmID:           s.peer.ShaDemanded[:],
		ContentProtMethod: 1,
		ChunkAddrMethod:   wire.ChunkAddr32BitBin,
		LiveDiscWind:      0,
		ChunkSize:         s.cfg.ChunkSize,
		FileSize:          0,
		FileName:          "",
	}
	datagram := wire.EncodeHandshake(0, s.peer.SrcChanID, opts)
	if _, err := s.conn.WriteToUDP(datagram, s.currentSeederAddr()); err != nil {
		return fmt.Errorf("leecher: send HANDSHAKE(init): %w", err)
	}
	s.peer.TouchSend()
	if s.metrics != nil {
		s.metrics.RecordMessageSent(wire.KindHandshake.String())
	}
	s.peer.State = peer.LeecherWaitHave
	return nil
}

// waitHave implements state 2: block for the coalesced HANDSHAKE+HAVE
// reply, populate file metadata, and allocate the chunk table and tree.
func (s *Session) waitHave() error {
	datagram, ok := s.peer.WaitForWork(closedIfExpired(s.peer))
	if !ok {
		return fmt.Errorf("leecher: %w", ErrNoAlternateSeeder)
	}

	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	if hdr.Kind != wire.KindHandshake {
		return fmt.Errorf("leecher: expected HANDSHAKE reply, got %s", hdr.Kind)
	}
	srcChanID, opts, rest, err := wire.DecodeHandshakeBody(body)
	if err != nil {
		return err
	}
	if hdr.DestChanID != s.peer.SrcChanID || srcChanID == 0 {
		return fmt.Errorf("leecher: unexpected HANDSHAKE classification in reply")
	}
	s.peer.DestChanID = srcChanID

	if opts.FileSize == 0 {
		return fmt.Errorf("leecher: %w", ErrNotFound)
	}

	haveStart, haveEnd, _, err := wire.DecodeHaveBody(rest)
	if err != nil {
		return fmt.Errorf("leecher: HANDSHAKE reply missing coalesced HAVE: %w", err)
	}

	s.peer.FName = opts.FileName
	s.peer.FileSize = int64(opts.FileSize)
	s.peer.ChunkSize = opts.ChunkSize
	s.peer.NumChunks = haveEnd - haveStart + 1
	s.peer.NumLeaves = merkle.NextPow2(s.peer.NumChunks)
	if len(opts.SwarmID) == merkle.HashSize {
		copy(s.peer.Root[:], opts.SwarmID)
	}
	s.hasher = merkle.HasherForID(opts.MerkleHashFunc)

	// On a SWITCH_SEEDER replay, the tree and every chunk already verified
	// and written survive: spec §4.6 state 10 says only the still-missing
	// chunks get re-requested, and WantStart/WantEnd is the caller's fetch
	// range, not something a new seeder's HAVE should widen back out.
	if !s.peer.AfterSeederSwitch {
		s.peer.Tree = merkle.New(s.peer.NumChunks, s.hasher)
		s.peer.Chunks = make(peer.ChunkTable, s.peer.NumChunks)
		s.peer.WantStart = haveStart
		s.peer.WantEnd = haveEnd
	}
	s.peer.AfterSeederSwitch = false

	if s.metrics != nil {
		s.metrics.RecordMessageReceived(wire.KindHandshake.String())
		s.metrics.RecordMessageReceived(wire.KindHave.String())
		s.metrics.RecordHandshake("accepted")
	}
	if s.logger != nil {
		s.logger.TransferStarted(fmt.Sprintf("%x", s.peer.Root), s.peer.FName, s.peer.FileSize, s.peer.NumChunks)
	}
	if s.events != nil {
		s.events.PublishStarted(fmt.Sprintf("%x", s.peer.Root), s.peer.FName, s.peer.FileSize)
	}

	s.peer.State = peer.LeecherPrepareRequest
	return nil
}

// closedIfExpired returns a stop channel that closes once the peer's
// inactivity timeout elapses — turning a blocking WaitForWork into a
// bounded wait. Each call starts one timer goroutine, which lives until the
// full timeout has elapsed even if the wait returned earlier.
func closedIfExpired(p *peer.LeecherPeer) <-chan struct{} {
	stop := make(chan struct{})
	go func() {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		<-timer.C
		close(stop)
	}()
	return stop
}

// FetchRange downloads chunks [start,end] into sink, writing each chunk's
// payload at its file offset, and returns once every chunk in the range has
// been verified and written (or a fatal error occurs). This is the engine
// behind spec §6's leecher_fetch_chunk_to_fd/_to_buf and prepare_chunk_range.
func (s *Session) FetchRange(start, end uint32, sink io.WriterAt) error {
	s.sink = sink
	s.peer.WantStart = start
	s.peer.WantEnd = end
	s.peer.State = peer.LeecherPrepareRequest

	for {
		switch s.peer.State {
		case peer.LeecherPrepareRequest:
			if s.prepareRequest() {
				return nil
			}

		case peer.LeecherSendRequest:
			if err := s.sendRequest(); err != nil {
				return err
			}

		case peer.LeecherWaitPexResp:
			if err := s.waitPexResp(); err != nil {
				return err
			}

		case peer.LeecherWaitIntegrity:
			if err := s.waitIntegrity(); err != nil {
				if errors.Is(err, errTimeout) {
					s.peer.State = peer.LeecherSwitchSeeder
					continue
				}
				return err
			}

		case peer.LeecherWaitData:
			if err := s.waitData(); err != nil {
				if errors.Is(err, errTimeout) {
					s.peer.State = peer.LeecherSwitchSeeder
					continue
				}
				return err
			}

		case peer.LeecherSendAck:
			s.sendAck()

		case peer.LeecherSendHandshakeFinish:
			return s.sendHandshakeFinish()

		case peer.LeecherSwitchSeeder:
			if err := s.switchSeeder(); err != nil {
				return err
			}
		}
	}
}

var errTimeout = errors.New("leecher: peer timed out waiting for a reply")

// prepareRequest implements state 3: ask the scheduler for the next batch.
// An empty schedule means every wanted chunk is already downloaded, so the
// next state is SEND_HANDSHAKE_FINISH, which ends FetchRange. Always returns
// false; completion is signalled through that state, not the return value.
func (s *Session) prepareRequest() bool {
	s.peer.ScheduleMu.Lock()
	schedule := scheduler.Build(s.peer.Chunks, s.peer.WantStart, s.peer.WantEnd, s.peer.HashesPerMTU)
	s.peer.DownloadSchedule = schedule
	s.peer.DownloadScheduleIdx = 0
	s.peer.ScheduleMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSchedulerBatch(len(schedule))
	}

	if len(schedule) == 0 {
		s.peer.State = peer.LeecherSendHandshakeFinish
		return false
	}
	s.peer.State = peer.LeecherSendRequest
	return false
}

func (s *Session) currentBatch() scheduler.Entry {
	s.peer.ScheduleMu.Lock()
	defer s.peer.ScheduleMu.Unlock()
	return s.peer.DownloadSchedule[s.peer.DownloadScheduleIdx]
}

// sendRequest implements state 4: emit REQUEST(begin,end), coalescing a
// PEX_REQ only on the very first batch after (re)handshake, since repeatedly
// asking for peers mid-transfer adds no value.
func (s *Session) sendRequest() error {
	batch := s.currentBatch()
	wantPex := s.peer.DownloadScheduleIdx == 0 && len(s.peer.AltSeeders) < 2

	datagram := wire.EncodeRequest(s.peer.DestChanID, batch.Begin, batch.End, wantPex)
	if _, err := s.conn.WriteToUDP(datagram, s.currentSeederAddr()); err != nil {
		return err
	}
	s.peer.TouchSend()
	if s.metrics != nil {
		s.metrics.RecordMessageSent(wire.KindRequest.String())
	}

	if wantPex {
		s.peer.State = peer.LeecherWaitPexResp
	} else {
		s.peer.State = peer.LeecherWaitIntegrity
	}
	return nil
}

// waitPexResp implements state 5: populate the alternate-seeder list.
func (s *Session) waitPexResp() error {
	datagram, ok := s.peer.WaitForWork(closedIfExpired(s.peer))
	if !ok {
		return errTimeout
	}
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	if hdr.Kind != wire.KindPexResv4 {
		return s.onUnexpected(hdr, body)
	}
	entries, err := wire.DecodePexRespBody(body)
	if err != nil {
		return err
	}
	s.peer.ScheduleMu.Lock()
	for _, e := range entries {
		ip := net.IPv4(byte(e.IPv4>>24), byte(e.IPv4>>16), byte(e.IPv4>>8), byte(e.IPv4))
		addr := &net.UDPAddr{IP: ip, Port: int(e.Port)}
		s.peer.AltSeeders = append(s.peer.AltSeeders, addr)
	}
	s.peer.ScheduleMu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(wire.KindPexResv4.String())
	}
	s.peer.State = peer.LeecherWaitIntegrity
	return nil
}

// onUnexpected lets an INTEGRITY that arrives before PEX_RESP (no ordering
// guarantee is given across message types from different REQUEST follow-ons)
// fall through to the integrity handling path instead of erroring.
func (s *Session) onUnexpected(hdr wire.Header, body []byte) error {
	if hdr.Kind == wire.KindIntegrity {
		if err := s.applyIntegrity(body); err != nil {
			return err
		}
		s.peer.State = peer.LeecherWaitData
		return nil
	}
	return fmt.Errorf("leecher: unexpected message kind %s", hdr.Kind)
}

// waitIntegrity implements state 6: store each chunk's declared hash and
// mark it active for writing.
func (s *Session) waitIntegrity() error {
	datagram, ok := s.peer.WaitForWork(closedIfExpired(s.peer))
	if !ok {
		return errTimeout
	}
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	if hdr.Kind != wire.KindIntegrity {
		return fmt.Errorf("leecher: expected INTEGRITY, got %s", hdr.Kind)
	}
	if err := s.applyIntegrity(body); err != nil {
		return err
	}
	s.peer.State = peer.LeecherWaitData
	return nil
}

func (s *Session) applyIntegrity(body []byte) error {
	startChunk, endChunk, hashes, err := wire.DecodeIntegrityBody(body)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(wire.KindIntegrity.String())
	}
	for idx, i := 0, startChunk; i <= endChunk; i, idx = i+1, idx+1 {
		s.peer.Chunks[i].SHA = hashes[idx]
		s.peer.Chunks[i].Active = true
		s.peer.Chunks[i].Offset = int64(i-startChunk) * int64(s.peer.ChunkSize)
		s.peer.Chunks[i].Len = s.peer.ChunkSize
	}
	return nil
}

// waitData implements state 7: verify the payload hash against the
// INTEGRITY-declared leaf hash; on mismatch, discard and withhold the ACK
// (spec §4.6's failure policy — the chunk stays not-downloaded and the
// scheduler will re-request it on the next PREPARE_REQUEST pass).
func (s *Session) waitData() error {
	datagram, ok := s.peer.WaitForWork(closedIfExpired(s.peer))
	if !ok {
		return errTimeout
	}
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		return err
	}
	if hdr.Kind != wire.KindData {
		return fmt.Errorf("leecher: expected DATA, got %s", hdr.Kind)
	}
	startChunk, endChunk, _, payload, err := wire.DecodeDataBody(body)
	if err != nil {
		return err
	}
	if startChunk != endChunk {
		return fmt.Errorf("leecher: DATA spans %d-%d, expected a single chunk", startChunk, endChunk)
	}
	i := startChunk
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(wire.KindData.String())
	}

	computed := s.hasher.Sum(payload)
	verified := computed == s.peer.Chunks[i].SHA
	if s.logger != nil {
		s.logger.ChunkReceived(fmt.Sprintf("%x", s.peer.Root), i, verified)
	}
	if !verified {
		if s.metrics != nil {
			s.metrics.RecordMerkleVerification(false)
			s.metrics.RecordChunkRetransmit("hash_mismatch")
		}
		if s.logger != nil {
			s.logger.ChunkVerificationFailed(fmt.Sprintf("%x", s.peer.Root), i)
		}
		if s.events != nil {
			s.events.PublishVerificationFailed(fmt.Sprintf("%x", s.peer.Root), i)
		}
		// No ACK: stay in WAIT_DATA, the chunk is re-requested on the next
		// PREPARE_REQUEST pass since it is still marked not-downloaded.
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordMerkleVerification(true)
		s.metrics.RecordChunkReceived(len(payload))
	}

	if s.sink != nil {
		offset := int64(i) * int64(s.peer.ChunkSize)
		if _, err := s.sink.WriteAt(payload, offset); err != nil {
			return fmt.Errorf("leecher: write chunk %d: %w", i, err)
		}
	}
	s.peer.Chunks[i].Downloaded = true
	if s.events != nil {
		s.events.PublishChunkReceived(fmt.Sprintf("%x", s.peer.Root), i)
	}

	s.lastVerified = i
	s.peer.State = peer.LeecherSendAck
	return nil
}

// sendAck implements state 8: ACK the chunk waitData just verified (spec
// §4.6 step 8's ACK(i,i) for the chunk just received), then either move to
// the next chunk in the current batch or fetch the next batch.
func (s *Session) sendAck() {
	batch := s.currentBatch()
	i := s.lastVerified

	datagram := wire.EncodeAck(s.peer.DestChanID, i, i, 0)
	if _, err := s.conn.WriteToUDP(datagram, s.currentSeederAddr()); err == nil {
		s.peer.TouchSend()
		if s.metrics != nil {
			s.metrics.RecordMessageSent(wire.KindAck.String())
		}
	}

	s.peer.ScheduleMu.Lock()
	if i >= batch.End {
		s.peer.DownloadScheduleIdx++
		done := s.peer.DownloadScheduleIdx >= len(s.peer.DownloadSchedule)
		s.peer.ScheduleMu.Unlock()
		if done {
			s.peer.State = peer.LeecherPrepareRequest
		} else {
			s.peer.State = peer.LeecherSendRequest
		}
		return
	}
	s.peer.ScheduleMu.Unlock()
	s.peer.State = peer.LeecherWaitData
}

// sendHandshakeFinish implements state 9: terminate the session by telling
// the seeder the dest_chan_id it should recognize as finishing. The
// reference implementation hard-codes a placeholder dest_chan_id here; this
// core instead uses the seeder's real src_chan_id learned from the HAVE
// reply. The seeder itself finds the peer record by the datagram's source
// address, not by this channel id.
func (s *Session) sendHandshakeFinish() error {
	datagram := wire.EncodeHandshake(s.peer.DestChanID, 0, wire.HandshakeOptions{})
	_, err := s.conn.WriteToUDP(datagram, s.currentSeederAddr())
	if err == nil {
		s.peer.TouchSend()
		if s.metrics != nil {
			s.metrics.RecordMessageSent(wire.KindHandshake.String())
		}
	}
	return err
}

// switchSeeder implements state 10: on timeout, advance to the next known
// alternate seeder, reset the socket's notion of a destination, and resume
// at PREPARE_REQUEST — the tree and already-downloaded chunks survive the
// switch, only the remaining missing chunks get re-requested.
func (s *Session) switchSeeder() error {
	s.peer.ScheduleMu.Lock()
	if s.peer.CurrentSeeder+1 >= len(s.peer.AltSeeders) {
		s.peer.ScheduleMu.Unlock()
		return fmt.Errorf("leecher: %w", ErrNoAlternateSeeder)
	}
	s.peer.CurrentSeeder++
	s.peer.AfterSeederSwitch = true
	newAddr := s.peer.AltSeeders[s.peer.CurrentSeeder]
	s.peer.ScheduleMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSeederSwitch()
	}
	if s.events != nil {
		s.events.PublishSeederSwitched(fmt.Sprintf("%x", s.peer.Root), newAddr.String())
	}

	s.peer.RemoteAddr = newAddr
	s.peer.DestChanID = 0
	s.peer.SrcChanID = nextChanID()
	s.peer.State = peer.LeecherHandshake
	if err := s.handshake(); err != nil {
		return err
	}
	return s.waitHave()
}

// Close releases the socket.
func (s *Session) Close() error {
	return s.conn.Close()
}
