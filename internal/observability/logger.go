package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging, contextualized with
// session_id/peer_addr/chunk_index fields as components hand it off down
// the call chain.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{logger: l.logger.With().Str("session_id", sessionID).Logger()}
}

// WithPeer adds peer_addr context to logger.
func (l *Logger) WithPeer(peerAddr string) *Logger {
	return &Logger{logger: l.logger.With().Str("peer_addr", peerAddr).Logger()}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }

func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs a new session beginning (handshake accepted or
// initiated).
func (l *Logger) TransferStarted(sessionID, fileName string, fileSize int64, totalChunks uint32) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("file_name", fileName).
		Int64("file_size", fileSize).
		Uint32("total_chunks", totalChunks).
		Msg("session started")
}

// ChunkSent logs a DATA message emitted by the seeder state machine.
func (l *Logger) ChunkSent(sessionID string, chunkIndex uint32, chunkLen uint32) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Uint32("chunk_index", chunkIndex).
		Uint32("chunk_len", chunkLen).
		Msg("DATA sent")
}

// ChunkReceived logs a DATA message consumed by the leecher state machine,
// before the hash check gates whether it becomes an ACK.
func (l *Logger) ChunkReceived(sessionID string, chunkIndex uint32, verified bool) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Uint32("chunk_index", chunkIndex).
		Bool("verified", verified).
		Msg("DATA received")
}

// TransferProgress logs scheduler progress.
func (l *Logger) TransferProgress(sessionID string, chunksDone, totalChunks uint32, elapsed time.Duration) {
	progress := float64(chunksDone) / float64(totalChunks) * 100.0

	l.logger.Info().
		Str("session_id", sessionID).
		Uint32("chunks_done", chunksDone).
		Uint32("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("transfer progress")
}

// TransferCompleted logs session completion.
func (l *Logger) TransferCompleted(sessionID string, fileSize int64, totalChunks uint32, duration time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int64("file_size", fileSize).
		Uint32("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed successfully")
}

// ChunkVerificationFailed logs a DATA payload whose hash did not match the
// INTEGRITY-declared leaf hash (spec §4.1's failure policy: discard, no ACK).
func (l *Logger) ChunkVerificationFailed(sessionID string, chunkIndex uint32) {
	l.logger.Error().
		Str("session_id", sessionID).
		Uint32("chunk_index", chunkIndex).
		Msg("chunk hash mismatch, discarding and withholding ACK")
}

// PeerHandshakeAccepted logs a seeder accepting a new leecher's HANDSHAKE(init).
func (l *Logger) PeerHandshakeAccepted(peerAddr string, srcChanID uint32) {
	l.logger.Info().
		Str("peer_addr", peerAddr).
		Uint32("src_chan_id", srcChanID).
		Msg("handshake accepted")
}

// PeerTimedOut logs a peer record being marked to_remove after Timeout
// seconds with no inbound datagram.
func (l *Logger) PeerTimedOut(peerAddr string, sessionID string) {
	l.logger.Warn().
		Str("peer_addr", peerAddr).
		Str("session_id", sessionID).
		Msg("peer timed out")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
