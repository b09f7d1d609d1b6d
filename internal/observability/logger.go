package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
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

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_key context to logger.
func (l *Logger) WithPeer(peerKey string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_key", peerKey).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// PeerDiscovered logs a new peer observed via multicast announcement.
func (l *Logger) PeerDiscovered(peerKey, addr string, serviceCount int) {
	l.logger.Info().
		Str("peer_key", peerKey).
		Str("addr", addr).
		Int("service_count", serviceCount).
		Msg("peer discovered")
}

// HandshakeCompleted logs a completed Noise_XX handshake.
func (l *Logger) HandshakeCompleted(peerKey, sessionID string, initiator bool, elapsed time.Duration) {
	l.logger.Info().
		Str("peer_key", peerKey).
		Str("session_id", sessionID).
		Bool("initiator", initiator).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("handshake completed")
}

// HandshakeFailed logs a handshake that didn't complete.
func (l *Logger) HandshakeFailed(peerKey string, err error) {
	l.logger.Error().
		Str("peer_key", peerKey).
		Err(err).
		Msg("handshake failed")
}

// ChunkDecryptFailed logs a chunk that failed AEAD authentication.
func (l *Logger) ChunkDecryptFailed(sessionID string, errMsg string) {
	l.logger.Error().
		Str("session_id", sessionID).
		Str("error_message", errMsg).
		Msg("chunk decryption failed")
}

// NACKSent logs a batch of NACKed chunk indices for one assembly.
func (l *Logger) NACKSent(sessionID, filename string, count int) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Str("filename", filename).
		Int("count", count).
		Msg("NACK sent")
}

// AssemblyCompleted logs a file reassembly reaching every chunk.
func (l *Logger) AssemblyCompleted(sessionID, filename string, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("filename", filename).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("assembly completed")
}

// TrustPromoted logs a peer moving from Untrusted to Trusted, including how
// many buffered chunks were replayed.
func (l *Logger) TrustPromoted(peerKey string, replayed int) {
	l.logger.Info().
		Str("peer_key", peerKey).
		Int("replayed_chunks", replayed).
		Msg("peer promoted to trusted")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
