// Package recordlog is the append-only sink for delivered application gossip.
// Each record is one JSON line written through a dedicated zap core.
package recordlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gossipnet/internal/membership"
	"gossipnet/internal/wire"
)

// Log appends one line per delivered message.
type Log struct {
	logger *zap.Logger
	closer io.Closer
}

// Open opens (or creates) path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log %s: %w", path, err)
	}
	return newLog(zapcore.AddSync(f), f), nil
}

// New writes records to w. Closing the Log does not close w.
func New(w io.Writer) *Log {
	return newLog(zapcore.AddSync(w), nil)
}

func newLog(ws zapcore.WriteSyncer, closer io.Closer) *Log {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "recorded_at",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(ws), zapcore.InfoLevel)
	return &Log{logger: zap.New(core), closer: closer}
}

// Append records msg as received from sender.
func (l *Log) Append(msg wire.Message, from membership.Address) error {
	fp, err := wire.FingerprintOf(msg)
	if err != nil {
		return err
	}
	l.logger.Info("received",
		zap.String("fingerprint", fp.String()),
		zap.Stringer("origin", msg.Origin),
		zap.Stringer("from", from),
		zap.Time("sent_at", msg.Timestamp.UTC()),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}

// Close flushes and closes the underlying file, if any.
func (l *Log) Close() error {
	_ = l.logger.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Record is a decoded log line, used by tests and tooling.
type Record struct {
	Event       string    `json:"event"`
	RecordedAt  time.Time `json:"recorded_at"`
	Fingerprint string    `json:"fingerprint"`
	Origin      string    `json:"origin"`
	From        string    `json:"from"`
	SentAt      time.Time `json:"sent_at"`
	Payload     string    `json:"payload"`
}
