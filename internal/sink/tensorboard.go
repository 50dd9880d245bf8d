package sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protowire"
)

const fileVersion = "brain.Event:2"

// Field numbers of tensorflow.Event, tensorflow.Summary and Summary.Value.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TensorBoard appends scalar summaries to an event file that TensorBoard can
// read from the log directory.
type TensorBoard struct {
	logger zerolog.Logger
	path   string

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
	now    func() time.Time
}

// NewTensorBoard creates logDir if needed and opens a fresh event file in it.
func NewTensorBoard(logger zerolog.Logger, logDir string) (*TensorBoard, error) {
	if logDir == "" {
		return nil, fmt.Errorf("tensorboard log dir is required")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	now := time.Now()
	name := fmt.Sprintf("events.out.tfevents.%d.%s.%d.%s",
		now.Unix(), hostname, os.Getpid(), uuid.NewString()[:8])
	path := filepath.Join(logDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event file: %w", err)
	}

	tb := &TensorBoard{
		logger: logger.With().Str("component", "tensorboard_sink").Str("path", path).Logger(),
		path:   path,
		file:   file,
		w:      bufio.NewWriter(file),
		now:    time.Now,
	}

	if err := tb.writeRecord(versionEvent(now)); err != nil {
		file.Close()
		return nil, err
	}
	if err := tb.w.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to flush event file: %w", err)
	}

	tb.logger.Info().Msg("Opened event file")
	return tb, nil
}

// Path returns the event file being written.
func (t *TensorBoard) Path() string {
	return t.path
}

// AddScalar implements Sink.AddScalar
func (t *TensorBoard) AddScalar(tag string, value float64, step int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if err := t.writeRecord(scalarEvent(t.now(), step, tag, value)); err != nil {
		return err
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush event file: %w", err)
	}
	return nil
}

// Close implements Sink.Close
func (t *TensorBoard) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	flushErr := t.w.Flush()
	closeErr := t.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush event file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close event file: %w", closeErr)
	}

	t.logger.Info().Msg("Closed event file")
	return nil
}

// writeRecord frames data as a TFRecord: length, masked CRC of the length,
// payload, masked CRC of the payload.
func (t *TensorBoard) writeRecord(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	for _, chunk := range [][]byte{header[:], data, footer[:]} {
		if _, err := t.w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write event record: %w", err)
		}
	}
	return nil
}

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

func appendWallTime(b []byte, at time.Time) []byte {
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(float64(at.Unix())+float64(at.Nanosecond())/1e9))
}

func versionEvent(at time.Time) []byte {
	b := appendWallTime(nil, at)
	b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
	return protowire.AppendString(b, fileVersion)
}

func scalarEvent(at time.Time, step int64, tag string, value float64) []byte {
	var v []byte
	v = protowire.AppendTag(v, valueTag, protowire.BytesType)
	v = protowire.AppendString(v, tag)
	v = protowire.AppendTag(v, valueSimpleValue, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(float32(value)))

	var summary []byte
	summary = protowire.AppendTag(summary, summaryValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, v)

	b := appendWallTime(nil, at)
	b = protowire.AppendTag(b, eventStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(step))
	b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
	return protowire.AppendBytes(b, summary)
}
