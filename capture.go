package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

// Capture File Format Documentation
// =================================
//
// A capture file journals every raw WebSocket message of one spectrum
// session, so a session can be replayed offline through the same decode
// path that handled it live.
//
// FILE HEADER (16 bytes, uncompressed):
// -------------------------------------
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 4    | []byte  | Magic bytes: "SCAP"
// 4      | 1    | uint8   | Version: 1
// 5      | 3    | []byte  | Reserved (zero)
// 8      | 8    | uint64  | Capture start, Unix milliseconds (LE)
//
// The rest of the file is a single zstd stream of records:
//
// RECORD:
// -------
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 8    | uint64  | Receive time, Unix milliseconds (LE)
// 8      | 1    | uint8   | WebSocket message type (1=text, 2=binary)
// 9      | 4    | uint32  | Payload length (LE)
// 13     | N    | []byte  | Raw message payload
//
// Payloads are stored exactly as received: binary spectrum packets,
// gzip-compressed JSON and plain JSON all pass through untouched.

const (
	captureMagic      = "SCAP"
	captureVersion    = 1
	captureHeaderSize = 16

	// Sanity cap; a record above this means a corrupt file.
	maxCaptureRecordSize = 16 << 20
)

// CaptureRecord is one journaled WebSocket message.
type CaptureRecord struct {
	TimestampMs uint64
	MessageType int
	Payload     []byte
}

// CaptureWriter journals raw messages to a zstd-compressed file. All
// methods are safe on a nil receiver, so capture can be disabled by not
// constructing one.
type CaptureWriter struct {
	mu      sync.Mutex
	file    *os.File
	zw      *zstd.Encoder
	path    string
	records uint64
	rawSize uint64
	failed  bool
}

// NewCaptureWriter creates the capture file and writes its header.
func NewCaptureWriter(path string) (*CaptureWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	header := make([]byte, captureHeaderSize)
	copy(header[0:4], captureMagic)
	header[4] = captureVersion
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixMilli()))
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}

	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}

	log.Printf("Capturing spectrum session to %s", path)
	return &CaptureWriter{
		file: file,
		zw:   zw,
		path: path,
	}, nil
}

// Record journals one message. Write failures disable the capture rather
// than disturbing the receive loop.
func (cw *CaptureWriter) Record(messageType int, payload []byte) {
	if cw == nil {
		return
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.failed || cw.zw == nil {
		return
	}

	header := make([]byte, 13)
	binary.LittleEndian.PutUint64(header[0:8], uint64(time.Now().UnixMilli()))
	header[8] = uint8(messageType)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))

	if _, err := cw.zw.Write(header); err != nil {
		log.Printf("ERROR: Capture write failed, disabling capture: %v", err)
		cw.failed = true
		return
	}
	if _, err := cw.zw.Write(payload); err != nil {
		log.Printf("ERROR: Capture write failed, disabling capture: %v", err)
		cw.failed = true
		return
	}

	cw.records++
	cw.rawSize += uint64(13 + len(payload))
}

// Close flushes and closes the capture file.
func (cw *CaptureWriter) Close() error {
	if cw == nil {
		return nil
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.zw == nil {
		return nil
	}

	zwErr := cw.zw.Close()
	cw.zw = nil
	fileErr := cw.file.Close()

	if info, err := os.Stat(cw.path); err == nil {
		log.Printf("Capture closed: %s records, %s raw, %s on disk",
			humanize.Comma(int64(cw.records)), humanize.Bytes(cw.rawSize), humanize.Bytes(uint64(info.Size())))
	}

	if zwErr != nil {
		return zwErr
	}
	return fileErr
}

// CaptureReader reads a capture file record by record.
type CaptureReader struct {
	file    *os.File
	zr      *zstd.Decoder
	br      *bufio.Reader
	startMs uint64
}

// OpenCapture opens and validates a capture file.
func OpenCapture(path string) (*CaptureReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}

	header := make([]byte, captureHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if string(header[0:4]) != captureMagic {
		file.Close()
		return nil, fmt.Errorf("not a capture file (bad magic)")
	}
	if header[4] != captureVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported capture version %d", header[4])
	}

	zr, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}

	return &CaptureReader{
		file:    file,
		zr:      zr,
		br:      bufio.NewReader(zr),
		startMs: binary.LittleEndian.Uint64(header[8:16]),
	}, nil
}

// StartTime returns when the capture began.
func (cr *CaptureReader) StartTime() time.Time {
	return time.UnixMilli(int64(cr.startMs))
}

// Next returns the next record, or io.EOF at the end of the capture.
func (cr *CaptureReader) Next() (CaptureRecord, error) {
	header := make([]byte, 13)
	if _, err := io.ReadFull(cr.br, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return CaptureRecord{}, io.EOF
		}
		return CaptureRecord{}, err
	}

	length := binary.LittleEndian.Uint32(header[9:13])
	if length > maxCaptureRecordSize {
		return CaptureRecord{}, fmt.Errorf("capture record of %d bytes exceeds sanity limit, file corrupt", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(cr.br, payload); err != nil {
		return CaptureRecord{}, fmt.Errorf("truncated capture record: %w", err)
	}

	return CaptureRecord{
		TimestampMs: binary.LittleEndian.Uint64(header[0:8]),
		MessageType: int(header[8]),
		Payload:     payload,
	}, nil
}

// Close releases the reader.
func (cr *CaptureReader) Close() error {
	cr.zr.Close()
	return cr.file.Close()
}
