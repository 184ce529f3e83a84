package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/parquet-go"
)

// recorderBatchSize is how many frame rows are buffered before a parquet
// write.
const recorderBatchSize = 64

// FrameRecord is one archived spectrum frame. Signal columns are computed
// at record time against the viewport that produced the frame.
type FrameRecord struct {
	TimestampMs  int64     `parquet:"timestamp_ms"`
	FrequencyHz  int64     `parquet:"frequency_hz"`
	CenterFreqHz float64   `parquet:"center_freq_hz"`
	BinBandwidth float64   `parquet:"bin_bandwidth_hz"`
	TunedFreqHz  float64   `parquet:"tuned_freq_hz"`
	SignalValid  bool      `parquet:"signal_valid"`
	PeakDB       float64   `parquet:"peak_db"`
	FloorDB      float64   `parquet:"floor_db"`
	SNRDB        float64   `parquet:"snr_db"`
	Bins         []float32 `parquet:"bins,list"`
}

// FrameRecorder archives decoded frames to a parquet file for offline
// analysis. Methods are safe on a nil receiver, so recording can be
// disabled by not constructing one.
type FrameRecorder struct {
	mu      sync.Mutex
	file    *os.File
	writer  *parquet.GenericWriter[FrameRecord]
	pending []FrameRecord
	path    string
	every   uint64
	seen    uint64
	written uint64
	failed  bool
}

// NewFrameRecorder creates the parquet file. every subsamples the stream:
// 1 records all frames, 10 records every tenth.
func NewFrameRecorder(path string, every int) (*FrameRecorder, error) {
	if every < 1 {
		every = 1
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	writer := parquet.NewGenericWriter[FrameRecord](file,
		parquet.KeyValueMetadata("client_version", Version),
		parquet.KeyValueMetadata("created", time.Now().UTC().Format(time.RFC3339)),
	)

	log.Printf("Recording spectrum frames to %s (every %d frames)", path, every)
	return &FrameRecorder{
		file:    file,
		writer:  writer,
		pending: make([]FrameRecord, 0, recorderBatchSize),
		path:    path,
		every:   uint64(every),
	}, nil
}

// Record archives one frame, honoring the subsample interval. Failures
// disable the recorder rather than disturbing the frame consumer.
func (fr *FrameRecorder) Record(update FrameUpdate) {
	if fr == nil || update.Frame == nil {
		return
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.failed || fr.writer == nil {
		return
	}

	fr.seen++
	if (fr.seen-1)%fr.every != 0 {
		return
	}

	record := FrameRecord{
		TimestampMs:  int64(update.Frame.Timestamp),
		FrequencyHz:  int64(update.Frame.Frequency),
		CenterFreqHz: update.State.CenterFreq,
		BinBandwidth: update.State.BinBandwidth,
		TunedFreqHz:  update.State.TunedFreq,
		Bins:         update.Frame.Bins,
	}
	if metrics, ok := CurrentSignal(update.State, update.Frame); ok {
		record.SignalValid = true
		record.PeakDB = metrics.PeakDB
		record.FloorDB = metrics.FloorDB
		record.SNRDB = metrics.SNRDB
	}

	fr.pending = append(fr.pending, record)
	if len(fr.pending) >= recorderBatchSize {
		fr.flushLocked()
	}
}

// flushLocked writes the pending batch; caller holds fr.mu.
func (fr *FrameRecorder) flushLocked() {
	if len(fr.pending) == 0 {
		return
	}

	if _, err := fr.writer.Write(fr.pending); err != nil {
		log.Printf("ERROR: Parquet write failed, disabling recorder: %v", err)
		fr.failed = true
		return
	}
	fr.written += uint64(len(fr.pending))
	fr.pending = fr.pending[:0]
}

// Close flushes and finalizes the parquet file.
func (fr *FrameRecorder) Close() error {
	if fr == nil {
		return nil
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.writer == nil {
		return nil
	}

	fr.flushLocked()
	writerErr := fr.writer.Close()
	fr.writer = nil
	fileErr := fr.file.Close()

	if info, err := os.Stat(fr.path); err == nil {
		log.Printf("Recording closed: %s frames, %s on disk",
			humanize.Comma(int64(fr.written)), humanize.Bytes(uint64(info.Size())))
	}

	if writerErr != nil {
		return writerErr
	}
	return fileErr
}
