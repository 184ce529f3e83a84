package main

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
)

// runReplay feeds a capture file through the live decode path and prints a
// session report. With realtime set, records are spaced by their original
// receive times; otherwise the capture is processed flat out.
func runReplay(path string, realtime bool) error {
	reader, err := OpenCapture(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	log.Printf("Replaying capture %s (recorded %s)", path, reader.StartTime().Format(time.RFC3339))

	store := newStateStore(ClientState{})
	engine := NewSpectrumEngine(nil, store, nil, 64, nil, nil)

	var (
		frames     int
		lastUpdate *FrameUpdate
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range engine.Frames() {
			frames++
			u := update
			lastUpdate = &u
		}
	}()

	var (
		records int
		bytes   uint64
		lastMs  uint64
	)
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		records++
		bytes += uint64(len(rec.Payload))

		if realtime && lastMs != 0 && rec.TimestampMs > lastMs {
			time.Sleep(time.Duration(rec.TimestampMs-lastMs) * time.Millisecond)
		}
		lastMs = rec.TimestampMs

		switch rec.MessageType {
		case websocket.TextMessage:
			engine.handleTextMessage(rec.Payload)
		case websocket.BinaryMessage:
			engine.handleBinaryMessage(rec.Payload)
		}
	}

	close(engine.frames)
	<-done

	stats := engine.Stats()
	fmt.Printf("\nReplay of %s:\n", path)
	fmt.Printf("  Records:        %s (%s)\n", humanize.Comma(int64(records)), humanize.Bytes(bytes))
	fmt.Printf("  Frames decoded: %s\n", humanize.Comma(int64(frames)))
	fmt.Printf("  Frames bad:     %s\n", humanize.Comma(int64(stats.FramesBad)))

	if lastUpdate != nil {
		s := lastUpdate.State
		fmt.Printf("  Final viewport: center %.0f Hz, %d bins, %.4f Hz/bin (%.0f Hz span)\n",
			s.CenterFreq, s.BinCount, s.BinBandwidth, s.TotalBandwidth())

		minDB, maxDB := AutoRange(lastUpdate.Frame.Bins)
		if minDB != AutoRangeUnset {
			fmt.Printf("  Display range:  %.1f to %.1f dB\n", minDB, maxDB)
		}
		if metrics, ok := CurrentSignal(s, lastUpdate.Frame); ok {
			fmt.Printf("  Signal:         peak %.1f dB, floor %.1f dB, SNR %.1f dB\n",
				metrics.PeakDB, metrics.FloorDB, metrics.SNRDB)
		}
	}

	return nil
}
