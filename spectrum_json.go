package main

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// Legacy JSON path: servers that did not negotiate binary8 send spectrum
// data as JSON, and every server sends config and error messages as JSON.
// JSON messages arrive either as plain text frames or gzip-compressed
// binary frames.

// ServerMessage is the decoded form of one inbound JSON message. Exactly
// one concrete type per wire "type" tag; unknown tags are a decode error.
type ServerMessage interface {
	isServerMessage()
}

// ConfigMessage announces the negotiated viewport. The server sends one on
// connect and again after every zoom/pan renegotiation.
type ConfigMessage struct {
	CenterFreq     float64 `json:"centerFreq"`
	BinCount       int     `json:"binCount"`
	BinBandwidth   float64 `json:"binBandwidth"`
	TotalBandwidth float64 `json:"totalBandwidth"`
	SessionID      string  `json:"sessionId,omitempty"`
}

// SpectrumMessage carries a full spectrum snapshot in FFT-native order
// (first half negative frequencies, second half positive). Timestamp and
// frequency are optional on the wire.
type SpectrumMessage struct {
	Data      []float64 `json:"data"`
	Timestamp *float64  `json:"timestamp,omitempty"`
	Frequency *float64  `json:"frequency,omitempty"`
}

// ErrorMessage is a server-reported error, informational only.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (ConfigMessage) isServerMessage()   {}
func (SpectrumMessage) isServerMessage() {}
func (ErrorMessage) isServerMessage()    {}

// decodeServerMessage parses one JSON message into its tagged form.
func decodeServerMessage(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid server message: %w", err)
	}

	switch envelope.Type {
	case "config":
		var msg ConfigMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid config message: %w", err)
		}
		return msg, nil
	case "spectrum":
		var msg SpectrumMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid spectrum message: %w", err)
		}
		return msg, nil
	case "error":
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid error message: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown server message type %q", envelope.Type)
	}
}

// isGzipData reports whether a binary message carries the gzip magic.
func isGzipData(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// gunzip decompresses a gzip-compressed JSON message.
func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress message: %w", err)
	}
	return decompressed, nil
}

// unwrapFFT reorders an FFT-native spectrum payload into ascending
// frequency order: the negative-frequency half (second half of the
// payload) comes first, then the positive half.
func unwrapFFT(data []float64) []float32 {
	n := len(data)
	half := n / 2
	bins := make([]float32, 0, n)
	for _, v := range data[half:] {
		bins = append(bins, float32(v))
	}
	for _, v := range data[:half] {
		bins = append(bins, float32(v))
	}
	return bins
}
