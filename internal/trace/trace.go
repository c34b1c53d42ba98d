// Package trace supplies EpochData streams to the engine: a JSON-lines
// file reader for captured soup runs and a seed-deterministic synthetic
// generator for runs without a capture.
package trace

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/talgya/minc/internal/model"
)

// Source yields one EpochData per call and io.EOF at stream end. Returned
// epochs are owned by the source conceptually; the engine never mutates
// them.
type Source interface {
	Next() (*model.EpochData, error)
}

// epochWire is the JSON-lines representation of one epoch. Tape payloads
// are base64; map keys are decimal tape ids.
type epochWire struct {
	EpochNum     uint64             `json:"epoch_num"`
	Tapes        map[string]string  `json:"tapes"`
	Interactions [][2]uint64        `json:"interactions"`
	Metrics      map[string]float64 `json:"metrics"`
}

// FileSource reads epochs from a JSON-lines trace file.
type FileSource struct {
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

// OpenFile opens a trace file for reading.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<26)
	return &FileSource{f: f, scanner: sc}, nil
}

// Next reads and normalizes the next epoch line.
func (s *FileSource) Next() (*model.EpochData, error) {
	for s.scanner.Scan() {
		s.line++
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var wire epochWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", s.line, err)
		}
		epoch, err := normalize(&wire)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: %w", s.line, err)
		}
		return epoch, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying file.
func (s *FileSource) Close() error { return s.f.Close() }

func normalize(wire *epochWire) (*model.EpochData, error) {
	epoch := &model.EpochData{
		EpochNum:     wire.EpochNum,
		Tapes:        make(map[uint64]model.Tape, len(wire.Tapes)),
		Interactions: wire.Interactions,
		Metrics:      wire.Metrics,
	}
	for key, payload := range wire.Tapes {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad tape id %q", key)
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("tape %d: %w", id, err)
		}
		if len(data) != model.TapeLen {
			return nil, fmt.Errorf("tape %d: %d bytes, want %d", id, len(data), model.TapeLen)
		}
		var tape model.Tape
		copy(tape[:], data)
		epoch.Tapes[id] = tape
	}
	return epoch, nil
}

// SyntheticSource generates a deterministic epoch stream from a seed. Tape
// contents, interactions, and soup metrics are pure functions of
// (seed, epoch, tape id), so two sources with the same parameters yield
// byte-identical streams.
type SyntheticSource struct {
	seed      uint64
	numTapes  int
	numEpochs int
	next      uint64
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(seed uint64, numTapes, numEpochs int) *SyntheticSource {
	return &SyntheticSource{seed: seed, numTapes: numTapes, numEpochs: numEpochs}
}

// Next generates the next epoch, or io.EOF past the configured count.
func (s *SyntheticSource) Next() (*model.EpochData, error) {
	if s.next >= uint64(s.numEpochs) {
		return nil, io.EOF
	}
	epochNum := s.next
	s.next++

	epoch := &model.EpochData{
		EpochNum: epochNum,
		Tapes:    make(map[uint64]model.Tape, s.numTapes),
		Metrics: map[string]float64{
			// Linear proxies, matching the upstream soup until real BFF
			// metrics are piped through.
			"entropy":           2.0 + 0.001*float64(epochNum),
			"compression_ratio": 0.8,
		},
	}
	for i := 0; i < s.numTapes; i++ {
		id := uint64(i)
		var tape model.Tape
		for pos := 0; pos < model.TapeLen; pos++ {
			tape[pos] = byte(mix(s.seed, epochNum, id, uint64(pos)))
		}
		epoch.Tapes[id] = tape
		if i > 0 {
			epoch.Interactions = append(epoch.Interactions, [2]uint64{id - 1, id})
		}
	}
	return epoch, nil
}

// mix is a splitmix64-style scrambler over the generation coordinates.
func mix(seed, epoch, id, pos uint64) uint64 {
	x := seed ^ (epoch * 0x9e3779b97f4a7c15) ^ (id * 0xbf58476d1ce4e5b9) ^ (pos * 0x94d049bb133111eb)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
