// Package sample defines the sensor record carried from the peripheral to the aggregation engine.
package sample

import (
	"strconv"
	"time"
)

// SeqModulus is the wrap point of the peripheral sequence counter.
const SeqModulus = 1 << 16

// Payload is a decoded wire record: seq,moistureRaw,tempC,lightRaw
type Payload struct {
	Seq         uint16  `json:"seq"`
	MoistureRaw float64 `json:"moisture_raw"`
	TempC       float64 `json:"temp_c"`
	LightRaw    float64 `json:"light_raw"`
}

// Sample is a Payload stamped with the host arrival time. Immutable once created.
type Sample struct {
	Payload
	CapturedAt time.Time `json:"captured_at"`
}

// AppendCSV appends the wire form of p, including the trailing newline.
func (p Payload) AppendCSV(dst []byte) []byte {
	dst = strconv.AppendUint(dst, uint64(p.Seq), 10)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, p.MoistureRaw, 'f', -1, 64)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, p.TempC, 'f', -1, 64)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, p.LightRaw, 'f', -1, 64)
	return append(dst, '\n')
}

// String returns the wire form of p without the line terminator.
func (p Payload) String() string {
	b := p.AppendCSV(make([]byte, 0, 32))
	return string(b[:len(b)-1])
}
