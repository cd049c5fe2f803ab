package ruuvi

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/smallnest/ringbuffer"
)

// LogKind selects which history a log request asks for and tags each row.
type LogKind byte

const (
	LogTemperature LogKind = 0x30
	LogHumidity    LogKind = 0x31
	LogPressure    LogKind = 0x32
	LogAll         LogKind = 0x3A
)

func (k LogKind) String() string {
	switch k {
	case LogTemperature:
		return "temperature"
	case LogHumidity:
		return "humidity"
	case LogPressure:
		return "pressure"
	case LogAll:
		return "all"
	default:
		return fmt.Sprintf("0x%02X", byte(k))
	}
}

// ParseLogKind maps a name accepted by String back to a LogKind.
func ParseLogKind(s string) (LogKind, error) {
	for _, k := range []LogKind{LogTemperature, LogHumidity, LogPressure, LogAll} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown log kind %q", s)
}

const (
	logFrameLen   = 11
	logBufferSize = 4096
	logScale      = 0.01
)

// LogRequest builds the 11-byte request for history between from and now.
func LogRequest(kind LogKind, now, from time.Time) []byte {
	b := make([]byte, logFrameLen)
	b[0] = byte(kind)
	b[1] = 0x30
	b[2] = 0x11
	binary.BigEndian.PutUint32(b[3:7], uint32(now.Unix()))
	binary.BigEndian.PutUint32(b[7:11], uint32(from.Unix()))
	return b
}

// LogRow is one decoded history sample.
type LogRow struct {
	Kind  LogKind
	Date  time.Time
	Value float64
}

// ParseLogRow decodes one 11-byte row. end reports the end-of-transmission
// marker, in which case row is empty.
func ParseLogRow(b []byte) (row LogRow, end bool, err error) {
	if len(b) < logFrameLen {
		return LogRow{}, false, fmt.Errorf("log row too short: %d bytes", len(b))
	}
	if isEndOfTransmission(b) {
		return LogRow{}, true, nil
	}
	kind := LogKind(b[0])
	switch kind {
	case LogTemperature, LogHumidity, LogPressure:
	default:
		return LogRow{}, false, fmt.Errorf("unknown log row kind 0x%02X", b[0])
	}
	ts := binary.BigEndian.Uint32(b[3:7])
	value := int32(binary.BigEndian.Uint32(b[7:11]))
	return LogRow{
		Kind:  kind,
		Date:  time.Unix(int64(ts), 0).UTC(),
		Value: float64(value) * logScale,
	}, false, nil
}

func isEndOfTransmission(b []byte) bool {
	for _, x := range b[3:logFrameLen] {
		if x != 0xFF {
			return false
		}
	}
	return true
}

// LogRecord merges the rows sharing one timestamp.
type LogRecord struct {
	Date        time.Time `json:"date"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Pressure    *float64  `json:"pressure,omitempty"`
}

// LogAssembler reassembles rows from notifications that may split or
// concatenate them.
type LogAssembler struct {
	buf     *ringbuffer.RingBuffer
	records map[int64]*LogRecord
	rows    int
	done    bool
}

func NewLogAssembler() *LogAssembler {
	return &LogAssembler{
		buf:     ringbuffer.New(logBufferSize),
		records: make(map[int64]*LogRecord),
	}
}

// Feed consumes one notification and returns how many rows it completed.
// done becomes true once the end-of-transmission row is seen; anything after it is ignored.
func (a *LogAssembler) Feed(data []byte) (rows int, done bool, err error) {
	if a.done {
		return 0, true, nil
	}
	if _, err := a.buf.Write(data); err != nil {
		return 0, false, fmt.Errorf("log buffer: %w", err)
	}

	frame := make([]byte, logFrameLen)
	for a.buf.Length() >= logFrameLen {
		if _, err := a.buf.Read(frame); err != nil {
			return rows, false, fmt.Errorf("log buffer: %w", err)
		}
		row, end, err := ParseLogRow(frame)
		if err != nil {
			return rows, false, err
		}
		if end {
			a.done = true
			a.buf.Reset()
			return rows, true, nil
		}
		a.add(row)
		rows++
	}
	return rows, false, nil
}

func (a *LogAssembler) add(row LogRow) {
	key := row.Date.Unix()
	rec, ok := a.records[key]
	if !ok {
		rec = &LogRecord{Date: row.Date}
		a.records[key] = rec
	}
	v := row.Value
	switch row.Kind {
	case LogTemperature:
		rec.Temperature = &v
	case LogHumidity:
		rec.Humidity = &v
	case LogPressure:
		rec.Pressure = &v
	}
	a.rows++
}

// Rows returns the number of data rows seen so far.
func (a *LogAssembler) Rows() int { return a.rows }

// Done reports whether the end-of-transmission row was seen.
func (a *LogAssembler) Done() bool { return a.done }

// Records returns the merged records in chronological order.
func (a *LogAssembler) Records() []LogRecord {
	out := make([]LogRecord, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
