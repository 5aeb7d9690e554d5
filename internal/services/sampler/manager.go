// Package sampler turns raw sensor reads into buffered records: it averages the
// samples taken between two record ticks and pushes one record per tick.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/LeonardoBeccarini/plant_node/internal/buffer"
	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
)

// ErrClockUnsynced: records without a real timestamp are never buffered.
var ErrClockUnsynced = errors.New("sampler: clock not synced")

// Reading is one raw read of every channel. NaN means the channel had no value.
type Reading struct {
	SoilTemp      float64
	ExtTemp       float64
	Temperature3  float64
	Humidity      float64
	Light         float64
	SoilMoisture1 float64
	SoilMoisture2 float64
}

// AsRecord wraps r in an unbuffered record stamped with ts.
func (r Reading) AsRecord(ts int64) model.SensorRecord {
	rec := model.NewSensorRecord()
	rec.SoilTemp, rec.ExtTemp, rec.Temperature3 = r.SoilTemp, r.ExtTemp, r.Temperature3
	rec.Humidity, rec.Light = r.Humidity, r.Light
	rec.SoilMoisture1, rec.SoilMoisture2 = r.SoilMoisture1, r.SoilMoisture2
	rec.Timestamp = ts
	return rec
}

// EmptyReading has every channel unset.
func EmptyReading() Reading {
	n := math.NaN()
	return Reading{n, n, n, n, n, n, n}
}

// Reader is the sensor collaborator.
type Reader interface {
	Read(ctx context.Context) (Reading, error)
}

// channel indices
const (
	chSoilTemp = iota
	chExtTemp
	chTemp3
	chHumidity
	chLight
	chMoisture1
	chMoisture2
	numChannels
)

// DS18B20 reports -127 when the probe is disconnected.
const minTemperature = -55.0

type average struct {
	sum   float64
	count int
}

func (a *average) add(v float64) {
	a.sum += v
	a.count++
}

func (a average) value() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.sum / float64(a.count)
}

type Manager struct {
	reader Reader
	buf    *buffer.Buffer
	clock  wifi.Clock
	log    *log.Logger

	avg    [numChannels]average
	latest Reading
}

func NewManager(reader Reader, buf *buffer.Buffer, clock wifi.Clock, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if clock == nil {
		clock = wifi.SystemClock{}
	}
	return &Manager{reader: reader, buf: buf, clock: clock, log: logger, latest: EmptyReading()}
}

func valid(v float64, temperature bool) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if temperature {
		return v >= minTemperature
	}
	return v >= 0
}

// Sample reads every channel once and folds valid values into the running averages.
// Nothing is sampled while the clock is unsynced.
func (m *Manager) Sample(ctx context.Context) error {
	if !m.clock.Synced() {
		return nil
	}
	r, err := m.reader.Read(ctx)
	if err != nil {
		return fmt.Errorf("sampler: read: %w", err)
	}
	m.latest = r
	vals := [numChannels]float64{r.SoilTemp, r.ExtTemp, r.Temperature3, r.Humidity, r.Light, r.SoilMoisture1, r.SoilMoisture2}
	for i, v := range vals {
		if valid(v, i <= chTemp3) {
			m.avg[i].add(v)
		}
	}
	return nil
}

// Latest is the last raw reading, used for live notifications.
func (m *Manager) Latest() Reading { return m.latest }

// Pending reports how many samples the busiest channel has accumulated.
func (m *Manager) Pending() int {
	n := 0
	for _, a := range m.avg {
		if a.count > n {
			n = a.count
		}
	}
	return n
}

// Record pushes the averaged record to the buffer, persists it and resets the averages.
// With no samples since the last record it does nothing.
func (m *Manager) Record() error {
	if m.Pending() == 0 {
		return nil
	}
	rec := model.NewSensorRecord()
	rec.SoilTemp = m.avg[chSoilTemp].value()
	rec.ExtTemp = m.avg[chExtTemp].value()
	rec.Temperature3 = m.avg[chTemp3].value()
	rec.Humidity = m.avg[chHumidity].value()
	rec.Light = m.avg[chLight].value()
	rec.SoilMoisture1 = m.avg[chMoisture1].value()
	rec.SoilMoisture2 = m.avg[chMoisture2].value()
	m.avg = [numChannels]average{}

	if !m.clock.Synced() {
		return ErrClockUnsynced
	}
	rec.Timestamp = m.clock.Now().Unix()
	if !rec.TimeSynced() {
		return ErrClockUnsynced
	}

	m.buf.PushBack(rec)
	if err := m.buf.SaveState(); err != nil {
		return fmt.Errorf("sampler: save buffer: %w", err)
	}
	m.log.Printf("sampler: recorded ts=%d moisture=%.1f/%.1f (%d buffered)", rec.Timestamp, rec.SoilMoisture1, rec.SoilMoisture2, m.buf.Len())
	return nil
}
