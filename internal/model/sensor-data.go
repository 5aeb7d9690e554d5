package model

import (
	"encoding/json"
	"math"
	"time"
)

// DateLayout is the upload time_stamp format, always rendered in UTC.
const DateLayout = "2006-01-02T15:04:05"

// UnsetPlantID marks a record taken before the device learned its plant.
const UnsetPlantID = -1

// SensorRecord is one averaged sample set. NaN marks a channel with no valid reading.
type SensorRecord struct {
	PlantID       int     `cbor:"plant_id"`
	SoilTemp      float64 `cbor:"soil_temp"`
	ExtTemp       float64 `cbor:"ext_temp"`
	Temperature3  float64 `cbor:"temperature3"`
	Humidity      float64 `cbor:"humidity"`
	Light         float64 `cbor:"light"`
	SoilMoisture1 float64 `cbor:"soil_moisture_1"`
	SoilMoisture2 float64 `cbor:"soil_moisture_2"`
	Timestamp     int64   `cbor:"timestamp"` // unix seconds, -1 = unset
	Date          string  `cbor:"date,omitempty"`
}

// NewSensorRecord returns a record with every field unset.
func NewSensorRecord() SensorRecord {
	nan := math.NaN()
	return SensorRecord{
		PlantID:       UnsetPlantID,
		SoilTemp:      nan,
		ExtTemp:       nan,
		Temperature3:  nan,
		Humidity:      nan,
		Light:         nan,
		SoilMoisture1: nan,
		SoilMoisture2: nan,
		Timestamp:     -1,
	}
}

// TimeSynced reports whether the record was taken after the clock was set.
// 0 and -1 both mean the device never synced.
func (r SensorRecord) TimeSynced() bool { return r.Timestamp > 0 }

// UploadEligible reports whether the record carries a plant id and a real timestamp.
func (r SensorRecord) UploadEligible() bool { return r.PlantID > 0 && r.TimeSynced() }

// Stamp fills Date from Timestamp and attaches the plant id known at send time.
func (r *SensorRecord) Stamp(plantID int) {
	r.PlantID = plantID
	if r.TimeSynced() {
		r.Date = time.Unix(r.Timestamp, 0).UTC().Format(DateLayout)
	}
}

// HasReading reports whether at least one channel holds a valid value.
func (r SensorRecord) HasReading() bool {
	for _, v := range []float64{r.SoilTemp, r.ExtTemp, r.Temperature3, r.Humidity, r.Light, r.SoilMoisture1, r.SoilMoisture2} {
		if !math.IsNaN(v) {
			return true
		}
	}
	return false
}

// MarshalJSON renders the upload wire object: unset channels and plant id are omitted.
func (r SensorRecord) MarshalJSON() ([]byte, error) {
	type wire struct {
		PlantID       *int     `json:"plant_id,omitempty"`
		SoilMoisture1 *float64 `json:"soil_moisture_1,omitempty"`
		SoilMoisture2 *float64 `json:"soil_moisture_2,omitempty"`
		SoilTemp      *float64 `json:"soil_temp,omitempty"`
		ExtTemp       *float64 `json:"ext_temp,omitempty"`
		Temperature3  *float64 `json:"temperature3,omitempty"`
		Humidity      *float64 `json:"humidity,omitempty"`
		Light         *float64 `json:"light,omitempty"`
		TimeStamp     string   `json:"time_stamp,omitempty"`
	}
	opt := func(v float64) *float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return &v
	}
	w := wire{
		SoilMoisture1: opt(r.SoilMoisture1),
		SoilMoisture2: opt(r.SoilMoisture2),
		SoilTemp:      opt(r.SoilTemp),
		ExtTemp:       opt(r.ExtTemp),
		Temperature3:  opt(r.Temperature3),
		Humidity:      opt(r.Humidity),
		Light:         opt(r.Light),
		TimeStamp:     r.Date,
	}
	if r.PlantID != UnsetPlantID {
		id := r.PlantID
		w.PlantID = &id
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON; missing channels come back as NaN.
func (r *SensorRecord) UnmarshalJSON(b []byte) error {
	var w struct {
		PlantID       *int     `json:"plant_id"`
		SoilMoisture1 *float64 `json:"soil_moisture_1"`
		SoilMoisture2 *float64 `json:"soil_moisture_2"`
		SoilTemp      *float64 `json:"soil_temp"`
		ExtTemp       *float64 `json:"ext_temp"`
		Temperature3  *float64 `json:"temperature3"`
		Humidity      *float64 `json:"humidity"`
		Light         *float64 `json:"light"`
		TimeStamp     string   `json:"time_stamp"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := NewSensorRecord()
	val := func(p *float64) float64 {
		if p == nil {
			return math.NaN()
		}
		return *p
	}
	if w.PlantID != nil {
		out.PlantID = *w.PlantID
	}
	out.SoilMoisture1 = val(w.SoilMoisture1)
	out.SoilMoisture2 = val(w.SoilMoisture2)
	out.SoilTemp = val(w.SoilTemp)
	out.ExtTemp = val(w.ExtTemp)
	out.Temperature3 = val(w.Temperature3)
	out.Humidity = val(w.Humidity)
	out.Light = val(w.Light)
	if w.TimeStamp != "" {
		out.Date = w.TimeStamp
		if t, err := time.ParseInLocation(DateLayout, w.TimeStamp, time.UTC); err == nil {
			out.Timestamp = t.Unix()
		}
	}
	*r = out
	return nil
}
