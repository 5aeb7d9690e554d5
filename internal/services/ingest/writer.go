package ingest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
)

// PointWriter is satisfied by influxdb2 api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

const (
	MeasurementUpload = "plant_reading"
	MeasurementLive   = "plant_live"
)

// RecordToPoint converts one reading. Unset channels are left out; a record without any
// channel yields nil.
func RecordToPoint(measurement string, r model.SensorRecord, fallback time.Time) *write.Point {
	fields := map[string]interface{}{}
	for name, v := range map[string]float64{
		"soil_moisture_1": r.SoilMoisture1,
		"soil_moisture_2": r.SoilMoisture2,
		"soil_temp":       r.SoilTemp,
		"ext_temp":        r.ExtTemp,
		"temperature3":    r.Temperature3,
		"humidity":        r.Humidity,
		"light":           r.Light,
	} {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{}
	if r.PlantID > 0 {
		tags["plant_id"] = strconv.Itoa(r.PlantID)
	}
	t := fallback
	if r.TimeSynced() {
		t = time.Unix(r.Timestamp, 0).UTC()
	}
	return influxdb2.NewPoint(measurement, tags, fields, t)
}

// WriteBatch stores an uploaded batch and returns how many points were written.
func WriteBatch(ctx context.Context, w PointWriter, measurement string, batch []model.SensorRecord, now time.Time) (int, error) {
	points := make([]*write.Point, 0, len(batch))
	for _, r := range batch {
		if p := RecordToPoint(measurement, r, now); p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := w.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("influx write: %w", err)
	}
	return len(points), nil
}
