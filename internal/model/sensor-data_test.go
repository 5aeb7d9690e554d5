package model

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestSensorRecordJSONOmitsUnsetFields(t *testing.T) {
	r := NewSensorRecord()
	r.SoilMoisture1 = 41.5
	r.Light = 0

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(b)
	if got != `{"soil_moisture_1":41.5,"light":0}` {
		t.Errorf("unexpected wire object: %s", got)
	}
}

func TestSensorRecordStamp(t *testing.T) {
	r := NewSensorRecord()
	r.Timestamp = 1700000000
	r.Humidity = 55
	r.Stamp(7)

	if r.Date != "2023-11-14T22:13:20" {
		t.Errorf("Date = %q", r.Date)
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"plant_id":7`, `"humidity":55`, `"time_stamp":"2023-11-14T22:13:20"`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("missing %s in %s", want, b)
		}
	}
	if !r.UploadEligible() {
		t.Error("stamped record with plant 7 should be eligible")
	}
}

func TestSensorRecordEligibility(t *testing.T) {
	cases := []struct {
		name  string
		plant int
		ts    int64
		want  bool
	}{
		{"unset plant", UnsetPlantID, 1700000000, false},
		{"zero plant", 0, 1700000000, false},
		{"never synced", 3, -1, false},
		{"epoch zero", 3, 0, false},
		{"ok", 3, 1700000000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewSensorRecord()
			r.PlantID = tc.plant
			r.Timestamp = tc.ts
			if got := r.UploadEligible(); got != tc.want {
				t.Errorf("UploadEligible = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSensorRecordUnmarshalRestoresNaN(t *testing.T) {
	var r SensorRecord
	if err := json.Unmarshal([]byte(`{"plant_id":4,"soil_temp":21.25,"time_stamp":"2023-11-14T22:13:20"}`), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.PlantID != 4 || r.SoilTemp != 21.25 || r.Timestamp != 1700000000 {
		t.Errorf("unexpected record %+v", r)
	}
	if !math.IsNaN(r.Humidity) {
		t.Errorf("humidity should be NaN, got %v", r.Humidity)
	}
}

func TestProvisioningStateLabels(t *testing.T) {
	for s := StatePending; s <= StateFailed; s++ {
		back, err := ParseProvisioningState(s.String())
		if err != nil || back != s {
			t.Errorf("label %q did not map back to %d", s.String(), s)
		}
	}
	if _, err := ParseProvisioningState("BOGUS"); err == nil {
		t.Error("expected error for unknown label")
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() || StateWiFiSetup.Terminal() {
		t.Error("terminal states misreported")
	}
}
