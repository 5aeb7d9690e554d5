package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// wateringGain: +0.6% al minuto mentre si annaffia.
	wateringGain = 0.006

	// seed di default se SoilGrids non risponde
	defaultSeed = 0.30

	// dryThreshold: sotto questa soglia il simulatore "annaffia" la pianta.
	dryThreshold = 0.12

	soilGridsURL = "https://rest.isric.org/soilgrids/v2.0/properties/query?lat=%f&lon=%f&property=wv0010"
)

// Simulator is a Reader producing plausible readings for hosts without sensors.
// Soil moisture decays over time and is topped up once it gets too dry.
type Simulator struct {
	mu          sync.Mutex
	seeded      bool
	last        time.Time
	moisture    float64 // [0..1]
	decayPerMin float64
	watering    time.Duration
	rnd         *rand.Rand
	now         func() time.Time
	httpClient  *http.Client
	soilGrids   string
}

// NewSimulator builds a simulator whose moisture decays by decayPerMin (fraction per minute).
func NewSimulator(decayPerMin float64) *Simulator {
	return &Simulator{
		decayPerMin: math.Max(0, decayPerMin),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		httpClient:  &http.Client{Timeout: 8 * time.Second},
		soilGrids:   soilGridsURL,
	}
}

// Seed sets the initial soil moisture from SoilGrids at (lat, lon), falling back to
// 30% when coordinates are zero or the service does not answer. Only the first call
// has an effect.
func (s *Simulator) Seed(ctx context.Context, lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return
	}
	seed := defaultSeed
	if lat != 0 || lon != 0 {
		if m, err := s.fetchSoilMoisture(ctx, lat, lon); err == nil {
			seed = m
		}
	}
	s.moisture = clamp01(seed)
	s.last = s.now().UTC()
	s.seeded = true
}

// Read advances the moisture model to now and returns a full reading.
func (s *Simulator) Read(context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if !s.seeded {
		s.moisture = defaultSeed
		s.last = now
		s.seeded = true
	}
	dtMin := math.Max(0, now.Sub(s.last).Minutes())
	s.last = now

	if s.watering > 0 {
		step := math.Min(dtMin, s.watering.Minutes())
		s.moisture = clamp01(s.moisture + wateringGain*step)
		s.watering -= time.Duration(step * float64(time.Minute))
	} else {
		s.moisture = clamp01(s.moisture - s.decayPerMin*dtMin)
		if s.moisture < dryThreshold {
			s.watering = 30 * time.Minute
		}
	}

	// ciclo giornaliero per temperatura e luce
	hour := float64(now.Hour()) + float64(now.Minute())/60
	day := math.Max(0, math.Sin((hour-6)/12*math.Pi))
	ext := 14 + 10*day + s.noise(0.5)
	return Reading{
		SoilTemp:      12 + 6*day + s.noise(0.2),
		ExtTemp:       ext,
		Temperature3:  ext + s.noise(0.3),
		Humidity:      clamp(70-25*day+s.noise(2), 0, 100),
		Light:         math.Max(0, 1800*day+s.noise(20)),
		SoilMoisture1: round1(s.moisture * 100),
		SoilMoisture2: round1(clamp01(s.moisture+s.noise(0.01)) * 100),
	}, nil
}

func (s *Simulator) noise(sd float64) float64 { return s.rnd.NormFloat64() * sd }

func (s *Simulator) fetchSoilMoisture(ctx context.Context, lat, lon float64) (float64, error) {
	url := fmt.Sprintf(s.soilGrids, lat, lon)
	var val float64
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "plant-node-simulator/1.0")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("soilgrids HTTP %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("soilgrids HTTP %d", resp.StatusCode))
		}
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			return err
		}
		m := extractMoisture(parsed)
		if m < 0 {
			return backoff.Permanent(errors.New("soilgrids: moisture field not found"))
		}
		val = normalizeWV(m)
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(800*time.Millisecond), 1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return -1, err
	}
	return val, nil
}

// extractMoisture walks {"properties":{"layers":[{"depths":[{"values":{...}}]}]}},
// optionally wrapped in a "features" array.
func extractMoisture(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return -1
	}
	if feats, ok := m["features"].([]any); ok && len(feats) > 0 {
		if f0, ok := feats[0].(map[string]any); ok {
			return extractMoisture(f0)
		}
	}
	p, ok := m["properties"].(map[string]any)
	if !ok {
		return -1
	}
	layers, ok := p["layers"].([]any)
	if !ok || len(layers) == 0 {
		return -1
	}
	l0, _ := layers[0].(map[string]any)
	depths, ok := l0["depths"].([]any)
	if !ok || len(depths) == 0 {
		return -1
	}
	d0, _ := depths[0].(map[string]any)
	vals, ok := d0["values"].(map[string]any)
	if !ok {
		return -1
	}
	for _, k := range []string{"Q0.5", "mean", "Q0.95", "Q0.05"} {
		if f, ok := vals[k].(float64); ok {
			return f
		}
	}
	return -1
}

// normalizeWV: SoilGrids wv layers come in thousandths of m3/m3 (420 => 0.42).
func normalizeWV(x float64) float64 {
	if x > 1.5 {
		x /= 1000
	}
	return clamp01(x)
}

func clamp(x, lo, hi float64) float64 { return math.Min(hi, math.Max(lo, x)) }

func clamp01(x float64) float64 { return clamp(x, 0, 1) }

func round1(x float64) float64 { return math.Round(x*10) / 10 }
