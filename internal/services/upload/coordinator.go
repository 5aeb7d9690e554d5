// Package upload drains the record buffer to the backend in atomic batches: a batch is
// either acknowledged with 200 and committed, or put back in front of the buffer in its
// original order.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/plant_node/internal/buffer"
	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

var (
	ErrNoData         = errors.New("upload: buffer empty")
	ErrNotProvisioned = errors.New("upload: plant id not set")
	ErrDeliveryFailed = errors.New("upload: delivery failed")
)

// Poster sends a JSON body and returns the HTTP status.
type Poster interface {
	Post(ctx context.Context, url string, body []byte) (int, error)
}

// Observer receives the outcome of every PostBatch call. Optional.
type Observer interface {
	BatchDone(records int, err error)
}

type Config struct {
	Buffer   *buffer.Buffer
	Store    store.Store
	Poster   Poster
	Link     wifi.Link  // nil: assume connected
	Clock    wifi.Clock // nil: assume synced
	Backoff  time.Duration
	Logger   *log.Logger
	Observer Observer
}

type Coordinator struct {
	cfg Config
	log *log.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Coordinator{cfg: cfg, log: cfg.Logger}
}

// plantID is read from the store at send time so a freshly provisioned id applies to
// records captured before provisioning.
func (c *Coordinator) plantID() int {
	p := store.Begin(c.cfg.Store, model.PrefsNamespace)
	defer p.End()
	return p.GetInt(model.KeyPlantID, model.UnsetPlantID)
}

// rollback pushes batch back in front of the buffer, newest first, so the buffer
// reads exactly as before the pop.
func (c *Coordinator) rollback(batch []model.SensorRecord) {
	for i := len(batch) - 1; i >= 0; i-- {
		c.cfg.Buffer.PushFront(batch[i])
	}
}

// PostBatch pops up to maxBatchSize records, posts them as one JSON array with up to
// retries attempts and commits the shrunk buffer on a 200. Every failure restores the
// batch.
func (c *Coordinator) PostBatch(ctx context.Context, url string, maxBatchSize, retries int) (err error) {
	n := 0
	defer func() {
		if c.cfg.Observer != nil {
			c.cfg.Observer.BatchDone(n, err)
		}
	}()

	buf := c.cfg.Buffer
	if buf.IsEmpty() {
		return ErrNoData
	}
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}
	if retries < 1 {
		retries = 1
	}

	plant := c.plantID()
	batch := make([]model.SensorRecord, 0, maxBatchSize)
	for len(batch) < maxBatchSize {
		r, ok := buf.PopFront()
		if !ok {
			break
		}
		r.Stamp(plant)
		batch = append(batch, r)
	}
	n = len(batch)

	if batch[0].PlantID <= 0 {
		c.rollback(batch)
		return ErrNotProvisioned
	}
	if c.cfg.Link != nil && !c.cfg.Link.Connected() {
		c.rollback(batch)
		return fmt.Errorf("%w: wifi not connected", ErrDeliveryFailed)
	}
	if c.cfg.Clock != nil && !c.cfg.Clock.Synced() {
		c.rollback(batch)
		return fmt.Errorf("%w: clock not synced", ErrDeliveryFailed)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		c.rollback(batch)
		return fmt.Errorf("%w: encode batch: %v", ErrDeliveryFailed, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		status, err := c.cfg.Poster.Post(ctx, url, body)
		if err != nil {
			c.log.Printf("upload: attempt %d/%d: %v", attempt, retries, err)
			return err
		}
		if status != http.StatusOK {
			c.log.Printf("upload: attempt %d/%d: status %d", attempt, retries, status)
			return fmt.Errorf("status %d", status)
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.Backoff), uint64(retries-1)), ctx)
	if perr := backoff.Retry(op, b); perr != nil {
		c.rollback(batch)
		return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, attempt, perr)
	}

	if err := buf.SaveState(); err != nil {
		// i record sono già consegnati: al riavvio potrebbero essere re-inviati
		c.log.Printf("upload: batch delivered but buffer commit failed: %v", err)
	}
	c.log.Printf("upload: delivered %d records for plant %d (%d left)", len(batch), plant, buf.Len())
	return nil
}
