package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const activityContentType = "application/activity+json"

// Deliverer is the outbound activity queue: a buffered channel drained
// by a fixed worker pool, rate limited per process. Enqueueing is
// non-blocking from the caller's perspective apart from context
// cancellation; a full queue is an error rather than a stall.
type Deliverer struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter

	queue chan *delivery
	eg    *errgroup.Group

	userAgent string

	shutdown sync.Once

	log *slog.Logger
}

type delivery struct {
	activity map[string]any
	inbox    string
}

type DelivererConfig struct {
	Workers    int
	QueueSize  int
	RatePerSec float64
	UserAgent  string
}

func DefaultDelivererConfig() DelivererConfig {
	return DelivererConfig{
		Workers:    8,
		QueueSize:  1024,
		RatePerSec: 32,
		UserAgent:  "mikoto",
	}
}

func NewDeliverer(cfg DelivererConfig) *Deliverer {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil

	d := &Deliverer{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Workers),
		queue:     make(chan *delivery, cfg.QueueSize),
		userAgent: cfg.UserAgent,
		log:       slog.Default().With("system", "deliverer"),
	}

	d.eg = &errgroup.Group{}
	for i := 0; i < cfg.Workers; i++ {
		d.eg.Go(d.worker)
	}

	return d
}

// Deliver enqueues one activity for the given inbox.
func (d *Deliverer) Deliver(ctx context.Context, activity map[string]any, inbox string) error {
	select {
	case d.queue <- &delivery{activity: activity, inbox: inbox}:
		deliveriesQueued.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		deliveriesDropped.Inc()
		return fmt.Errorf("delivery queue full, dropping activity for %s", inbox)
	}
}

func (d *Deliverer) worker() error {
	for job := range d.queue {
		if err := d.post(job); err != nil {
			deliveriesFailed.Inc()
			d.log.Warn("activity delivery failed", "inbox", job.inbox, "err", err)
			continue
		}
		deliveriesSucceeded.Inc()
	}
	return nil
}

func (d *Deliverer) post(job *delivery) error {
	if err := d.limiter.Wait(context.Background()); err != nil {
		return err
	}

	body, err := json.Marshal(job.activity)
	if err != nil {
		return fmt.Errorf("encoding activity: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, job.inbox, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", activityContentType)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("inbox returned %s", resp.Status)
	}
	return nil
}

// Shutdown stops accepting work and drains what is already queued.
func (d *Deliverer) Shutdown() {
	d.shutdown.Do(func() {
		close(d.queue)
		_ = d.eg.Wait()
	})
}
