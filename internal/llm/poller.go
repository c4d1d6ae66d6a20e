package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/metrics"
)

const (
	maxImagesPerRequest = 4

	defaultPollInterval   = time.Second
	defaultImageRetention = time.Hour
	defaultPollGrace      = 2 * time.Second

	// ImageRoute is where stored images are served from.
	ImageRoute = "/v1/images/"
)

// ImageSink persists generated images for url responses.
type ImageSink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// ExpiryScheduler deletes a stored image after a delay.
type ExpiryScheduler interface {
	Schedule(name string, after time.Duration)
}

type PollerConfig struct {
	// Interval between status polls (default: 1s).
	Interval time.Duration
	// Retention is how long url images stay available (default: 1h).
	Retention time.Duration
	// PublicURL prefixes returned image urls, e.g. "https://gw.example.com".
	PublicURL string
	// Grace is added to a job's polling budget to cover submit and poll
	// round trips (default: 2s).
	Grace time.Duration
	Now   func() time.Time
}

// Poller drives image jobs from submission to a finished OpenAI response.
type Poller struct {
	jobs    ImageJobClient
	sink    ImageSink
	expirer ExpiryScheduler
	cfg     PollerConfig
	logger  *zap.Logger
}

// NewPoller wires the poller. sink and expirer may be nil when only
// b64_json responses are served.
func NewPoller(jobs ImageJobClient, sink ImageSink, expirer ExpiryScheduler, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultImageRetention
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultPollGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		jobs:    jobs,
		sink:    sink,
		expirer: expirer,
		cfg:     cfg,
		logger:  logger.Named("image_poller"),
	}
}

// Generate runs req.N jobs concurrently and returns them in request order.
func (p *Poller) Generate(ctx context.Context, cred auth.Credential, req ImageRequest) (*ImageResponse, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if req.ResponseFormat == ImageFormatURL && p.sink == nil {
		return nil, errors.New("llmclient: url responses need an image store")
	}

	job := ImageJob{Model: req.Model, Prompt: req.Prompt, Size: req.Size, Seed: req.Seed}
	data := make([]ImageData, req.N)

	g, gctx := errgroup.WithContext(ctx)
	for i := range data {
		i := i
		g.Go(func() error {
			d, err := p.generateOne(gctx, cred, job, req)
			if err != nil {
				return err
			}
			data[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ImageResponse{Created: p.cfg.Now().Unix(), Data: data}, nil
}

func (p *Poller) generateOne(ctx context.Context, cred auth.Credential, job ImageJob, req ImageRequest) (ImageData, error) {
	done, err := p.run(ctx, cred, job, req.Timeout)
	if err != nil {
		return ImageData{}, err
	}

	if req.ResponseFormat == ImageFormatB64JSON {
		return ImageData{B64JSON: base64.StdEncoding.EncodeToString(done.bytes)}, nil
	}

	name := done.opID + ".jpg"
	if err := p.sink.Put(ctx, name, done.bytes); err != nil {
		return ImageData{}, fmt.Errorf("llmclient: store image %s: %w", name, err)
	}
	if p.expirer != nil {
		p.expirer.Schedule(name, p.cfg.Retention)
	}
	return ImageData{URL: p.cfg.PublicURL + ImageRoute + name}, nil
}

type finishedJob struct {
	opID  string
	bytes []byte
}

// run submits job and waits for it under a deadline of timeout+1 poll
// intervals plus grace, so a stalled upstream call cannot outlive the budget.
func (p *Poller) run(ctx context.Context, cred auth.Credential, job ImageJob, timeout int) (finishedJob, error) {
	budget := time.Duration(timeout+1)*p.cfg.Interval + p.cfg.Grace
	jobCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	opID, err := p.jobs.SubmitImage(jobCtx, cred, job)
	if err == nil {
		var img []byte
		img, err = p.wait(jobCtx, cred, opID, timeout)
		if err == nil {
			return finishedJob{opID: opID, bytes: img}, nil
		}
	}

	if ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Warn("image job exceeded its deadline",
			zap.String("operation_id", opID),
			zap.Int("timeout_seconds", timeout),
			zap.Duration("budget", budget),
			zap.Error(err),
		)
		return finishedJob{}, &TimeoutError{Seconds: timeout}
	}
	return finishedJob{}, err
}

// wait polls opID until it finishes. A job that is still pending after
// timeout+1 polls fails with *TimeoutError.
func (p *Poller) wait(ctx context.Context, cred auth.Credential, opID string, timeout int) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		status, err := p.jobs.PollImage(ctx, cred, opID)
		if err != nil {
			return nil, err
		}

		switch status.State {
		case JobDone:
			metrics.ImagePollAttempts.Observe(float64(attempt + 1))
			p.logger.Info("image job finished",
				zap.String("operation_id", opID),
				zap.Int("polls", attempt+1),
				zap.Int("bytes", len(status.Image)),
			)
			return status.Image, nil
		case JobFailed:
			metrics.ImagePollAttempts.Observe(float64(attempt + 1))
			p.logger.Warn("image job failed",
				zap.String("operation_id", opID),
				zap.Error(status.Err),
			)
			return nil, status.Err
		}

		if attempt >= timeout {
			metrics.ImagePollAttempts.Observe(float64(attempt + 1))
			p.logger.Warn("image job timed out",
				zap.String("operation_id", opID),
				zap.Int("timeout_seconds", timeout),
			)
			return nil, &TimeoutError{Seconds: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}
}
