package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
)

const imageMimeType = "image/jpeg"

// ImageJob is one upstream image generation.
type ImageJob struct {
	Model  string
	Prompt string
	Size   string
	Seed   *int64
}

// JobState is the lifecycle of an upstream operation.
type JobState string

const (
	JobPending JobState = "pending"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// ImageJobStatus is one poll of an operation. Image is set when State is
// JobDone, Err when State is JobFailed.
type ImageJobStatus struct {
	OperationID string
	State       JobState
	Image       []byte
	Err         *UpstreamError
}

// SubmitImage starts an asynchronous generation and returns the operation id.
func (c *client) SubmitImage(parentCtx context.Context, cred auth.Credential, job ImageJob) (string, error) {
	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	w, h := AspectRatio(job.Size)
	payload := &providerImageRequest{
		ModelURI: modelURI(schemeImage, cred.AccountID, job.Model),
		GenerationOptions: providerImageOptions{
			MimeType:    imageMimeType,
			Seed:        job.Seed,
			AspectRatio: providerAspectRatio{WidthRatio: w, HeightRatio: h},
		},
		Messages: []providerWeightedPrompt{{Weight: 1, Text: job.Prompt}},
	}

	resp, err := c.do(ctx, cred, opImageSubmit, http.MethodPost, imageGenerationPath, payload)
	if err != nil {
		return "", err
	}

	var op providerOperation
	if err := decodeBody(resp, opImageSubmit, &op); err != nil {
		return "", err
	}
	if op.ID == "" {
		return "", errors.New("llmclient: image submit returned no operation id")
	}

	c.logger.Debug("image job submitted",
		zap.String("operation_id", op.ID),
		zap.String("model", job.Model),
		zap.Int64("width_ratio", w),
		zap.Int64("height_ratio", h),
	)
	return op.ID, nil
}

// PollImage reads the current state of an operation.
func (c *client) PollImage(parentCtx context.Context, cred auth.Credential, operationID string) (*ImageJobStatus, error) {
	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	resp, err := c.do(ctx, cred, opImagePoll, http.MethodGet, operationsPath+url.PathEscape(operationID), nil)
	if err != nil {
		return nil, err
	}

	var op providerOperation
	if err := decodeBody(resp, opImagePoll, &op); err != nil {
		return nil, err
	}
	return operationStatus(operationID, &op)
}

func operationStatus(operationID string, op *providerOperation) (*ImageJobStatus, error) {
	status := &ImageJobStatus{OperationID: operationID, State: JobPending}

	switch {
	case op.Error != nil:
		body, _ := marshalOperationError(op.Error)
		status.State = JobFailed
		status.Err = &UpstreamError{StatusCode: operationErrorStatus(op.Error.Code), Body: body}
	case !op.Done:
	case op.Response == nil || op.Response.Image == "":
		return nil, fmt.Errorf("llmclient: operation %s finished without an image", operationID)
	default:
		img, err := base64.StdEncoding.DecodeString(op.Response.Image)
		if err != nil {
			return nil, fmt.Errorf("llmclient: decode image of operation %s: %w", operationID, err)
		}
		status.State = JobDone
		status.Image = img
	}
	return status, nil
}

// AspectRatio reduces a "WxH" size to its smallest integer ratio. Anything
// unparseable becomes 1:1.
func AspectRatio(size string) (int64, int64) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(size)), "x")
	if !ok {
		return 1, 1
	}
	w, errW := strconv.ParseInt(ws, 10, 64)
	h, errH := strconv.ParseInt(hs, 10, 64)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1, 1
	}
	d := gcd(w, h)
	return w / d, h / d
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// marshalOperationError renders a failed operation in the usual error
// envelope so it can be relayed like any other upstream error body.
func marshalOperationError(e *providerOperationError) ([]byte, error) {
	return json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
		},
	})
}
