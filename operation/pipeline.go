package operation

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/config"
	"github.com/runninghub/openapi-go/media"
	"github.com/runninghub/openapi-go/registry"
	"github.com/runninghub/openapi-go/transport"
)

// State is a stage of the execution pipeline. States advance strictly in
// order; there is no re-entry into a prior state.
type State string

const (
	StatePreparing  State = "preparing"
	StateUploading  State = "uploading"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Progress segments, matching the fixed split the host UI expects:
// preparation and uploads end at 20, submit at 30, polling advances toward
// 85 proportionally to the elapsed budget, download runs 90..100.
const (
	progressUploadEnd = 20
	progressSubmitEnd = 30
	progressPollCap   = 85
	progressPollEnd   = 90
	progressDone      = 100
)

// maxConsecutivePollFailures bounds how many transport-level poll failures
// in a row are tolerated before the invocation fails.
const maxConsecutivePollFailures = 5

// maxImageResults caps how many result images are downloaded per task.
const maxImageResults = 5

// taskContext is the per-invocation state. It is owned exclusively by the
// invocation that created it and discarded once a terminal state is reached.
type taskContext struct {
	id                string
	state             State
	inputs            map[string]any
	uploadedMediaRefs map[string]any // param name -> remote URL or []string
	taskID            string
	result            *MediaPayload

	progress   int
	progressFn ProgressFunc
}

func newTaskContext(inputs map[string]any, progress ProgressFunc) *taskContext {
	return &taskContext{
		id:                uuid.NewString(),
		state:             StatePreparing,
		inputs:            inputs,
		uploadedMediaRefs: make(map[string]any),
		progressFn:        progress,
	}
}

func (tc *taskContext) advance(next State) {
	tc.state = next
}

// report forwards progress, clamped so the sequence seen by the sink is
// non-decreasing.
func (tc *taskContext) report(percent int) {
	if percent < tc.progress {
		return
	}
	tc.progress = percent
	if tc.progressFn != nil {
		tc.progressFn(percent)
	}
}

// fail moves the context to its terminal failure state and tags the error
// with the remote task id when one was assigned.
func (tc *taskContext) fail(err *apierrors.APIError) error {
	tc.advance(StateFailed)
	if tc.taskID != "" && err.TaskID == "" {
		return err.WithTaskID(tc.taskID)
	}
	return err
}

// run drives one task context through the pipeline. Suspension points are
// exactly the network calls; between them no blocking work happens.
func (op *Operation) run(ctx context.Context, tc *taskContext, resolved *config.Resolved, tr Transport, opts *InvokeOptions) (*MediaPayload, error) {
	log := op.log.With().Str("invocation_id", tc.id).Logger()
	tc.report(0)

	// Uploading: resolve every mediaRef through the adapter and transport.
	// Invocations without media skip straight to submitting.
	if op.hasMediaParams(tc.inputs) {
		tc.advance(StateUploading)
		if err := op.uploadMedia(ctx, tc, tr); err != nil {
			return nil, tc.fail(asAPIError(err))
		}
	}
	tc.report(progressUploadEnd)

	// Submitting: request-level rejections are terminal, not retried.
	tc.advance(StateSubmitting)
	if err := checkCancelled(ctx); err != nil {
		return nil, tc.fail(err)
	}
	taskID, err := tr.Submit(ctx, op.def.Endpoint, op.buildBody(tc, opts))
	if err != nil {
		return nil, tc.fail(asAPIError(err))
	}
	tc.taskID = taskID
	tc.report(progressSubmitEnd)
	log.Debug().Str("task_id", taskID).Msg("task submitted")

	// Polling: fixed interval, per-invocation budget.
	tc.advance(StatePolling)
	snapshot, err := op.poll(ctx, tc, resolved, tr, opts)
	if err != nil {
		return nil, tc.fail(asAPIError(err))
	}
	tc.report(progressPollEnd)

	// Finalizing: materialize the produced media.
	tc.advance(StateFinalizing)
	if err := checkCancelled(ctx); err != nil {
		return nil, tc.fail(err)
	}
	payload, err := op.materialize(ctx, tc, tr, snapshot)
	if err != nil {
		return nil, tc.fail(asAPIError(err))
	}

	tc.result = payload
	tc.report(progressDone)
	tc.advance(StateDone)
	log.Debug().Str("task_id", taskID).Int("results", len(payload.URLs)).Msg("task completed")
	return payload, nil
}

func (op *Operation) hasMediaParams(inputs map[string]any) bool {
	for _, p := range op.def.Params {
		if p.Type == registry.ParamMediaRef {
			if _, present := inputs[p.Name]; present {
				return true
			}
		}
	}
	return false
}

// uploadMedia pushes every mediaRef input through the adapter and the
// transport, accumulating the remote URLs keyed by parameter name.
func (op *Operation) uploadMedia(ctx context.Context, tc *taskContext, tr Transport) error {
	for _, p := range op.def.Params {
		if p.Type != registry.ParamMediaRef {
			continue
		}
		value, present := tc.inputs[p.Name]
		if !present {
			continue
		}

		objects := []*media.Object{}
		switch v := value.(type) {
		case []*media.Object:
			objects = v
		case *media.Object:
			objects = append(objects, v)
		}

		urls := make([]string, 0, len(objects))
		for _, obj := range objects {
			if err := checkCancelled(ctx); err != nil {
				return err
			}
			data, mimeHint, err := op.adapter.ToWire(obj)
			if err != nil {
				return err
			}
			url, err := tr.Upload(ctx, data, op.adapter.UploadName(obj), mimeHint)
			if err != nil {
				return err
			}
			urls = append(urls, url)
		}

		if p.Multiple {
			tc.uploadedMediaRefs[p.Name] = urls
		} else if len(urls) > 0 {
			tc.uploadedMediaRefs[p.Name] = urls[0]
		}
	}
	return nil
}

// buildBody assembles the flat submit body: validated inputs with mediaRef
// values replaced by their uploaded URLs, plus the optional webhook callback.
func (op *Operation) buildBody(tc *taskContext, opts *InvokeOptions) map[string]any {
	body := make(map[string]any, len(tc.inputs)+1)
	for _, p := range op.def.Params {
		if p.Type == registry.ParamMediaRef {
			if uploaded, ok := tc.uploadedMediaRefs[p.Name]; ok {
				body[p.Name] = uploaded
			}
			continue
		}
		if value, ok := tc.inputs[p.Name]; ok {
			body[p.Name] = value
		}
	}
	if opts.WebhookURL != "" {
		body["webhookUrl"] = opts.WebhookURL
	}
	return body
}

// poll queries task status at a fixed interval until the remote reports a
// terminal state or the invocation's budget elapses. The interval is
// deliberately constant: its purpose is to avoid hammering a long-running
// job, not to back off from failure.
func (op *Operation) poll(ctx context.Context, tc *taskContext, resolved *config.Resolved, tr Transport, opts *InvokeOptions) (*transport.StatusSnapshot, error) {
	interval := resolved.PollInterval
	if opts.PollInterval > 0 {
		interval = opts.PollInterval
	}
	budget := resolved.MaxPollTime
	if opts.Timeout > 0 {
		budget = opts.Timeout
	}

	start := time.Now()
	consecutiveFailures := 0

	for {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}

		elapsed := time.Since(start)
		if elapsed > budget {
			return nil, apierrors.Newf(apierrors.KindTimeout,
				"polling exceeded the %s budget", budget)
		}
		tc.report(pollProgress(elapsed, budget))

		if err := sleepCtx(ctx, pollDelay(interval, opts.Jitter)); err != nil {
			return nil, err
		}

		snapshot, err := tr.PollStatus(ctx, tc.taskID)
		if err != nil {
			switch apierrors.KindOf(err) {
			case apierrors.KindCancelled, apierrors.KindRequest:
				return nil, err
			}
			consecutiveFailures++
			op.log.Warn().Err(err).
				Str("task_id", tc.taskID).
				Int("consecutive_failures", consecutiveFailures).
				Msg("poll attempt failed")
			if consecutiveFailures >= maxConsecutivePollFailures {
				return nil, err
			}
			continue
		}
		consecutiveFailures = 0

		switch snapshot.Status {
		case transport.StatusSucceeded:
			if len(snapshot.OutputURLs) == 0 {
				return nil, apierrors.New(apierrors.KindMalformedResponse,
					"remote reported success but no output URLs")
			}
			return snapshot, nil
		case transport.StatusFailed:
			msg := snapshot.ErrorMessage
			if msg == "" {
				msg = "task failed"
			}
			return nil, apierrors.Newf(apierrors.KindRequest, "remote task failed: %s [errorCode: %s]", msg, snapshot.ErrorCode)
		case transport.StatusCancelled:
			return nil, apierrors.New(apierrors.KindRequest, "task was cancelled by the remote service")
		case transport.StatusQueued, transport.StatusRunning:
			continue
		default:
			return nil, apierrors.New(apierrors.KindMalformedResponse, "remote reported an unknown task status")
		}
	}
}

// materialize downloads the produced media and converts it into the
// host-native representation tagged with the model's output kind.
func (op *Operation) materialize(ctx context.Context, tc *taskContext, tr Transport, snapshot *transport.StatusSnapshot) (*MediaPayload, error) {
	payload := &MediaPayload{
		Kind:   op.def.OutputKind,
		URLs:   snapshot.OutputURLs,
		Raw:    snapshot.Raw,
		TaskID: tc.taskID,
	}

	// 3D results stay URL-referenced; there is no local representation to
	// convert them into.
	if op.def.OutputKind == registry.OutputModel3D {
		return payload, nil
	}

	urls := snapshot.OutputURLs
	if op.def.OutputKind == registry.OutputImage {
		if len(urls) > maxImageResults {
			op.log.Warn().Int("results", len(urls)).Msgf("using first %d results only", maxImageResults)
			urls = urls[:maxImageResults]
		}
	} else {
		urls = urls[:1]
	}

	for _, url := range urls {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		data, err := tr.Download(ctx, url)
		if err != nil {
			return nil, err
		}
		obj, err := op.adapter.FromWire(data, op.def.OutputKind)
		if err != nil {
			return nil, err
		}
		payload.Media = append(payload.Media, obj)
	}
	return payload, nil
}

// pollProgress maps elapsed polling time onto the 30..85 segment.
func pollProgress(elapsed, budget time.Duration) int {
	if budget <= 0 {
		return progressSubmitEnd
	}
	p := progressSubmitEnd + int(float64(elapsed)/float64(budget)*55)
	if p > progressPollCap {
		p = progressPollCap
	}
	return p
}

// pollDelay returns the fixed interval, optionally spread by up to 20%
// jitter so many concurrent invocations do not align their queries.
func pollDelay(interval time.Duration, jitter bool) time.Duration {
	if !jitter {
		return interval
	}
	spread := time.Duration(rand.Int63n(int64(interval)/5 + 1))
	return interval + spread
}

// sleepCtx waits for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cancellationError(ctx)
	case <-timer.C:
		return nil
	}
}

func checkCancelled(ctx context.Context) *apierrors.APIError {
	if ctx.Err() != nil {
		return cancellationError(ctx)
	}
	return nil
}

func cancellationError(ctx context.Context) *apierrors.APIError {
	return apierrors.Wrap(apierrors.KindCancelled, "invocation aborted by caller", ctx.Err())
}

// asAPIError keeps the typed error surface intact even if a collaborator
// returns a plain error.
func asAPIError(err error) *apierrors.APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*apierrors.APIError); ok {
		return apiErr
	}
	if kind := apierrors.KindOf(err); kind != "" {
		return apierrors.Wrap(kind, "pipeline failure", err)
	}
	return apierrors.Wrap(apierrors.KindTransport, "pipeline failure", err)
}
