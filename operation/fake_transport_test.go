package operation

import (
	"context"
	"sync"

	"github.com/runninghub/openapi-go/transport"
)

// fakeTransport records every call and serves scripted responses. Safe for
// concurrent use so tests can run invocations in parallel against one fake.
type fakeTransport struct {
	mu sync.Mutex

	uploadURLs   []string
	uploadCalls  int
	uploadNames  []string
	submitBodies []map[string]any
	submitTaskID string
	submitErr    error
	onSubmit     func()

	// statuses is served one snapshot per poll; the last entry repeats once
	// the script runs out.
	statuses  []*transport.StatusSnapshot
	pollErrs  []error
	pollCalls int

	downloadData  []byte
	downloadErr   error
	downloadCalls int
	downloadURLs  []string
}

func (f *fakeTransport) Upload(ctx context.Context, data []byte, filename, mimeHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	f.uploadNames = append(f.uploadNames, filename)
	url := "https://cdn.example.com/uploads/fake"
	if len(f.uploadURLs) > 0 {
		url = f.uploadURLs[0]
		if len(f.uploadURLs) > 1 {
			f.uploadURLs = f.uploadURLs[1:]
		}
	}
	return url, nil
}

func (f *fakeTransport) Submit(ctx context.Context, endpoint string, body map[string]any) (string, error) {
	f.mu.Lock()
	f.submitBodies = append(f.submitBodies, body)
	onSubmit := f.onSubmit
	f.mu.Unlock()
	if onSubmit != nil {
		onSubmit()
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.submitTaskID != "" {
		return f.submitTaskID, nil
	}
	return "fake-task", nil
}

func (f *fakeTransport) PollStatus(ctx context.Context, taskID string) (*transport.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.pollCalls
	f.pollCalls++
	if i < len(f.pollErrs) && f.pollErrs[i] != nil {
		return nil, f.pollErrs[i]
	}
	if len(f.statuses) == 0 {
		return &transport.StatusSnapshot{Status: transport.StatusRunning}, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeTransport) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	f.downloadURLs = append(f.downloadURLs, url)
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.downloadData, nil
}

func (f *fakeTransport) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

func (f *fakeTransport) lastBody() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitBodies) == 0 {
		return nil
	}
	return f.submitBodies[len(f.submitBodies)-1]
}
