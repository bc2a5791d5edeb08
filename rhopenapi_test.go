package rhopenapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/config"
	"github.com/runninghub/openapi-go/operation"
	"github.com/runninghub/openapi-go/registry"
	"github.com/runninghub/openapi-go/transport"
)

func TestNewBuildsEmbeddedCatalog(t *testing.T) {
	client, err := New()
	require.NoError(t, err)
	require.NotEmpty(t, client.Definitions())

	// Every shipped definition must survive the schema check and come out
	// as a callable operation.
	for _, def := range client.Definitions() {
		op, ok := client.Operation(def.Endpoint)
		require.True(t, ok, "endpoint %q has no operation", def.Endpoint)
		require.Equal(t, def.Endpoint, op.Definition().Endpoint)
	}
}

func TestNewFromRegistry(t *testing.T) {
	doc := `[{"name": "Custom", "endpoint": "custom/op", "outputKind": "image", "params": [
		{"name": "prompt", "type": "string", "required": true}
	]}]`

	client, err := NewFromRegistry(strings.NewReader(doc))
	require.NoError(t, err)
	_, ok := client.Operation("custom/op")
	require.True(t, ok)
	_, ok = client.Operation("rhart-image-v1/generate")
	require.False(t, ok, "caller-supplied registries replace the embedded one")
}

func TestInvokeUnknownEndpoint(t *testing.T) {
	client, err := New()
	require.NoError(t, err)

	_, err = client.Invoke(context.Background(), "no-such/endpoint", nil, nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindSchema), "got %v", err)
}

// scriptedTransport answers every endpoint with an immediate success.
type scriptedTransport struct{ taskID string }

func (s *scriptedTransport) Upload(ctx context.Context, data []byte, filename, mimeHint string) (string, error) {
	return "https://cdn.example.com/u/x", nil
}

func (s *scriptedTransport) Submit(ctx context.Context, endpoint string, body map[string]any) (string, error) {
	return s.taskID, nil
}

func (s *scriptedTransport) PollStatus(ctx context.Context, taskID string) (*transport.StatusSnapshot, error) {
	return &transport.StatusSnapshot{
		Status:     transport.StatusSucceeded,
		OutputURLs: []string{"https://cdn.example.com/out/" + taskID + ".png"},
	}, nil
}

func (s *scriptedTransport) Download(ctx context.Context, url string) ([]byte, error) {
	// A minimal PNG so materialization recognizes the content.
	return append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
		0x00, 0x00, 0x00, 0x0d, 'I', 'H', 'D', 'R', 0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0), nil
}

func TestInvokeAllPreservesOrder(t *testing.T) {
	t.Setenv("RH_API_KEY", "test-key")

	client, err := New(operation.WithTransportFactory(func(*config.Resolved) operation.Transport {
		return &scriptedTransport{taskID: "t1"}
	}))
	require.NoError(t, err)

	fast := &operation.InvokeOptions{PollInterval: time.Millisecond, Timeout: time.Second}
	payloads, err := client.InvokeAll(context.Background(), []Invocation{
		{Endpoint: "rhart-image-v1/generate", Inputs: map[string]any{"prompt": "first"}, Options: fast},
		{Endpoint: "rhart-image-v1/generate", Inputs: map[string]any{"prompt": "second"}, Options: fast},
	})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	for _, p := range payloads {
		require.Equal(t, registry.OutputImage, p.Kind)
		require.Equal(t, "t1", p.TaskID)
	}
}

func TestInvokeAllFailsFast(t *testing.T) {
	t.Setenv("RH_API_KEY", "test-key")

	client, err := New()
	require.NoError(t, err)

	_, err = client.InvokeAll(context.Background(), []Invocation{
		{Endpoint: "no-such/endpoint"},
	})
	require.True(t, apierrors.IsKind(err, apierrors.KindSchema), "got %v", err)
}
