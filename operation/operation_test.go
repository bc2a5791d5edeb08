package operation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/config"
	"github.com/runninghub/openapi-go/media"
	"github.com/runninghub/openapi-go/registry"
	"github.com/runninghub/openapi-go/transport"
)

func imageGenDef() registry.ModelDefinition {
	return registry.ModelDefinition{
		Name:       "Test T2I",
		Endpoint:   "test-image/generate",
		OutputKind: registry.OutputImage,
		Params: []registry.ParameterSpec{
			{Name: "prompt", Type: registry.ParamString, Required: true},
			{Name: "negativePrompt", Type: registry.ParamString},
			{Name: "aspectRatio", Type: registry.ParamEnum, EnumValues: []string{"1:1", "16:9"}, Default: "1:1"},
			{Name: "seed", Type: registry.ParamNumber},
		},
	}
}

// factoryWith wires a factory to the fake transport and a resolver backed by
// the test environment.
func factoryWith(t *testing.T, fake *fakeTransport) *Factory {
	t.Helper()
	t.Setenv("RH_API_KEY", "test-key")
	return NewFactory(WithTransportFactory(func(*config.Resolved) Transport { return fake }))
}

func succeededOnce(urls ...string) []*transport.StatusSnapshot {
	return []*transport.StatusSnapshot{{Status: transport.StatusSucceeded, OutputURLs: urls}}
}

func fastOpts() *InvokeOptions {
	return &InvokeOptions{PollInterval: time.Millisecond, Timeout: time.Second}
}

func TestBuildRejectsUnsupportedParamType(t *testing.T) {
	def := imageGenDef()
	def.Params = append(def.Params, registry.ParameterSpec{Name: "when", Type: registry.ParamType("date")})

	_, err := NewFactory().Build(def)
	require.True(t, apierrors.IsKind(err, apierrors.KindSchema), "got %v", err)
	require.Contains(t, err.Error(), "date")
}

func TestBuildRejectsUnknownOutputKind(t *testing.T) {
	def := imageGenDef()
	def.OutputKind = registry.OutputKind("hologram")

	_, err := NewFactory().Build(def)
	require.True(t, apierrors.IsKind(err, apierrors.KindSchema), "got %v", err)
}

func TestBuildAllSkipsBrokenDefinitions(t *testing.T) {
	broken := imageGenDef()
	broken.Endpoint = "broken/one"
	broken.OutputKind = registry.OutputKind("hologram")

	ops := NewFactory().BuildAll([]registry.ModelDefinition{imageGenDef(), broken})
	require.Len(t, ops, 1)
	require.Contains(t, ops, "test-image/generate")
}

func TestInvokeBatchesAllViolations(t *testing.T) {
	op, err := NewFactory().Build(imageGenDef())
	require.NoError(t, err)

	// Missing required prompt, unknown key, bad enum value, bad number: all
	// four must surface in one pass.
	_, err = op.Invoke(context.Background(), map[string]any{
		"aspectRatio": "4:3",
		"seed":        "not-a-number",
		"bogus":       true,
	}, nil)

	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierrors.KindValidation, apiErr.Kind)
	require.Len(t, apiErr.Fields, 4)

	joined := apiErr.Error()
	for _, fragment := range []string{"prompt", "aspectRatio", "seed", "bogus"} {
		require.Contains(t, joined, fragment)
	}
}

func TestInvokeValidInputsNeverValidationError(t *testing.T) {
	fake := &fakeTransport{statuses: succeededOnce("https://cdn.example.com/out/1.png"), downloadData: pngBytes()}
	op, err := factoryWith(t, fake).Build(imageGenDef())
	require.NoError(t, err)

	payload, err := op.Invoke(context.Background(), map[string]any{
		"prompt":      "a lighthouse at dusk",
		"aspectRatio": "16:9",
		"seed":        42,
	}, fastOpts())
	require.NoError(t, err)
	require.Equal(t, registry.OutputImage, payload.Kind)
	require.Len(t, payload.Media, 1)
}

func TestInvokeNormalizesInputs(t *testing.T) {
	fake := &fakeTransport{statuses: succeededOnce("https://cdn.example.com/out/1.png"), downloadData: pngBytes()}
	op, err := factoryWith(t, fake).Build(imageGenDef())
	require.NoError(t, err)

	_, err = op.Invoke(context.Background(), map[string]any{
		"prompt":         "  padded prompt  ",
		"negativePrompt": "   ",
		"seed":           "42",
	}, fastOpts())
	require.NoError(t, err)

	body := fake.lastBody()
	require.Equal(t, "padded prompt", body["prompt"], "strings are trimmed")
	require.NotContains(t, body, "negativePrompt", "empty optional strings are dropped")
	require.Equal(t, float64(42), body["seed"], "numeric strings are coerced")
	require.Equal(t, "1:1", body["aspectRatio"], "defaults fill absent optionals")
}

func TestInvokeRejectsMediaObjectWhereStringExpected(t *testing.T) {
	op, err := NewFactory().Build(imageGenDef())
	require.NoError(t, err)

	_, err = op.Invoke(context.Background(), map[string]any{
		"prompt": &media.Object{Kind: registry.OutputImage, Data: pngBytes()},
	}, nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindValidation), "got %v", err)
}

func TestInvokeValidationRunsBeforeCredentialResolution(t *testing.T) {
	// No RH_API_KEY anywhere: bad inputs must still produce VALIDATION,
	// not CONFIG.
	t.Setenv("RH_API_KEY", "")
	os.Unsetenv("RH_API_KEY")

	op, err := NewFactory().Build(imageGenDef())
	require.NoError(t, err)

	_, err = op.Invoke(context.Background(), map[string]any{}, nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindValidation), "got %v", err)
}

func TestInvokeMissingCredentials(t *testing.T) {
	t.Setenv("RH_API_KEY", "")
	os.Unsetenv("RH_API_KEY")

	op, err := NewFactory().Build(imageGenDef())
	require.NoError(t, err)

	_, err = op.Invoke(context.Background(), map[string]any{"prompt": "x"}, nil)
	require.True(t, apierrors.IsKind(err, apierrors.KindConfig), "got %v", err)
}
