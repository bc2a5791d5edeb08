// Package operation turns registry model definitions into callable
// operations and runs them through the shared execution pipeline:
// prepare inputs, upload media, submit, poll, materialize the result.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/config"
	"github.com/runninghub/openapi-go/logger"
	"github.com/runninghub/openapi-go/media"
	"github.com/runninghub/openapi-go/registry"
	"github.com/runninghub/openapi-go/transport"
)

// Transport is the network surface the pipeline drives. *transport.Client
// satisfies it; tests substitute fakes.
type Transport interface {
	Upload(ctx context.Context, data []byte, filename, mimeHint string) (string, error)
	Submit(ctx context.Context, endpoint string, body map[string]any) (string, error)
	PollStatus(ctx context.Context, taskID string) (*transport.StatusSnapshot, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// TransportFactory builds a transport for one invocation's resolved
// credentials. Credentials are resolved fresh per invocation, so the
// transport is too.
type TransportFactory func(resolved *config.Resolved) Transport

func defaultTransportFactory(resolved *config.Resolved) Transport {
	return transport.NewClient(resolved.Credentials,
		transport.WithTimeouts(resolved.SubmitTimeout, resolved.UploadTimeout))
}

// ProgressFunc receives coarse progress in percent. The pipeline guarantees
// reported values are monotonically non-decreasing.
type ProgressFunc func(percent int)

// MediaPayload is the successful result of an invocation.
type MediaPayload struct {
	Kind registry.OutputKind

	// Media holds the downloaded, host-native results. Empty for model3d,
	// whose results are referenced by URL only.
	Media []*media.Object

	// URLs are the raw result URLs reported by the remote service.
	URLs []string

	// Raw is the complete final poll response.
	Raw json.RawMessage

	TaskID string
}

// InvokeOptions tunes one invocation. The zero value is usable.
type InvokeOptions struct {
	// Credentials overrides individual credential fields for this call.
	Credentials *config.Override

	// WebhookURL, when set, is passed through in the submit body as an
	// out-of-band completion callback. Polling still runs; the two
	// completion channels are independent.
	WebhookURL string

	Progress ProgressFunc

	// Timeout bounds the polling phase. Zero means the resolved
	// RH_API_MAX_POLLING_TIME.
	Timeout time.Duration

	// PollInterval overrides the fixed delay between status queries.
	PollInterval time.Duration

	// Jitter adds a small random offset to each poll delay.
	Jitter bool
}

// Factory produces Operations from model definitions.
type Factory struct {
	resolver     *config.Resolver
	adapter      *media.Adapter
	newTransport TransportFactory
	log          zerolog.Logger
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithResolver sets the credential resolver.
func WithResolver(r *config.Resolver) FactoryOption {
	return func(f *Factory) { f.resolver = r }
}

// WithAdapter sets the media adapter.
func WithAdapter(a *media.Adapter) FactoryOption {
	return func(f *Factory) { f.adapter = a }
}

// WithTransportFactory replaces how per-invocation transports are built.
func WithTransportFactory(tf TransportFactory) FactoryOption {
	return func(f *Factory) { f.newTransport = tf }
}

// NewFactory creates an operation factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		resolver:     &config.Resolver{},
		adapter:      media.NewAdapter(),
		newTransport: defaultTransportFactory,
		log:          logger.For("operation"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build turns one model definition into a callable Operation. It fails fast
// with a SCHEMA error on unsupported parameter types or an unrecognized
// output kind, catching registry/version mismatches before any invocation.
func (f *Factory) Build(def registry.ModelDefinition) (*Operation, error) {
	if !def.OutputKind.Known() {
		return nil, apierrors.Newf(apierrors.KindSchema,
			"model %q: unrecognized output kind %q", def.Name, def.OutputKind)
	}
	for _, p := range def.Params {
		if !p.Type.Known() {
			return nil, apierrors.Newf(apierrors.KindSchema,
				"model %q: parameter %q has unsupported type %q", def.Name, p.Name, p.Type)
		}
	}

	return &Operation{
		def:          def,
		resolver:     f.resolver,
		adapter:      f.adapter,
		newTransport: f.newTransport,
		log:          f.log.With().Str("endpoint", def.Endpoint).Logger(),
	}, nil
}

// BuildAll builds an Operation for every definition, keyed by endpoint.
// Definitions that fail the schema check are skipped with a warning so one
// bad registry entry does not take down the whole catalog.
func (f *Factory) BuildAll(defs []registry.ModelDefinition) map[string]*Operation {
	ops := make(map[string]*Operation, len(defs))
	for _, def := range defs {
		op, err := f.Build(def)
		if err != nil {
			f.log.Warn().Err(err).Str("endpoint", def.Endpoint).Msg("skipping model definition")
			continue
		}
		ops[def.Endpoint] = op
	}
	f.log.Info().Int("count", len(ops)).Msg("registered API operations")
	return ops
}

// Operation is the callable unit representing one remote model endpoint.
// It owns no mutable state across invocations; every call creates a fresh
// task context.
type Operation struct {
	def          registry.ModelDefinition
	resolver     *config.Resolver
	adapter      *media.Adapter
	newTransport TransportFactory
	log          zerolog.Logger
}

// Definition returns the model definition this operation was built from.
func (op *Operation) Definition() registry.ModelDefinition {
	return op.def
}

// Invoke runs the operation. Inputs are validated against the parameter
// schema with every violation reported together; validated inputs then flow
// through the execution pipeline. The result is either a MediaPayload or a
// typed error.
func (op *Operation) Invoke(ctx context.Context, inputs map[string]any, opts *InvokeOptions) (*MediaPayload, error) {
	if opts == nil {
		opts = &InvokeOptions{}
	}

	if violations := op.validate(inputs); len(violations) > 0 {
		return nil, apierrors.Validation(violations)
	}

	resolved, err := op.resolver.Resolve(opts.Credentials)
	if err != nil {
		return nil, err
	}

	tc := newTaskContext(op.normalize(inputs), opts.Progress)
	payload, err := op.run(ctx, tc, resolved, op.newTransport(resolved), opts)
	if err != nil {
		apierrors.LogError(op.log, err)
		return nil, err
	}
	return payload, nil
}

// validate checks inputs against every parameter spec, collecting all
// violations instead of failing on the first.
func (op *Operation) validate(inputs map[string]any) []string {
	var violations []string

	known := make(map[string]bool, len(op.def.Params))
	for _, p := range op.def.Params {
		known[p.Name] = true
	}
	var unknown []string
	for name := range inputs {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		violations = append(violations, fmt.Sprintf("%s: unknown parameter", name))
	}

	for _, p := range op.def.Params {
		value, present := inputs[p.Name]
		if !present || value == nil {
			if p.Required {
				violations = append(violations, fmt.Sprintf("%s: required parameter is missing", p.Name))
			}
			continue
		}
		if msg := op.checkValue(&p, value); msg != "" {
			violations = append(violations, fmt.Sprintf("%s: %s", p.Name, msg))
		}
	}
	return violations
}

func (op *Operation) checkValue(p *registry.ParameterSpec, value any) string {
	switch p.Type {
	case registry.ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected a string, got %T", value)
		}
	case registry.ParamNumber:
		if _, ok := toNumber(value); !ok {
			return fmt.Sprintf("expected a number, got %T", value)
		}
	case registry.ParamBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected a boolean, got %T", value)
		}
	case registry.ParamEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("expected one of %v, got %T", p.EnumValues, value)
		}
		for _, allowed := range p.EnumValues {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("%q is not one of %v", s, p.EnumValues)
	case registry.ParamMediaRef:
		if p.Multiple {
			if objs, ok := value.([]*media.Object); ok {
				if len(objs) == 0 {
					return "requires at least one media object"
				}
				for i, obj := range objs {
					if _, ok := op.adapter.Recognize(obj); !ok {
						return fmt.Sprintf("element %d is not a recognized media object", i)
					}
				}
				return ""
			}
		}
		if _, ok := op.adapter.Recognize(value); !ok {
			return fmt.Sprintf("expected a media object, got %T", value)
		}
	}
	return ""
}

// normalize prepares validated inputs for the wire: numeric strings are
// coerced, optional-parameter defaults applied, and empty optional strings
// dropped.
func (op *Operation) normalize(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for _, p := range op.def.Params {
		value, present := inputs[p.Name]
		if !present || value == nil {
			if !p.Required && p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		switch p.Type {
		case registry.ParamNumber:
			if n, ok := toNumber(value); ok {
				out[p.Name] = n
			}
		case registry.ParamString:
			s := strings.TrimSpace(value.(string))
			if s == "" && !p.Required {
				continue
			}
			out[p.Name] = s
		default:
			out[p.Name] = value
		}
	}
	return out
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
