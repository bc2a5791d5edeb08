// Package rhopenapi exposes the RunningHub OpenAPI model catalog as a set of
// uniformly callable operations. A Client loads the declarative registry,
// builds one operation per endpoint, and runs invocations through the shared
// execution pipeline (prepare, upload, submit, poll, materialize).
package rhopenapi

import (
	"context"
	_ "embed"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/logger"
	"github.com/runninghub/openapi-go/operation"
	"github.com/runninghub/openapi-go/registry"
)

//go:embed models_registry.json
var defaultRegistry []byte

// Client holds the built operation catalog. It is safe for concurrent use:
// operations share no mutable state across invocations.
type Client struct {
	defs []registry.ModelDefinition
	ops  map[string]*operation.Operation
	log  zerolog.Logger
}

// New builds a client from the registry shipped with the library.
func New(opts ...operation.FactoryOption) (*Client, error) {
	defs, err := registry.LoadBytes(defaultRegistry)
	if err != nil {
		return nil, err
	}
	return newClient(defs, opts...)
}

// NewFromRegistry builds a client from a caller-supplied registry document.
func NewFromRegistry(r io.Reader, opts ...operation.FactoryOption) (*Client, error) {
	defs, err := registry.Load(r)
	if err != nil {
		return nil, err
	}
	return newClient(defs, opts...)
}

func newClient(defs []registry.ModelDefinition, opts ...operation.FactoryOption) (*Client, error) {
	factory := operation.NewFactory(opts...)
	return &Client{
		defs: defs,
		ops:  factory.BuildAll(defs),
		log:  logger.For("client"),
	}, nil
}

// Definitions returns the loaded model catalog.
func (c *Client) Definitions() []registry.ModelDefinition {
	return c.defs
}

// Operation looks up the operation bound to an endpoint path.
func (c *Client) Operation(endpoint string) (*operation.Operation, bool) {
	op, ok := c.ops[endpoint]
	return op, ok
}

// Invoke runs the operation for an endpoint in one call.
func (c *Client) Invoke(ctx context.Context, endpoint string, inputs map[string]any, opts *operation.InvokeOptions) (*operation.MediaPayload, error) {
	op, ok := c.Operation(endpoint)
	if !ok {
		return nil, apierrors.Newf(apierrors.KindSchema, "no operation registered for endpoint %q", endpoint)
	}
	return op.Invoke(ctx, inputs, opts)
}

// Invocation names one unit of work for InvokeAll.
type Invocation struct {
	Endpoint string
	Inputs   map[string]any
	Options  *operation.InvokeOptions
}

// InvokeAll runs several invocations concurrently, one independent task
// context each, and returns the results in input order. The first failure
// cancels the remaining invocations.
func (c *Client) InvokeAll(ctx context.Context, invocations []Invocation) ([]*operation.MediaPayload, error) {
	results := make([]*operation.MediaPayload, len(invocations))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, inv := range invocations {
		i, inv := i, inv
		group.Go(func() error {
			payload, err := c.Invoke(groupCtx, inv.Endpoint, inv.Inputs, inv.Options)
			if err != nil {
				return err
			}
			results[i] = payload
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
