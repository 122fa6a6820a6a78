package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillmix/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const DefaultNamespace = "rillmix"

// Options selects the server and the key namespace of one mixer
// deployment. Mixers sharing a server need distinct namespaces.
type Options struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	Namespace string
}

// Keys derives every key the layout store touches from a namespace.
type Keys struct {
	namespace string
}

func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Keys{namespace: namespace}
}

func (k Keys) LayoutPrefix() string {
	return k.namespace + ":layout:"
}

func (k Keys) Layout(session string) string {
	return k.LayoutPrefix() + session
}

func (k Keys) Sessions() string {
	return k.namespace + ":layout-sessions"
}

func (k Keys) SchemaVersion() string {
	return k.namespace + ":schema:version"
}

// NewClient connects to the layout store, installs command tracing and
// brings the namespace up to the current schema.
func NewClient(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		ClientName:   NewKeys(opts.Namespace).namespace,
		PoolSize:     opts.PoolSize,
		MinIdleConns: min(2, opts.PoolSize),
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	client.AddHook(commandTracer{})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("layout store %s unreachable: %w", opts.Address, err)
	}
	if err := Migrate(ctx, client, NewKeys(opts.Namespace), logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("layout store migration: %w", err)
	}

	if logger != nil {
		logger.Infow("layout store connected",
			"address", opts.Address,
			"db", opts.DB,
			"namespace", NewKeys(opts.Namespace).namespace,
		)
	}
	return client, nil
}

func CloseClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// commandTracer puts each command and pipeline on its own client span.
// A cache miss is not an error.
type commandTracer struct{}

func (commandTracer) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (commandTracer) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := tracing.TraceRepositoryOperation(ctx, cmd.Name(), "redis")
		defer span.End()

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			tracing.RecordError(ctx, err)
		}
		return err
	}
}

func (commandTracer) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := tracing.TraceRepositoryOperation(ctx, "pipeline", "redis")
		defer span.End()
		span.SetAttributes(attribute.Int("db.redis.commands", len(cmds)))

		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			tracing.RecordError(ctx, err)
		}
		return err
	}
}
