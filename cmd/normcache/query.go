package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/config"
	"github.com/hanpama/normcache/internal/environment"
	"github.com/hanpama/normcache/internal/grpctp"
	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/operation"
	"github.com/hanpama/normcache/internal/schema"
	"github.com/hanpama/normcache/internal/store"
)

type queryOptions struct {
	query         string
	file          string
	variables     string
	operationName string
	schema        string
	snapshot      bool
}

func newQueryCommand(root *rootOptions) *cobra.Command {
	var (
		q         queryOptions
		endpoint  string
		transport string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run an operation through a normalizing cache and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Client
			flags := cmd.Flags()
			if flags.Changed("endpoint") {
				cfg.Endpoint = endpoint
			}
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("timeout") {
				cfg.Timeout = timeout
			}
			return runQuery(cmd.Context(), cmd.OutOrStdout(), root.log, cfg, q)
		},
	}

	f := cmd.Flags()
	f.StringVar(&endpoint, "endpoint", "", "GraphQL endpoint (http(s)://, ws(s):// or host:port for grpc)")
	f.StringVar(&transport, "transport", config.TransportHTTP, "network transport (http|ws|grpc)")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	f.StringVarP(&q.query, "query", "q", "", "operation text")
	f.StringVarP(&q.file, "file", "f", "", "file holding the operation text")
	f.StringVar(&q.variables, "variables", "", "variables as a JSON object")
	f.StringVar(&q.operationName, "operation-name", "", "operation to run from a multi-operation document")
	f.StringVar(&q.schema, "schema", "", "SDL file used to validate and type the operation")
	f.BoolVar(&q.snapshot, "snapshot", false, "print the normalized records after the result")
	cmd.MarkFlagsMutuallyExclusive("query", "file")
	return cmd
}

func runQuery(ctx context.Context, out io.Writer, log *zap.Logger, cfg config.Client, q queryOptions) error {
	if cfg.Endpoint == "" {
		return errors.New("query: an endpoint is required")
	}
	text := q.query
	if q.file != "" {
		b, err := os.ReadFile(q.file)
		if err != nil {
			return err
		}
		text = string(b)
	}
	if text == "" {
		return errors.New("query: pass --query or --file")
	}

	popts := []operation.Option{operation.WithTypename(), operation.WithOperationName(q.operationName)}
	var sopts []store.Option
	if q.schema != "" {
		src, err := language.LoadSchemaFiles(q.schema)
		if err != nil {
			return err
		}
		sch, err := schema.BuildFromAST(src)
		if err != nil {
			return fmt.Errorf("build schema: %w", err)
		}
		popts = append(popts, operation.WithSchema(sch))
		sopts = append(sopts, store.WithTypes(sch))
	}
	vars := map[string]any{}
	if q.variables != "" {
		if err := json.Unmarshal([]byte(q.variables), &vars); err != nil {
			return fmt.Errorf("query: invalid variables: %w", err)
		}
	}
	d, err := operation.Parse(text, popts...)
	if err != nil {
		return err
	}
	op, err := operation.New(d, vars)
	if err != nil {
		return err
	}

	n, closeNetwork, err := dialNetwork(cfg, log)
	if err != nil {
		return err
	}
	defer closeNetwork()

	st := store.New(nil, append(sopts, store.WithLogger(log))...)
	env := environment.New(st, n, environment.WithLogger(log))

	if d.Kind == language.Subscription {
		for res, err := range env.Stream(ctx, op) {
			if err != nil {
				return err
			}
			if err := printResult(out, res); err != nil {
				return err
			}
		}
	} else {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		res, err := env.Execute(ctx, op)
		if err != nil {
			return err
		}
		if err := printResult(out, res); err != nil {
			return err
		}
	}

	if q.snapshot {
		src, err := st.Snapshot(ctx)
		if err != nil {
			return err
		}
		b, err := src.MarshalIndentJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	return nil
}

// dialNetwork builds the network named by cfg.Transport. The returned
// function releases it.
func dialNetwork(cfg config.Client, log *zap.Logger) (network.Network, func(), error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		opts := []network.HTTPOption{
			network.WithTimeout(cfg.Timeout),
			network.WithMaxTries(cfg.MaxTries),
			network.WithHTTPLogger(log),
		}
		for k, v := range cfg.Headers {
			opts = append(opts, network.WithHeader(k, v))
		}
		return network.NewHTTP(cfg.Endpoint, opts...), func() {}, nil
	case config.TransportWS:
		opts := []network.WebSocketOption{network.WithWSLogger(log)}
		for k, v := range cfg.Headers {
			opts = append(opts, network.WithWSHeader(k, v))
		}
		return network.NewWebSocket(cfg.Endpoint, opts...), func() {}, nil
	case config.TransportGRPC:
		t := grpctp.New(grpctp.WithEndpoints(cfg.Endpoint), grpctp.WithRPCTimeout(cfg.Timeout))
		return t, func() { _ = t.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("query: unknown transport %q", cfg.Transport)
	}
}

type printed struct {
	Data    any               `json:"data"`
	Errors  network.ErrorList `json:"errors,omitempty"`
	Missing []string          `json:"missing,omitempty"`
}

func printResult(out io.Writer, res environment.Result) error {
	b, err := json.MarshalIndent(printed{Data: res.Data, Errors: res.Errors, Missing: res.MissingPaths}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
