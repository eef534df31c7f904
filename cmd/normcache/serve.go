package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/hanpama/normcache/internal/config"
	"github.com/hanpama/normcache/internal/executor"
	"github.com/hanpama/normcache/internal/grpctp"
	"github.com/hanpama/normcache/internal/introspection"
	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/metrics"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/otel"
	"github.com/hanpama/normcache/internal/schema"
	"github.com/hanpama/normcache/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		schemaPath      string
		dataPath        string
		addr            string
		grpcAddr        string
		pretty          bool
		timeout         time.Duration
		metadataHeaders []string
		corsOrigins     []string
		introspect      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a schema backed by fixture data over HTTP, websocket and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Server
			flags := cmd.Flags()
			if flags.Changed("schema") {
				cfg.Schema = schemaPath
			}
			if flags.Changed("data") {
				cfg.Data = dataPath
			}
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("grpc-addr") {
				cfg.GRPCAddr = grpcAddr
			}
			if flags.Changed("pretty") {
				cfg.Pretty = pretty
			}
			if flags.Changed("timeout") {
				cfg.Timeout = timeout
			}
			if flags.Changed("metadata-header") {
				cfg.MetadataHeaders = metadataHeaders
			}
			if flags.Changed("cors-origin") {
				cfg.CORSOrigins = corsOrigins
			}
			if flags.Changed("introspection") {
				cfg.Introspection = introspect
			}
			return runServe(cmd.Context(), root, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&schemaPath, "schema", "", "GraphQL SDL file (required)")
	f.StringVar(&dataPath, "data", "", "JSON file holding the root value")
	f.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	f.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address, disabled when empty")
	f.BoolVar(&pretty, "pretty", false, "pretty-print JSON responses")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	f.StringArrayVar(&metadataHeaders, "metadata-header", nil, "forward HTTP header to gRPC metadata (repeatable)")
	f.StringArrayVar(&corsOrigins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	f.BoolVar(&introspect, "introspection", true, "answer __schema and __type queries")
	return cmd
}

// localNetwork builds the in-process network serving cfg's schema and data.
func localNetwork(cfg config.Server) (*network.Local, error) {
	if cfg.Schema == "" {
		return nil, errors.New("serve: a schema file is required")
	}
	src, err := language.LoadSchemaFiles(cfg.Schema)
	if err != nil {
		return nil, err
	}
	sch, err := schema.BuildFromAST(src)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	rootValue := map[string]any{}
	if cfg.Data != "" {
		b, err := os.ReadFile(cfg.Data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &rootValue); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cfg.Data, err)
		}
	}
	var rt executor.Runtime = executor.NewResolverRuntime(nil)
	if cfg.Introspection {
		w, err := introspection.Wrap(rt, sch)
		if err != nil {
			return nil, err
		}
		rt, sch = w.Runtime, w.Schema
	}
	return network.NewLocal(executor.NewExecutor(rt, sch), rootValue), nil
}

func newMux(n network.Network, cfg config.Server, log *zap.Logger, reg *prometheus.Registry) *http.ServeMux {
	sopts := []server.Option{
		server.WithTimeout(cfg.Timeout),
		server.WithMaxBodyBytes(cfg.MaxBodyBytes),
		server.WithLogger(log),
	}
	if cfg.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.MetadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(cfg.MetadataHeaders...))
	}
	if len(cfg.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.CORSOrigins...))
	}
	mux := http.NewServeMux()
	mux.Handle("/graphql", server.New(n, sopts...))
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

func runServe(ctx context.Context, root *rootOptions, cfg config.Server) error {
	log := root.log
	local, err := localNetwork(cfg)
	if err != nil {
		return err
	}

	shutdown, err := otel.Setup(ctx, root.bus, root.cfg.Otel.Endpoint, root.cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	defer metrics.New(reg).Register(root.bus)()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(local, cfg, log, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *grpc.Server
	var lis net.Listener
	if cfg.GRPCAddr != "" {
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer()
		grpctp.NewServer(local, log).Register(grpcSrv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("GraphQL server listening", zap.String("addr", cfg.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
