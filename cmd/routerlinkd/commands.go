package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/opd-ai/routerlink"
	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/transport"
)

const passphraseEnv = "ROUTERLINK_KEY_PASSPHRASE"

var (
	configPath     string
	logLevel       string
	streamListen   string
	datagramListen string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "routerlinkd",
		Short:         "Run a routerlink transport node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, opts)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	root.Flags().StringVar(&streamListen, "stream", "", "stream listen address (overrides config)")
	root.Flags().StringVar(&datagramListen, "datagram", "", "datagram listen address (overrides config)")

	root.AddCommand(identityCommand())
	return root
}

func identityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the node identity and static key, creating the key if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(cmd)
			if err != nil {
				return err
			}
			static, err := loadStaticKey(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity:   %s\nstatic key: %s\n",
				netdb.IdentityFromKey(static.Public), base58.Encode(static.Public[:]))
			return nil
		},
	}
}

// loadOptions reads the config file, applies flag overrides and sets up
// logging.
func loadOptions(cmd *cobra.Command) (*routerlink.Options, error) {
	opts := routerlink.NewOptions()
	if configPath != "" {
		var err error
		opts, err = routerlink.LoadOptions(configPath)
		if err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		opts.LogLevel = logLevel
	}
	if f := cmd.Flags().Lookup("stream"); f != nil && f.Changed {
		opts.StreamListen = streamListen
	}
	if f := cmd.Flags().Lookup("datagram"); f != nil && f.Changed {
		opts.DatagramListen = datagramListen
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return opts, nil
}

func loadStaticKey(opts *routerlink.Options) (*crypto.KeyPair, error) {
	if opts.KeyFile == "" {
		logrus.WithFields(logrus.Fields{
			"function": "loadStaticKey",
		}).Warn("No key_file configured, using an ephemeral identity")
		return crypto.GenerateKeyPair()
	}
	return crypto.LoadOrCreateKeyFile(opts.KeyFile, []byte(os.Getenv(passphraseEnv)))
}

// runDaemon wires the node together and blocks until ctx is done.
func runDaemon(ctx context.Context, opts *routerlink.Options) (err error) {
	static, err := loadStaticKey(opts)
	if err != nil {
		return err
	}
	defer crypto.WipeKeyPair(static)

	local := localDescriptor(static, opts)

	backend, err := openBackend(opts.NetDBPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, backend.Close()) }()

	db, err := netdb.New(backend, netdb.DefaultCacheSize)
	if err != nil {
		return err
	}
	if err := seedRouters(db, opts.Routers); err != nil {
		return err
	}

	stream, err := transport.NewStreamServer(transport.StreamConfig{
		ListenAddr:       opts.StreamListen,
		Static:           static,
		Descriptor:       local,
		HandshakeTimeout: opts.HandshakeTimeout,
	})
	if err != nil {
		return err
	}
	datagram, err := transport.NewDatagramServer(transport.DatagramConfig{
		ListenAddr:           opts.DatagramListen,
		Static:               static,
		Descriptor:           local,
		HandshakeTimeout:     opts.HandshakeTimeout,
		InboundHandshakeRate: opts.InboundHandshakeRate,
	})
	if err != nil {
		return err
	}

	var resolver routerlink.NameResolver = transport.SystemResolver{}
	if opts.DNSServer != "" {
		resolver = transport.NewDNSResolver(opts.DNSServer, 5*time.Second)
	}

	var gateway netip.Addr
	if opts.NATPMPGateway != "" {
		if gateway, err = netip.ParseAddr(opts.NATPMPGateway); err != nil {
			return fmt.Errorf("invalid natpmp_gateway: %w", err)
		}
	}
	mapper, err := transport.NewPortMapper(opts.MapperKind(), gateway)
	if err != nil {
		return err
	}

	tr, err := routerlink.New(opts, routerlink.Dependencies{
		Identity: local.Identity(),
		Stream:   stream,
		Datagram: datagram,
		Store:    db,
		Resolver: resolver,
		Mapper:   mapper,
		Supplier: crypto.NewKeyPairSupplier(opts.KeyPoolSize, nil),
	})
	if err != nil {
		return err
	}

	tr.OnMessage(func(from netdb.Identity, msg transport.Message) {
		logrus.WithFields(logrus.Fields{
			"function": "routerlinkd.OnMessage",
			"from":     from.Short(),
			"id":       msg.ID,
			"size":     len(msg.Payload),
		}).Debug("Message received")
	})
	tr.OnDeliveryFailure(func(to netdb.Identity, msgs []transport.Message, reason error) {
		logrus.WithFields(logrus.Fields{
			"function": "routerlinkd.OnDeliveryFailure",
			"to":       to.Short(),
			"messages": len(msgs),
			"reason":   reason.Error(),
		}).Warn("Messages not delivered")
	})

	if err := tr.Start(); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, tr.Stop()) }()

	logrus.WithFields(logrus.Fields{
		"function":      "runDaemon",
		"identity":      local.Identity().String(),
		"stream_port":   stream.LocalPort(),
		"datagram_port": datagram.LocalPort(),
	}).Info("routerlinkd running")

	var metrics *http.Server
	if opts.MetricsListen != "" {
		metrics = serveMetrics(opts.MetricsListen, tr)
	}

	<-ctx.Done()
	logrus.WithFields(logrus.Fields{
		"function": "runDaemon",
	}).Info("Shutting down")

	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, metrics.Shutdown(shutdownCtx))
	}
	return err
}

func openBackend(path string) (netdb.Backend, error) {
	if path == "" {
		return netdb.NewMemoryBackend(), nil
	}
	return netdb.OpenBadger(path)
}

// localDescriptor builds the descriptor announced during handshakes.
func localDescriptor(static *crypto.KeyPair, opts *routerlink.Options) *netdb.RouterDescriptor {
	var addrs []netdb.Address
	if opts.PublicHost != "" {
		if port, ok := listenPort(opts.StreamListen); ok {
			addrs = append(addrs, netdb.Address{Style: netdb.StyleStream, Host: opts.PublicHost, Port: port})
		}
		if port, ok := listenPort(opts.DatagramListen); ok {
			addrs = append(addrs, netdb.Address{Style: netdb.StyleDatagram, Host: opts.PublicHost, Port: port})
		}
	}
	return netdb.NewRouterDescriptor(static.Public, addrs...)
}

func listenPort(addr string) (uint16, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return 0, false
	}
	return uint16(port), true
}

// seedRouters stores the routers listed in the configuration.
func seedRouters(db *netdb.DB, routers []routerlink.RouterConfig) error {
	for i, rc := range routers {
		raw, err := base58.Decode(rc.StaticKey)
		if err != nil || len(raw) != crypto.KeySize {
			return fmt.Errorf("routers[%d]: invalid static_key", i)
		}
		var key [crypto.KeySize]byte
		copy(key[:], raw)

		desc := netdb.NewRouterDescriptor(key, rc.Addresses...)
		if err := db.Put(desc); err != nil {
			return fmt.Errorf("routers[%d]: %w", i, err)
		}
		logrus.WithFields(logrus.Fields{
			"function":  "seedRouters",
			"ident":     desc.Identity().Short(),
			"addresses": len(rc.Addresses),
		}).Debug("Seeded router descriptor")
	}
	return nil
}

func serveMetrics(addr string, tr *routerlink.Transports) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		routerlink.NewCollector(tr),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return srv
}
