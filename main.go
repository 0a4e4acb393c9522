package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/metis-devops/gas-sponsorship/internal/api"
	"github.com/metis-devops/gas-sponsorship/internal/graphql"
	"github.com/metis-devops/gas-sponsorship/internal/ledger"
	"github.com/metis-devops/gas-sponsorship/internal/pricing"
	"github.com/metis-devops/gas-sponsorship/internal/repository"
	"github.com/metis-devops/gas-sponsorship/internal/services"
	"github.com/metis-devops/gas-sponsorship/internal/services/oracle"
	"github.com/metis-devops/gas-sponsorship/internal/services/policy"
	"github.com/metis-devops/gas-sponsorship/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// pairs collects repeated key=value flags.
type pairs map[string]string

func (p pairs) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k+"="+p[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p pairs) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" || value == "" {
		return fmt.Errorf("want key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func limit(name, v string) *decimal.Decimal {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		logrus.Fatalf("invalid %s %q", name, v)
	}
	return &d
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Fatalf("unable to load .env: %s", err)
	}

	var (
		ListenAddr  string
		MetricsAddr string

		MysqlEndpoint  string
		LedgerFile     string
		LedgerCacheTTL time.Duration
		WriteTimeout   time.Duration

		PolicyFile   string
		PolicyAPI    string
		PolicyAPIKey string

		DailyLimit     string
		MonthlyLimit   string
		RequestTimeout time.Duration

		SubgraphAPIKey string
		LogLevel       string
		LogJSON        bool

		RPCEndpoints = pairs{}
		Subgraphs    = pairs{}
	)

	flag.StringVar(&ListenAddr, "listen", env("SPONSORSHIP_LISTEN", ":8080"), "api listen address")
	flag.StringVar(&MetricsAddr, "metrics", env("SPONSORSHIP_METRICS", ":9090"), "prometheus listen address")
	flag.StringVar(&MysqlEndpoint, "mysql", env("SPONSORSHIP_MYSQL", ""), "mysql endpoint, e.g. root:passwd@tcp(127.0.0.1:3306)/sponsorship?parseTime=true")
	flag.StringVar(&LedgerFile, "ledger-file", env("SPONSORSHIP_LEDGER_FILE", "ledger.json"), "json ledger path, used when -mysql is empty")
	flag.DurationVar(&LedgerCacheTTL, "ledger-cache-ttl", 0, "reload ledger entries from the store after this long, 0 keeps them for the process lifetime")
	flag.DurationVar(&WriteTimeout, "write-timeout", ledger.DefaultWriteTimeout, "ledger store write timeout")
	flag.StringVar(&PolicyFile, "policies", env("SPONSORSHIP_POLICIES", ""), "yaml policy file")
	flag.StringVar(&PolicyAPI, "policy-api", env("SPONSORSHIP_POLICY_API", ""), "dashboard policy api endpoint")
	flag.StringVar(&PolicyAPIKey, "policy-api-key", env("SPONSORSHIP_POLICY_API_KEY", ""), "dashboard policy api key")
	flag.StringVar(&DailyLimit, "daily-limit", env("SPONSORSHIP_DAILY_LIMIT", ""), "default daily limit in native units")
	flag.StringVar(&MonthlyLimit, "monthly-limit", env("SPONSORSHIP_MONTHLY_LIMIT", ""), "default monthly limit in native units")
	flag.DurationVar(&RequestTimeout, "timeout", services.DefaultRequestTimeout, "policy and oracle call timeout")
	flag.StringVar(&SubgraphAPIKey, "subgraph-api-key", env("SPONSORSHIP_SUBGRAPH_API_KEY", ""), "subgraph gateway api key")
	flag.StringVar(&LogLevel, "log-level", env("SPONSORSHIP_LOG_LEVEL", "info"), "log level")
	flag.BoolVar(&LogJSON, "log-json", false, "log in json format")
	flag.Var(RPCEndpoints, "rpc", "fee oracle rpc as chainId=url, repeatable")
	flag.Var(Subgraphs, "price-subgraph", "native price subgraph as SYMBOL=url, repeatable")
	flag.Parse()

	level, err := logrus.ParseLevel(LogLevel)
	if err != nil {
		logrus.Fatalf("invalid log level: %s", err)
	}
	logrus.SetLevel(level)
	if LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	basectx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		for range stop {
			cancel()
		}
	}()

	networks := utils.DefaultNetworks()

	// policy source
	var policies policy.Store
	switch {
	case PolicyAPI != "":
		policies = policy.NewDashboard(PolicyAPI, PolicyAPIKey)
		logrus.Infof("Using dashboard policies from %s", PolicyAPI)
	case PolicyFile != "":
		static, err := policy.LoadFile(PolicyFile)
		if err != nil {
			logrus.Fatalf("unable to load policies: %s", err)
		}
		policies = static
		logrus.Infof("Using policies from %s", PolicyFile)
	default:
		logrus.Warn("No policy source configured, nothing will be sponsored")
	}

	// ledger store
	var store ledger.Store
	if MysqlEndpoint != "" {
		db, err := repository.Connect(MysqlEndpoint)
		if err != nil {
			logrus.Fatalf("unable to connect to mysql: %s", err)
		}
		defer db.Close()
		sponsorship := repository.NewSponsorship(db)
		if err := sponsorship.EnsureSchema(basectx); err != nil {
			logrus.Fatalf("unable to create ledger tables: %s", err)
		}
		store = sponsorship
	} else {
		filestore, err := ledger.OpenFileStore(LedgerFile)
		if err != nil {
			logrus.Fatalf("unable to open ledger file: %s", err)
		}
		store = filestore
		logrus.Infof("Using ledger file %s", LedgerFile)
	}

	// fee oracle
	var gasOracle oracle.GasPriceOracle
	if len(RPCEndpoints) > 0 {
		endpoints := make(map[uint64]string, len(RPCEndpoints))
		for k, v := range RPCEndpoints {
			chainId, err := strconv.ParseUint(k, 10, 64)
			if err != nil {
				logrus.Fatalf("invalid rpc chain id %q", k)
			}
			if _, ok := networks[chainId]; !ok {
				networks[chainId] = utils.Network{ChainId: chainId, Name: "chain-" + k, Symbol: "ETH"}
			}
			endpoints[chainId] = v
		}
		rpc, closeRPC, err := oracle.Dial(basectx, endpoints)
		if err != nil {
			logrus.Fatalf("unable to connect to rpc: %s", err)
		}
		defer closeRPC()
		gasOracle = rpc
	} else {
		logrus.Warn("No rpc configured, estimates use the fallback fee")
	}

	cfg := services.Config{
		Networks:            networks,
		DailyLimitDefault:   limit("daily limit", DailyLimit),
		MonthlyLimitDefault: limit("monthly limit", MonthlyLimit),
		RequestTimeout:      RequestTimeout,
	}

	eg, egctx := errgroup.WithContext(basectx)

	// fiat price feed
	if len(Subgraphs) > 0 {
		sources := make(map[string]*graphql.Client, len(Subgraphs))
		for symbol, url := range Subgraphs {
			sources[symbol] = graphql.New(url, graphql.WithAPIKey(SubgraphAPIKey))
		}
		feed := pricing.NewFeed(sources, pricing.DefaultMaxAge)
		cfg.NativeToFiatRate = feed.Rate
		eg.Go(func() error {
			return feed.Run(egctx, time.Minute)
		})
	}

	accountant := services.NewAccountant(policies, gasOracle, ledger.New(store, nil, ledger.WithCacheTTL(LedgerCacheTTL), ledger.WithWriteTimeout(WriteTimeout)), cfg)

	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := &http.Server{Addr: ListenAddr, Handler: api.NewRouter(accountant), ReadHeaderTimeout: 5 * time.Second}
	eg.Go(serve(egctx, "api", apiServer))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	eg.Go(serve(egctx, "metrics", metricsServer))

	if err := eg.Wait(); err != nil {
		logrus.Errorf("Exited: %s", err)
		os.Exit(1)
	}
	logrus.Info("Bye")
}

func serve(ctx context.Context, name string, srv *http.Server) func() error {
	return func() error {
		go func() {
			<-ctx.Done()
			shutdownctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownctx); err != nil {
				logrus.Errorf("%s server shutdown: %s", name, err)
			}
		}()
		logrus.Infof("%s server listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}
}
