package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaswantsoni1128/webd/config"
	"github.com/yaswantsoni1128/webd/greylist"
	"github.com/yaswantsoni1128/webd/system"

	_ "net/http/pprof"
)

var info = "webd portfolio and contact relay"
var logo = "" +
	"                __        __\n _      _____  / /_  ____/ /\n| | /| / / _ \\/ __ \\/ __  /   " + info + "\n" + "| |/ |/ /  __/ /_/ / /_/ /  \n|__/|__/\\___/_.___/\\__,_/   " +
	"\n\n"

const (
	defaultConfigPath = "config.json"
	shutdownTimeout   = 10 * time.Second
)

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

func main() {

	// defaults
	var (
		devmode     = false
		addr        = config.DefaultListenAddr
		configpath  = defaultConfigPath
		envpath     = ".env"
		sslCert     = ""
		sslKey      = ""
		sslAddr     = config.DefaultListenAddrTLS
		showVersion = false
	)

	// flags
	flag.StringVar(&addr, "addr", addr, "address to serve")
	flag.BoolVar(&devmode, "dev", devmode, "development mode (insecure)")
	flag.StringVar(&configpath, "conf", configpath, "path to config.json (use - for stdin, empty for none)")
	flag.StringVar(&envpath, "env", envpath, "dotenv file loaded before reading the environment")
	flag.StringVar(&sslCert, "sslcert", sslCert, "path to ssl cert")
	flag.StringVar(&sslKey, "sslkey", sslKey, "path to ssl key")
	flag.StringVar(&sslAddr, "ssladdr", sslAddr, "listen TLS if cert and key exist")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	doConfigDump := flag.Bool("dumpconfig", false, "dump config and exit")
	flag.Parse()

	fmt.Fprint(os.Stderr, logo)
	fmt.Fprintln(os.Stderr, "webd", Version)
	if showVersion {
		os.Exit(0)
	}

	log := newLogger(devmode)
	cfg, err := loadConfig(configpath, envpath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	cfg.Meta.Version = "webd " + Version

	// override config with flag
	if devmode {
		cfg.Meta.DevelopmentMode = devmode
	}
	if cfg.Meta.DevelopmentMode && !devmode {
		log = newLogger(true)
	}
	if addr != config.DefaultListenAddr || cfg.Meta.ListenAddr == "" {
		cfg.Meta.ListenAddr = addr
	}
	if sslAddr != config.DefaultListenAddrTLS || cfg.Meta.ListenAddrTLS == "" {
		cfg.Meta.ListenAddrTLS = sslAddr
	}

	if err := config.CheckConfig(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	if *doConfigDump {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent(" ", " ")
		if err := enc.Encode(cfg.Masked()); err != nil {
			log.Fatal().Err(err).Msg("dumping config")
		}
		return
	}

	if os.Getenv("DEBUG") != "" {
		go func() {
			log.Info().Err(http.ListenAndServe("localhost:6060", nil)).Msg("pprof server stopped")
		}()
	}

	// check config and init db
	s, err := system.New(*cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("boot error")
	}

	// setup greylist
	var refreshRate time.Duration // none, no auto refresh
	temporaryBlacklistTime := time.Hour * 24
	if cfg.Meta.DevelopmentMode {
		log.Warn().Msg("DEV MODE")
		refreshRate = time.Second * 10
		temporaryBlacklistTime = time.Minute
	}
	glist := greylist.New(cfg.Sec.Whitelist, cfg.Sec.Blacklist, refreshRate, log)
	glist.SetTemporaryBlacklistTime(temporaryBlacklistTime)
	glist.SetTrustProxy(cfg.Sec.TrustProxy)
	s.SetGreylist(glist)

	if err := serve(s, cfg, sslCert, sslKey, log); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	if err := s.Close(); err != nil {
		log.Error().Err(err).Msg("closing stats database")
	}
}

// loadConfig reads the dotenv file, the JSON config and then the
// environment, each overriding the one before.
func loadConfig(configpath, envpath string, log zerolog.Logger) (*config.Config, error) {
	if envpath != "" {
		if err := config.LoadDotEnv(envpath); err != nil {
			return nil, err
		}
	}
	path := configpath
	if _, err := os.Stat(path); path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
		// default path is optional, environment alone is enough
		log.Info().Str("file", path).Msg("no config file, using defaults and environment")
		path = ""
	}
	cfg, err := config.Load(path, os.Stdin)
	if err != nil {
		return nil, err
	}
	switch path {
	case "":
	case "-":
		log.Info().Msg("read config from stdin")
	default:
		log.Info().Str("file", path).Msg("read config")
	}
	if err := config.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs the HTTP (and maybe HTTPS) servers until a shutdown signal.
// SIGUSR2 reparses templates.
func serve(s *system.System, cfg *config.Config, sslCert, sslKey string, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	router := s.Router()
	servers := []*http.Server{{
		Addr:              cfg.Meta.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	errc := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Meta.ListenAddr).Str("url", cfg.Meta.SiteURL).Msg("serving HTTP")
		errc <- servers[0].ListenAndServe()
	}()

	// Serve or die!
	if sslCert != "" && sslKey != "" && cfg.Meta.ListenAddrTLS != "" {
		tlsServer := &http.Server{
			Addr:              cfg.Meta.ListenAddrTLS,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, tlsServer)
		go func() {
			log.Info().Str("addr", cfg.Meta.ListenAddrTLS).Msg("serving TLS")
			errc <- tlsServer.ListenAndServeTLS(sslCert, sslKey)
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	var err error
wait:
	for {
		select {
		case err = <-errc:
			break wait
		case sig := <-sigs:
			if sig == syscall.SIGUSR2 {
				if err := s.ReloadTemplates(); err != nil {
					log.Error().Err(err).Msg("reloading templates")
				} else {
					log.Info().Msg("reloaded templates")
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			break wait
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Str("addr", srv.Addr).Msg("shutdown")
		}
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
