package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	cacheNameFlag      string
	appVersionFlag     string
	portFlag           int
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the application (overrides config)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Name of the cache generation (overrides config)")
	flag.StringVar(&appVersionFlag, "app-version", "", "Application version to compare against the version endpoint (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db, default cache.db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	fileConfig := loadConfig()

	if fileConfig.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(fileConfig.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin")
	}
	if fileConfig.Generation.CacheName == "" {
		log.Fatal().Msg("Please specify cache name")
	}

	// set up sqlite storage
	dbFilename := fileConfig.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache DB")
	}
	defer storage.Close()

	worker := shellcache.CreateWorker(shellcache.Config{
		Storage:    storage,
		Origin:     *originURL,
		Generation: fileConfig.Generation,
		CoreAssets: fileConfig.CoreAssets,
		ShellURL:   fileConfig.ShellURL,
		VersionURL: fileConfig.VersionURL,
		Logger:     &log.Logger,
	})

	ctx := context.Background()
	// without a usable generation the worker passes requests through
	if err := worker.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Running without offline cache")
	}

	schedule := fileConfig.UpdateSchedule
	if schedule == "" {
		schedule = shellcache.DefaultUpdateSchedule
	}
	if err := worker.StartUpdateSchedule(ctx, schedule); err != nil {
		log.Fatal().Err(err).Msg("Could not schedule update checks")
	}
	defer worker.Stop()

	log.Info().Msgf("Serving %s on port %v (cache %s)", originURL.String(), portFlag, fileConfig.Generation.CacheName)
	err = http.ListenAndServe(fmt.Sprintf(":%d", portFlag), worker.Router())

	if err != nil {
		panic(err)
	}
}

// loadConfig reads the config file, if any, and applies the flags on top of it.
func loadConfig() shellcache.FileConfig {
	var fileConfig shellcache.FileConfig
	if configFilenameFlag != "" {
		var err error
		fileConfig, err = shellcache.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Str("file", configFilenameFlag).Msg("Could not load config")
		}
	}
	if originFlag != "" {
		fileConfig.Origin = originFlag
	}
	if cacheNameFlag != "" {
		fileConfig.Generation.CacheName = cacheNameFlag
	}
	if appVersionFlag != "" {
		fileConfig.Generation.Version = appVersionFlag
	}
	if dbFilenameFlag != "" {
		fileConfig.DB = dbFilenameFlag
	}
	if fileConfig.DB == "" {
		fileConfig.DB = "cache.db"
	}
	return fileConfig
}
