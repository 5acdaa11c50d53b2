package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailchannels/relay"
	"github.com/mailchannels/relay/log"
)

var (
	configPath string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "start the SMTP relay",
		Run:   serve,
	}

	cmdConfig     = relay.AppConfig{}
	signalChannel = make(chan os.Signal, 1) // for trapping SIG_HUP
	mainlog       log.Logger
)

func init() {
	// log to stderr on startup
	var logOpenError error
	if mainlog, logOpenError = log.GetLogger("stderr", "info"); logOpenError != nil {
		mainlog.WithError(logOpenError).Error("Failed creating a startup logger")
	}
	serveCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"relay.conf", "Path to the configuration file")
	rootCmd.AddCommand(serveCmd)
}

func readConfig(path string, config *relay.AppConfig) error {
	if err := config.Load(path); err != nil {
		return err
	}
	// the environment wins over the config file for the store DSN
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Backend.DSN = dsn
	}
	if verbose {
		config.LogLevel = "debug"
	}
	return nil
}

func sigHandler(app *relay.App) {
	// handle SIGHUP for reloading the configuration while running
	signal.Notify(signalChannel, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	for sig := range signalChannel {
		if sig == syscall.SIGHUP {
			oldConfig := cmdConfig
			newConfig := relay.AppConfig{}
			if err := readConfig(configPath, &newConfig); err != nil {
				mainlog.WithError(err).Error("Error while reloading config")
				continue
			}
			cmdConfig = newConfig
			mainlog.Info("Configuration was reloaded")
			cmdConfig.EmitChangeEvents(&oldConfig, app)
		} else {
			mainlog.Info("Shutdown signal caught")
			app.Shutdown()
			mainlog.Info("Shutdown completed, exiting.")
			return
		}
	}
}

func serve(cmd *cobra.Command, args []string) {
	logVersion()

	if err := readConfig(configPath, &cmdConfig); err != nil {
		mainlog.WithError(err).Fatal("Error while reading config")
	}

	var err error
	if mainlog, err = log.GetLogger(cmdConfig.LogFile, cmdConfig.LogLevel); err != nil {
		mainlog.WithError(err).Error("Failed creating the configured logger")
	}

	app, err := relay.New(&cmdConfig, mainlog)
	if err != nil {
		mainlog.WithError(err).Fatal("Error while configuring the relay")
	}

	if err := app.Subscribe(relay.EventConfigLogFile, func(c *relay.AppConfig) {
		var logErr error
		if mainlog, logErr = log.GetLogger(c.LogFile, c.LogLevel); logErr != nil {
			mainlog.WithError(logErr).Error("Failed reopening the log")
		}
	}); err != nil {
		mainlog.WithError(err).Error("Failed subscribing to log file changes")
	}
	if err := app.Subscribe(relay.EventConfigLogLevel, func(c *relay.AppConfig) {
		mainlog.SetLevel(c.LogLevel)
	}); err != nil {
		mainlog.WithError(err).Error("Failed subscribing to log level changes")
	}

	if err := app.Start(); err != nil {
		mainlog.WithError(err).Fatal("Error while starting the relay")
	}
	sigHandler(app)
}
