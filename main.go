package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"earshot.dev/db"
	"earshot.dev/gateway"
	"earshot.dev/session"
	"earshot.dev/stt"
	"earshot.dev/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().
		String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().
		String("deepgram-url", "wss://api.deepgram.com/v1/listen", "Deepgram streaming endpoint")
	rootCmd.PersistentFlags().
		String("listen", ":8080", "HTTP listen address")
	rootCmd.PersistentFlags().
		String("postgres-url", "", "Postgres URL for transcript storage (optional)")

	viper.BindPFlag(
		"deepgram_api_key",
		rootCmd.PersistentFlags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag(
		"deepgram_url",
		rootCmd.PersistentFlags().Lookup("deepgram-url"),
	)
	viper.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag(
		"postgres_url",
		rootCmd.PersistentFlags().Lookup("postgres-url"),
	)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "earshot",
	Short: "Earshot streams call audio to a live transcription service",
	Long:  `Earshot captures two-channel call audio from capture clients, normalizes it, streams it to a live speech recognizer, and pushes clean transcripts back.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture gateway and HTTP server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, gatewayLogger, hearLogger, dataLogger := createLoggers()

	apiKey := viper.GetString("deepgram_api_key")
	if apiKey == "" {
		mainLogger.Fatal("missing DEEPGRAM_API_KEY or --deepgram-api-key=")
	}
	deepgramURL := viper.GetString("deepgram_url")
	listenAddr := viper.GetString("listen_addr")

	var store *db.Store
	if pgURL := viper.GetString("postgres_url"); pgURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		store, err = db.Open(ctx, pgURL, dataLogger)
		if err != nil {
			cancel()
			mainLogger.Fatal("connect to database", "error", err.Error())
		}
		if err := store.EnsureSchema(ctx); err != nil {
			cancel()
			mainLogger.Fatal("ensure schema", "error", err.Error())
		}
		cancel()
		defer store.Close()
		mainLogger.Info("transcript storage enabled")
	} else {
		mainLogger.Info("no postgres_url, transcripts are push-only")
	}

	manager := gateway.NewManager(gatewayLogger)

	newTranscriber := func(ctx context.Context) (session.Transcriber, error) {
		client := stt.NewClient(deepgramURL, apiKey, stt.DefaultLiveOptions(), hearLogger)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	var transcriptStore gateway.TranscriptStore
	var transcriptSource web.TranscriptSource
	if store != nil {
		transcriptStore = store
		transcriptSource = store
	}

	capture := gateway.NewHandler(manager, newTranscriber, transcriptStore, gatewayLogger)
	router := web.NewRouter(manager, capture, transcriptSource, mainLogger)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	go func() {
		mainLogger.Info("listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Fatal("start HTTP server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	mainLogger.Info("shutting down")
	manager.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		mainLogger.Error("shutdown", "error", err.Error())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func createLoggers() (mainLogger, gatewayLogger, hearLogger, dataLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	gatewayLogger = logger.With().WithPrefix("gate")
	hearLogger = logger.With().WithPrefix("hear")
	dataLogger = logger.With().WithPrefix("data")

	return
}
