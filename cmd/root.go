package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/mnemotechnician/officevulp/officevulp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = officevulp.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a log level name, converted
// to *slog.LevelVar before unmarshalling
var logLevelKeys = []string{
	"log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

// corsSliceKeys are the CORS settings given as space-separated lists in
// the environment
var corsSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "officevulp [flags]",
	Short: "Discord bot answering panic bunker questions from new members",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// LevelToStringHookFunc decodes level names ("DEBUG", "info", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := officevulp.ParseLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

// Execute runs the root command, cancelling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("development", false)
	viper.SetDefault("log_level", officevulp.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", officevulp.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", officevulp.DefaultShutdownTimeout)

	// Panic bunker
	viper.SetDefault(
		"panic_bunker.join_threshold",
		officevulp.DefaultPanicBunkerJoinThreshold,
	)
	viper.SetDefault(
		"panic_bunker.delete_button_ttl",
		officevulp.DefaultPanicBunkerDeleteTTL,
	)
	viper.SetDefault("panic_bunker.reply_to_bots", false)
	viper.SetDefault("panic_bunker.faq_file", "")

	// Discord config
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.register_commands",
		officevulp.DefaultDiscordRegisterCommands,
	)
	viper.SetDefault(
		"discord.log_level",
		officevulp.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		officevulp.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		officevulp.DefaultDiscordGatewayIntent,
	)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		officevulp.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		officevulp.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		officevulp.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		officevulp.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		officevulp.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		officevulp.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		officevulp.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))

	// API config
	viper.SetDefault("api.enabled", officevulp.DefaultAPIEnabled)
	viper.SetDefault("api.listen", officevulp.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", officevulp.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", officevulp.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		officevulp.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", officevulp.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", officevulp.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault(
		"api.ssl.tls_min_version",
		officevulp.DefaultAPITLSMinVersion,
	)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		officevulp.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		officevulp.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		officevulp.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", officevulp.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		officevulp.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(officevulp.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = officevulp.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the prefixed variable wins, then the bare TOKEN the bot has always
	// been deployed with
	fatalErr(
		viper.BindEnv(
			"discord.token",
			envPrefix+"_DISCORD_TOKEN",
			officevulp.EnvvarLegacyToken,
		),
	)

	// Convert values to correct types
	for _, key := range corsSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := officevulp.ParseLogLevel(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Path to a .env file to load settings from",
	)
}
