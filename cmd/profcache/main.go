package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ferama/profcache/pkg/backend"
	"github.com/ferama/profcache/pkg/cache"
	"github.com/ferama/profcache/pkg/invalidation"
	"github.com/ferama/profcache/pkg/metrics"
	"github.com/ferama/profcache/pkg/profile"
	"github.com/ferama/profcache/pkg/web"
	"github.com/ferama/profcache/pkg/web/routes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	cacheName       = "profiles"
	shutdownTimeout = 5 * time.Second
)

func init() {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
}

func failWithHelp(cmd *cobra.Command, msg string) {
	fmt.Printf("ERROR: %s\n\n", msg)
	cmd.Help()
	os.Exit(1)
}

func setupLogging(level string) {
	debug := strings.EqualFold(level, "debug")
	info := strings.EqualFold(level, "info")
	error := strings.EqualFold(level, "error")

	if debug {
		output := zerolog.ConsoleWriter{Out: os.Stderr}
		output.FormatTimestamp = func(i interface{}) string {
			t, _ := time.Parse(time.RFC3339, i.(string))
			return t.Format("2006-01-02 15:04:05")
		}
		log.Logger = log.Output(output)
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if info {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if error {
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

var rootCmd = &cobra.Command{
	Use:  "profcache <config.yaml>",
	Long: "profile lookup cache in front of the lms backend",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := loadConf(args[0])
		if err != nil {
			failWithHelp(cmd, err.Error())
		}

		setupLogging(conf.LogLevel)
		if strings.EqualFold(conf.LogLevel, "debug") {
			conf.pprint()
		}

		client, err := backend.NewClient(backend.Options{
			URL:          conf.Backend.URL,
			APIKey:       conf.Backend.APIKey,
			ServiceToken: conf.Backend.ServiceToken,
			Timeout:      conf.Backend.Timeout,
			MaxRetries:   conf.Backend.MaxRetries,
		})
		if err != nil {
			failWithHelp(cmd, err.Error())
		}

		profiles := cache.New[*profile.Profile](
			conf.Cache.TTL,
			cache.WithBuckets(conf.Cache.Buckets),
			cache.WithObserver(metrics.CacheObserver(cacheName)),
		)
		metrics.Instance().RegisterCacheSize(cacheName, profiles.Len)

		svc := profile.NewService(profiles, client, conf.Backend.Table)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup

		var publisher routes.Publisher
		if conf.Invalidation.Enabled {
			bus := invalidation.NewBus(conf.Invalidation.RedisAddress, conf.Invalidation.Channel)
			defer bus.Close()
			publisher = bus

			wg.Add(1)
			go func() {
				defer wg.Done()
				err := bus.Run(ctx, svc)
				if err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("[invalidation] subscriber stopped")
				}
			}()
		}

		if conf.Metrics.Enabled {
			go metrics.RunServer(conf.Metrics.Address)
		}

		ws := web.NewWebServer(svc, publisher, conf.Web.Address, conf.Web.APIKey)
		wg.Add(1)
		go func() {
			ws.Start()
			wg.Done()
		}()

		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ws.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("[web] shutdown")
		}

		wg.Wait()
	},
}

func main() {
	rootCmd.Execute()
}
