package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/topicrelay/bot"
	"github.com/quailyquaily/topicrelay/internal/gateway"
	"github.com/quailyquaily/topicrelay/internal/kvstore"
	"github.com/quailyquaily/topicrelay/internal/logutil"
	"github.com/quailyquaily/topicrelay/internal/metrics"
	"github.com/quailyquaily/topicrelay/mediagroup"
	"github.com/quailyquaily/topicrelay/ratelimit"
	"github.com/quailyquaily/topicrelay/registry"
	"github.com/quailyquaily/topicrelay/relay"
	"github.com/quailyquaily/topicrelay/verify"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay against the Telegram long-poll API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			token := strings.TrimSpace(flagOrViperString(cmd, "bot-token", "telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via --bot-token or TOPICRELAY_TELEGRAM_BOT_TOKEN)")
			}

			supergroupRaw := strings.TrimSpace(flagOrViperString(cmd, "supergroup-id", "relay.supergroup_id"))
			if !strings.HasPrefix(supergroupRaw, "-100") {
				return fmt.Errorf("relay.supergroup_id must be a forum supergroup id (starts with -100), got %q", supergroupRaw)
			}
			supergroupID, err := strconv.ParseInt(supergroupRaw, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid relay.supergroup_id: %w", err)
			}

			store, err := kvstore.NewRedisStore(flagOrViperString(cmd, "redis-url", "redis.url"))
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			requestTimeout := viper.GetDuration("telegram.request_timeout")
			if requestTimeout <= 0 {
				requestTimeout = 10 * time.Second
			}
			pollTimeout := viper.GetDuration("telegram.poll_timeout")
			if pollTimeout <= 0 {
				pollTimeout = 30 * time.Second
			}

			baseURL := viper.GetString("telegram.base_url")
			api := gateway.NewClient(&http.Client{Timeout: requestTimeout}, baseURL, token)
			// The poll client must outlive a quiet long-poll window, so its
			// timeout sits above the getUpdates timeout instead of the
			// per-call default.
			poller := gateway.NewClient(&http.Client{Timeout: pollTimeout + 15*time.Second}, baseURL, token)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			me, err := api.GetMe(ctx)
			if err != nil {
				return fmt.Errorf("telegram getMe: %w", err)
			}

			bank := verify.DefaultBank()
			if path := strings.TrimSpace(viper.GetString("verify.bank_file")); path != "" {
				bank, err = verify.LoadBankFile(path)
				if err != nil {
					return err
				}
			}

			m := metrics.New()
			reg := registry.New(store, api, supergroupID, gateway.IsSetupError, logger)
			agg := mediagroup.New(store, api, supergroupID, m, logger)
			eng := relay.NewEngine(relay.Config{
				SupergroupID:     supergroupID,
				MaxRetryAttempts: viper.GetInt("relay.max_retry_attempts"),
				RetryWindow:      viper.GetDuration("relay.retry_window"),
			}, api, reg, store, relay.NewHealthCache(viper.GetDuration("relay.health_cache_ttl")), agg, m, logger)
			gate := verify.NewGate(store, api, eng, bank, m, logger)
			handler := bot.NewHandler(supergroupID, api, reg, eng, gate, agg, ratelimit.New(store), m, logger)

			ops := &http.Server{
				Addr:    fmt.Sprintf("%s:%d", viper.GetString("ops.bind"), viper.GetInt("ops.port")),
				Handler: m.Handler(),
			}
			go func() {
				if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("ops_listener_failed", "addr", ops.Addr, "error", err.Error())
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ops.Shutdown(shutdownCtx)
			}()

			updateTimeout := viper.GetDuration("relay.update_timeout")
			if updateTimeout <= 0 {
				updateTimeout = 30 * time.Second
			}

			logger.Info("relay_start",
				"bot_username", me.Username,
				"supergroup_id", supergroupID,
				"poll_timeout", pollTimeout.String(),
				"ops_addr", ops.Addr,
			)

			var wg sync.WaitGroup
			var offset int64
			for ctx.Err() == nil {
				updates, nextOffset, err := poller.GetUpdates(ctx, offset, pollTimeout)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					if gateway.IsTimeout(err) {
						// A quiet window that straggled past its grace;
						// poll again immediately.
						continue
					}
					logger.Warn("get_updates_error", "error", err.Error())
					time.Sleep(time.Second)
					continue
				}
				offset = nextOffset

				for _, u := range updates {
					wg.Add(1)
					go func(u gateway.Update) {
						defer wg.Done()
						// Detached from the poll context so in-flight
						// updates finish during shutdown.
						uctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
						defer cancel()
						handler.HandleUpdate(uctx, u)
					}(u)
				}
			}

			logger.Info("relay_stopping")
			wg.Wait()
			return nil
		},
	}

	cmd.Flags().String("bot-token", "", "Telegram bot token.")
	cmd.Flags().String("supergroup-id", "", "Staff forum supergroup id (starts with -100).")
	cmd.Flags().String("redis-url", "", "Redis connection URL.")
	return cmd
}
