package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/config"
	"github.com/zhouzirui/callbridge/internal/handler"
	"github.com/zhouzirui/callbridge/internal/handler/telephony"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/metrics"
	"github.com/zhouzirui/callbridge/internal/service/bridge"
	"github.com/zhouzirui/callbridge/internal/service/carrier"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Development)
	defer logger.Sync()
	lg := logger.L()

	opts := bridge.Options{
		Config:  cfg,
		Logger:  lg,
		Metrics: metrics.New("callbridge"),
	}

	// 运营商外呼与回调验签
	var validator telephony.SignatureValidator
	if cfg.Telephony.Enabled() {
		tw, err := carrier.NewTwilio(carrier.Options{
			AccountSID:        cfg.Telephony.AccountSID,
			AuthToken:         cfg.Telephony.AuthToken,
			FromNumber:        cfg.Telephony.FromNumber,
			StreamURL:         cfg.Telephony.StreamURL,
			StatusCallbackURL: cfg.Telephony.StatusCallbackURL,
			Logger:            lg,
		})
		if err != nil {
			lg.Fatal("failed to initialize carrier", zap.Error(err))
		}
		opts.Placer = tw
		validator = tw
		lg.Info("carrier enabled", zap.String("from", cfg.Telephony.FromNumber))
	} else {
		lg.Info("Twilio 凭证未配置，仅接受已建立的媒体流")
	}
	if cfg.Telephony.StreamURL == "" {
		lg.Warn("PUBLIC_HOST not set, carrier callbacks cannot reach this service")
	}

	// 通话摘要模型
	if cfg.AI.SummaryEnabled {
		var chatModel model.ChatModel
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			lg.Warn("failed to initialize summary model, continuing without summaries", zap.Error(err))
		} else {
			opts.ChatModel = chatModel
			lg.Info("call summaries enabled", zap.String("model", cfg.AI.Model))
		}
	} else {
		lg.Info("Ark 凭证未配置，跳过通话摘要")
	}

	if !cfg.Agent.Enabled() {
		lg.Warn("ELEVENLABS_AGENT_ID not set, calls will not reach an agent")
	}

	b, err := bridge.New(ctx, opts)
	if err != nil {
		lg.Fatal("failed to build bridge", zap.Error(err))
	}
	go b.Run(ctx)

	publicBase := ""
	if cfg.Server.PublicHost != "" {
		publicBase = "https://" + cfg.Server.PublicHost
	}
	router := handler.NewRouter(b, handler.RouterOptions{
		Telephony: telephony.Options{
			Validator:     validator,
			PublicBaseURL: publicBase,
			StreamURL:     cfg.Telephony.StreamURL,
		},
		Logger: lg,
	})

	startServer(ctx, lg, cfg.Server, router)

	b.Shutdown()
	lg.Info("bridge stopped")
}

func startServer(ctx context.Context, lg *zap.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	lg.Info("call bridge listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		lg.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
