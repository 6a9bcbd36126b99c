package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chatnow/global"
	"chatnow/global/config"
	"chatnow/logger"
	mid "chatnow/middleware"
	midsec "chatnow/middleware/security"
	chatmod "chatnow/module/chat"
	"chatnow/module/cluster"
	chatsvc "chatnow/module/chat/service"
	"chatnow/module/user"
	usersvc "chatnow/module/user/service"
	"chatnow/service/chat"
	"chatnow/service/metrics"
	"chatnow/tools/ids"
)

func main() {
	path := flag.String("config", os.Getenv("CHATNOW_CONFIG"), "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.Log)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := strconv.FormatInt(cfg.Node.ID, 10)
	logger.Info("starting", zap.String("node", node), zap.String("name", cfg.Node.Name))

	st, closeStore, err := global.ConfigStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	mirror, closeMirror, err := global.ConfigMirror(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMirror()

	rl, err := global.ConfigRelay(cfg, node)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	jwtOpts := global.JWTOptions(cfg)
	gen := ids.NewGenerator(cfg.Node.ID)
	users := usersvc.New(st, jwtOpts, gen)

	hubOpts := chat.Options{
		Config:         cfg.Realtime,
		NodeID:         cfg.Node.ID,
		Auth:           users,
		Directory:      chat.NewStoreDirectory(st),
		Relay:          rl,
		Metrics:        m,
		AllowedOrigins: cfg.Node.AllowedOrigins,
	}
	if mirror != nil {
		hubOpts.Mirror = mirror
	}
	hub := chat.NewHub(hubOpts)
	if err := hub.Init(ctx); err != nil {
		return err
	}
	chats := chatsvc.New(st, hub.Router(), gen)

	disc, err := global.ConfigDiscovery(cfg)
	if err != nil {
		return err
	}
	if disc != nil {
		// 注册到 nacos, 退出时注销
		if err := disc.Register(ctx, node, cfg.Node.Name, cfg.Node.Port); err != nil {
			return err
		}
		defer disc.Close()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	chain := mid.NewChain(mid.Recovery(), mid.RequestID(), mid.AccessLog(), mid.Origin(cfg.Node.AllowedOrigins))
	engine.Use(chain.Use())

	auth := midsec.Middleware(midsec.Options{JWT: jwtOpts, CookieName: chat.CookieName})
	api := mid.NewRoutes(engine.Group("/api"), auth)
	var lookup user.MirrorLookup
	if mirror != nil {
		lookup = mirror
	}
	user.NewHandler(users, hub.Presence(), st, lookup, chat.CookieName, cfg.JWT.SecureCookie).Routes(api)
	chatmod.NewHandler(chats).Routes(api)
	cluster.NewHandler(node, cfg.Node.Name, cfg.Node.Port, disc).Routes(api)

	engine.GET("/ws", hub.HandleWS)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"node": node, "connections": hub.Registry().Len()})
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Node.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Node.GrpcPort))
		if err != nil {
			return err
		}
		logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hs.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := hub.Shutdown(sctx); err != nil {
			logger.Warn("hub shutdown", zap.Error(err))
		}
		_ = srv.Shutdown(sctx)
		gs.GracefulStop()
		return nil
	})
	return g.Wait()
}
