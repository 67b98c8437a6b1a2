package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
	"github.com/any-hub/shellcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	installOnly bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Shell.Origin
		fields["cache"] = cfg.Shell.CacheName
		fields["manifest_entries"] = len(cfg.Shell.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 磁盘缓存代 → 资源清单 → worker → Fiber server”顺序，
	// 所有请求与生命周期阶段共享同一份存储实例。
	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	sw, err := buildWorker(cfg, storage, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}

	if opts.installOnly {
		return runInstall(sw, logger, opts.configPath)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Shell.Origin
	fields["cache"] = cfg.Shell.CacheName
	fields["manifest_entries"] = len(cfg.Shell.Manifest)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sw.Run(ctx, cfg.Shell.InstallOnStart, cfg.Shell.UpdateInterval.DurationValue())

	if err := startHTTPServer(ctx, cfg, sw, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	sw.Wait()
	return 0
}

func buildWorker(cfg *config.Config, storage cache.Storage, logger *logrus.Logger) (*worker.Worker, error) {
	assets, err := cfg.Shell.BuildManifest()
	if err != nil {
		return nil, err
	}
	return worker.New(worker.Options{
		Storage:              storage,
		Client:               server.NewUpstreamClient(cfg),
		Origin:               cfg.Shell.Origin,
		Manifest:             assets,
		CacheName:            cfg.Shell.CacheName,
		TempCacheName:        cfg.Shell.EffectiveTempCacheName(),
		FirstTimeTimeout:     cfg.Shell.FirstTimeTimeout.DurationValue(),
		ReturningUserTimeout: cfg.Shell.ReturningUserTimeout.DurationValue(),
		StrictVerify:         cfg.Shell.StrictVerify,
		Clients:              worker.NewClients(0),
		Logger:               logger,
	})
}

// runInstall 执行一次 install+activate 后退出，供部署流水线预热缓存。
func runInstall(sw *worker.Worker, logger *logrus.Logger, configPath string) int {
	v, err := sw.Update(context.Background())
	fields := logging.BaseFields("install_once", configPath)
	if v != nil {
		fields["version_id"] = v.ID
		fields["state"] = string(v.State())
	}
	if err != nil {
		fields["result"] = "failed"
		logger.WithFields(fields).WithError(err).Error("缓存预热失败")
		fmt.Fprintf(stdErr, "缓存预热失败: %v\n", err)
		return 1
	}
	fields["result"] = "ok"
	logger.WithFields(fields).Info("缓存预热完成")
	return 0
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		installOnly bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&installOnly, "install", false, "执行一次 install+activate 后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		installOnly: installOnly,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, sw *worker.Worker, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewHandler(sw, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, sw, logger)

	go func() {
		<-ctx.Done()
		// 先断开事件流，否则 Shutdown 会等待长连接。
		sw.Clients().Close()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
