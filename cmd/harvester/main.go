package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"liuproxy_harvester/internal/app"
	"liuproxy_harvester/internal/shared/config"
	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/internal/shared/types"
)

func main() {
	iniPath := flag.String("config", "configs/harvester.ini", "Path to harvester.ini")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// 1. 加载 .ini 配置并校验
	cfg := types.Default()
	if err := config.LoadIni(cfg, *iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *iniPath, err)
		os.Exit(1)
	}
	if *debug || cfg.GeneralConf.Debug {
		cfg.LogConf.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Invalid configuration in '%s':\n%v\n", *iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. Ctrl-C / SIGTERM 触发取消，已验证的结果仍会导出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 创建并运行
	server, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize harvester")
	}
	rep, runErr := server.Run(ctx)
	if err := server.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to release resources")
	}

	logger.Info().
		Int("sources", rep.Sources).
		Int("source_errors", rep.SourceErrors).
		Int("candidates", rep.Candidates).
		Int("working", rep.Summary.Succeeded).
		Str("took", rep.Duration.String()).
		Msgf("Harvest %s.", outcome(ctx))

	if runErr != nil {
		logger.Error().Err(runErr).Msg("Export failed")
		os.Exit(1)
	}
}

func outcome(ctx context.Context) string {
	if ctx.Err() != nil {
		return "interrupted"
	}
	return "finished"
}
