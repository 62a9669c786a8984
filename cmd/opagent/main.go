package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"OPAgent-Chain/pkg/logger"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
)

// main 是 opagent 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args)
	stop()
	_ = logger.Sync()
	if err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			if msg := exitErr.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "opagent 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	app := newApp()
	return app.RunContext(ctx, args)
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "opagent"
	app.Usage = "deploy, verify and register OPAgent contracts"
	app.Version = Version
	if GitCommit != "" {
		app.Version += "-" + GitCommit
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the JSON configuration file",
			EnvVars: []string{"OPAGENT_CONFIG"},
			Value:   defaultConfigPath,
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "dotenv file loaded before the configuration",
			Value: ".env",
		},
	}
	// 退出码由 main 统一处理。
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Commands = []*cli.Command{
		deployCommand(),
		chatCommand(),
		onchainChatCommand(),
		statusCommand(),
	}
	return app
}
