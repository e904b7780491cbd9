package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chatrelay/chat"
	chatapi "chatrelay/chat-api"
	"chatrelay/db"
	"chatrelay/log"
	"chatrelay/memstore"
	"chatrelay/rpc"

	cli "gopkg.in/urfave/cli.v1"
)

var (
	OriginCommandHelpTemplate = `{{.Name}}{{if .Subcommands}} command{{end}}{{if .Flags}} [command options]{{end}} {{.ArgsUsage}}
{{if .Description}}{{.Description}}
{{end}}{{if .Subcommands}}
SUBCOMMANDS:
  {{range .Subcommands}}{{.Name}}{{with .ShortName}}, {{.}}{{end}}{{ "\t" }}{{.Usage}}
  {{end}}{{end}}{{if .Flags}}
OPTIONS:
{{range $.Flags}}   {{.}}
{{end}}
{{end}}`
)
var app *cli.App

var (
	configPathFlag = cli.StringFlag{
		Name:  "config",
		Usage: "config path",
		Value: "./config.yml",
	}
	logLevelFlag = cli.IntFlag{
		Name:  "log",
		Usage: "log level (0 debug .. 4 fatal)",
		Value: log.InfoLog,
	}
	logFilePath = cli.StringFlag{
		Name:  "logPath",
		Usage: "log root path",
		Value: "./logs",
	}
)

func init() {
	app = cli.NewApp()
	app.Name = "chatrelay"
	app.Usage = "chat backend relaying conversations to a completion API"
	app.Version = "v1.0.0"
	app.Commands = []cli.Command{
		commandStart,
	}

	cli.CommandHelpTemplate = OriginCommandHelpTemplate
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var commandStart = cli.Command{
	Name:  "start",
	Usage: "start the chat relay http service",
	Flags: []cli.Flag{
		configPathFlag,
		logLevelFlag,
		logFilePath,
	},
	Action: Start,
}

func Start(ctx *cli.Context) error {
	logLevel := ctx.Int(logLevelFlag.Name)
	logPath := ctx.String(logFilePath.Name)

	filename := fmt.Sprintf("chatrelay_%v.log", strings.ReplaceAll(time.Now().Format("2006-01-02 15:04:05"), " ", "_"))
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		return err
	}
	logFile, err := os.Create(filepath.Join(logPath, filename))
	if err != nil {
		return err
	}
	defer logFile.Close()
	log.InitLog(logLevel, logFile)

	conf, err := loadConfig(ctx.String(configPathFlag.Name), ctx.IsSet(configPathFlag.Name))
	if err != nil {
		return err
	}
	if conf.LogFormat == "console" {
		log.InitConsole(logLevel)
	}
	log.Info("log file", filepath.Join(logPath, filename))

	store, closeStore, err := openStore(conf)
	if err != nil {
		return err
	}
	defer closeStore()

	completer := chatapi.NewClient(conf.OpenAI)
	svc := chat.NewService(store, completer, conf.MaxPendingLength)
	server := rpc.NewService(rpc.Options{
		Host:          conf.Host,
		Port:          conf.Port,
		SessionSecret: conf.SessionSecret,
		Auth:          conf.Auth,
	}, svc)

	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(runCtx)
	}()

	select {
	case err = <-errCh:
		cancel()
		return err
	case <-waitToExit():
	}
	cancel()
	return <-errCh
}

func openStore(conf RelayConfig) (chat.Store, func(), error) {
	if conf.Store == StoreMemory {
		log.Warn("using the in-memory store, data is lost on exit")
		return memstore.New(), func() {}, nil
	}
	if conf.MongoURI != "" {
		db.MongoURI = conf.MongoURI
	}
	if conf.MongoDatabase != "" {
		db.Database = conf.MongoDatabase
	}
	if err := db.Init(); err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	closeFn := func() {
		if err := db.MgoCli.Disconnect(context.Background()); err != nil {
			log.Warn("disconnect mongo", err)
		}
	}
	store := db.NewStore(db.MgoCli, db.Database)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.EnsureIndexes(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("create indexes: %w", err)
	}
	return store, closeFn, nil
}

func waitToExit() <-chan struct{} {
	exit := make(chan struct{})
	sc := make(chan os.Signal, 1)
	if !signal.Ignored(syscall.SIGHUP) {
		signal.Notify(sc, syscall.SIGHUP)
	}
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sc
		log.Info("received exit signal", sig.String())
		close(exit)
	}()
	return exit
}
