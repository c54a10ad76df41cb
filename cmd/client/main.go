package main

import (
	"context"
	"log"
	"os"

	"chatClient/config"
	"chatClient/pkg/api"
	"chatClient/pkg/app"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalln(err)
	}

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatalln(err)
	}

	backend, err := api.NewBackend(cfg.Host, cfg.RequestTimeout, logger)
	if err != nil {
		logger.Error("unable to set up backend client", "error", err)
		os.Exit(1)
	}

	services := app.Services{
		Auth:     api.NewAuthService(backend),
		Profile:  api.NewProfileService(backend),
		Contacts: api.NewContactService(backend),
		Chat:     api.NewChatService(backend),
	}

	wsURL := api.WebsocketURL(backend.BaseURL(), cfg.WsPath)
	dialer := backend.Dialer()
	channels := func(user api.User, onStatus func(api.Status)) (*api.Client, error) {
		return api.NewClient(api.ClientOptions{
			URL:               wsURL,
			UserId:            user.Id,
			Token:             user.Token,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			Dial:              dialer.DialContext,
			Logger:            logger,
			OnStatus:          onStatus,
		})
	}

	term := app.NewTerminal(os.Stdout, backend.Host())

	var console *app.Console
	chat := app.NewApp(app.Options{
		Services: services,
		Channels: channels,
		Notifier: term,
		OnMessage: func(m api.Message) {
			console.Deliver(m)
		},
		Logger: logger,
	})
	console = app.NewConsole(chat, term, logger)

	if err := chat.Restore(context.Background()); err != nil {
		term.Info("Log in with /login <email> <password> or /signup, /help lists all commands")
	}

	if err := console.Run(os.Stdin); err != nil {
		logger.Error("reading input", "error", err)
		os.Exit(1)
	}
}
