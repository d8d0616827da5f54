package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"devconnect/config"
	"devconnect/membership"
	"devconnect/room"
	"devconnect/roster"
	"devconnect/transport"
	"devconnect/types"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutdown signal received...")
		cancel()
	}()

	api := roster.New(cfg.RelayURL, cfg.Token)
	if api.Token == "" {
		if cfg.Username == "" {
			log.Fatal("Set CHAT_TOKEN, or CHAT_USERNAME to sign in on a development relay")
		}
		token, _, err := api.DevLogin(ctx, cfg.Username, cfg.AvatarURL)
		if err != nil {
			log.Fatalf("Failed to sign in: %v", err)
		}
		api.Token = token
	}
	me, err := api.Me(ctx)
	if err != nil {
		log.Fatalf("Failed to load profile: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	tcfg := cfg.Transport()
	tcfg.Logger = logger
	manager := transport.NewManager(transport.WebsocketDialer{URL: cfg.WSURL, Token: api.Token}, tcfg)
	defer manager.Disconnect()
	if _, err := manager.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to relay: %v", err)
	}

	syncer := membership.NewSynchronizer(api, me.ID, logger)
	unfollow := syncer.Follow(ctx, manager)
	defer unfollow()
	go syncer.Run(ctx, cfg.RosterPoll)

	session := room.New(manager, syncer, me, room.Options{FeedSize: cfg.FeedSize, Logger: logger})
	defer session.Close()
	session.Subscribe(func(m types.Message) {
		fmt.Println(formatMessage(m))
	})
	session.OnEnded(func(teamID string, reason error) {
		fmt.Printf("Room %s closed: %v\n", teamID, reason)
	})

	fmt.Println("========================================")
	fmt.Println("DevConnect Chat")
	fmt.Println("========================================")
	fmt.Printf("Signed in as: %s\n", me.Username)
	fmt.Printf("Relay: %s\n", cfg.RelayURL)
	fmt.Println("========================================")
	fmt.Println("Type /help for commands, Ctrl+C to quit")
	fmt.Println()

	c := &console{
		api:  api,
		room: session,
		out:  os.Stdout,
		notify: func(ctx context.Context, teamID, kind string) {
			syncer.Observe(ctx, membership.RosterEvent{TeamID: teamID, Kind: kind})
		},
	}
	c.run(ctx, os.Stdin)
}
