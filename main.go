package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"glimpse/config"
	"glimpse/crypto"
	"glimpse/models"
	"glimpse/realtime"
	"glimpse/session"
	"glimpse/storage"
)

func main() {
	userFlag := flag.String("user", "", "user ID to sign in as (defaults to the last signed-in user)")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	userID := *userFlag
	if userID == "" {
		userID = cfg.LastSignedInUserID
	}
	if userID == "" {
		log.Fatal("no user to sign in: pass -user or sign in once")
	}
	if cfg.LastSignedInUserID != userID {
		cfg.LastSignedInUserID = userID
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting signed-in user: %v", err)
		}
	}

	fmt.Printf("Client ID:       %s\n", cfg.ClientID)
	fmt.Printf("Signed in as:    %s\n", userID)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	// A relay outage still leaves local history readable; realtime
	// updates just stop arriving.
	var feed realtime.Feed
	wsFeed, err := realtime.DialWSFeed(cfg.RelayURL)
	if err != nil {
		log.Warnf("relay connection failed, running offline: %v", err)
		feed = realtime.NewBroker()
	} else {
		defer wsFeed.Close()
		feed = wsFeed
		fmt.Printf("Relay:           %s\n", cfg.RelayURL)
	}

	sess, err := session.Start(userID, cfg, store, feed)
	if err != nil {
		log.Fatalf("startup failed while opening session: %v", err)
	}
	defer sess.Close()

	sess.Inbox().OnUpdate(logInboxUpdates)

	sess.WaitReconcile()
	if key := sess.Key(); key != nil {
		fmt.Printf("Key Fingerprint: %s\n", crypto.KeyFingerprint(key.PublicKey()))
	} else {
		fmt.Println("Key Fingerprint: none (messages stay locked)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logInboxUpdates(previews []models.ConversationPreview) {
	for _, preview := range previews {
		log.WithFields(log.Fields{
			"conversation_id": preview.Conversation.ConversationID,
			"with":            preview.Other.Username,
			"unread":          preview.UnreadCount,
		}).Info(preview.PreviewText)
	}
}
