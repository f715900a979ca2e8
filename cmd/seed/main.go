package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/lockstore"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/room"
)

// Seed the database with a demo room, two traders and an escrow lock
func main() {
	configPath := flag.String("config", "", "path to the config file (default config.yaml)")
	roomID := flag.String("room", "lobby", "room to seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx := context.Background()

	// Connect to database
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// First check if the room already has orders
	orders, err := database.LoadRoomOrders(ctx, *roomID)
	if err != nil {
		log.Fatalf("Failed to check room orders: %v", err)
	}
	if len(orders) > 0 {
		fmt.Printf("Room %s already has %d orders. No need to seed.\n", *roomID, len(orders))
		os.Exit(0)
	}

	// Create test users if they don't exist
	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, username := range []string{"trader1", "trader2"} {
		_, err := authService.Register(ctx, username, "password123")
		if err != nil && !errors.Is(err, apperr.ErrInvalidInput) {
			log.Fatalf("Failed to create %s: %v", username, err)
		}
	}

	hub := room.NewHub(database, nil, nil, cfg.Rooms.ClientBuffer)
	defer hub.Close()
	r, err := hub.Room(ctx, *roomID)
	if err != nil {
		log.Fatalf("Failed to open room %s: %v", *roomID, err)
	}

	seedOrders := []struct {
		by string
		in models.OrderInput
	}{
		{"trader1", models.OrderInput{
			Side: models.SideBuy, AmountFiat: "28000", QuoteAsset: "USDT", PricePerQuote: "280",
			PaymentMethod: models.PaymentEasypaisa, MinQuoteAmount: "10", MaxQuoteAmount: "100",
		}},
		{"trader1", models.OrderInput{
			Side: models.SideBuy, AmountFiat: "56200", QuoteAsset: "USDT", PricePerQuote: "281",
			PaymentMethod: models.PaymentBankTransfer,
		}},
		{"trader2", models.OrderInput{
			Side: models.SideSell, AmountFiat: "28050", QuoteAsset: "USDT", PricePerQuote: "280.5",
			PaymentMethod: models.PaymentEasypaisa, MaxQuoteAmount: "100",
		}},
		{"trader2", models.OrderInput{
			Side: models.SideSell, AmountFiat: "14100", QuoteAsset: "USDC", PricePerQuote: "282",
			PaymentMethod: models.PaymentRaast,
		}},
	}
	for i, o := range seedOrders {
		if _, err := r.SubmitOrder(ctx, o.by, o.in); err != nil {
			log.Fatalf("Failed to create order %d: %v", i+1, err)
		}
	}

	// Fund an escrow lock for trader2's sell orders
	decimals := 6
	locks := lockstore.NewService(database, nil, nil, cfg.Escrow.Network)
	lock, err := locks.CreateLock(ctx, lockstore.CreateLockInput{
		Owner:       "trader2",
		Wallet:      "trader2-wallet",
		TokenMint:   "USDT",
		AmountTotal: "250",
		Decimals:    &decimals,
		Note:        "seed",
	})
	if err != nil {
		log.Fatalf("Failed to create escrow lock: %v", err)
	}

	fmt.Printf("Successfully seeded room %s with %d orders and escrow lock %s!\n", *roomID, len(seedOrders), lock.ID)
}
