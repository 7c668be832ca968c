package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/logger"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/questions"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const demoPassword = "password123"

// demoOrders are placed for each demo user the first time it is created
var demoOrders = []models.Order{
	{OrderType: models.OrderTypeBuy, BTCAmount: decimal.RequireFromString("0.01"), PriceUSD: decimal.NewFromInt(30000)},
	{OrderType: models.OrderTypeBuy, BTCAmount: decimal.RequireFromString("0.02"), PriceUSD: decimal.NewFromInt(150000)},
}

// Seed the database with trivia questions and demo traders
func main() {
	questionsFile := flag.String("questions", "", "questions file to load (.jsonl or .yaml)")
	demo := flag.Bool("demo", false, "create demo users with wallets and open orders")
	flag.Parse()

	if *questionsFile == "" && !*demo {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	_, cleanup, err := logger.Initialize(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer cleanup()

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	database.StartingUSD = cfg.Trading.StartingUSDBalance
	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	if *questionsFile != "" {
		store, err := questions.Open(database.Pool)
		if err != nil {
			log.Fatalf("Failed to open question store: %v", err)
		}
		defer store.Close()

		loaded, skipped, err := seedQuestions(ctx, store, *questionsFile)
		if err != nil {
			log.Fatalf("Failed to seed questions: %v", err)
		}
		fmt.Printf("Loaded %d questions, skipped %d already present.\n", loaded, skipped)
	}

	if *demo {
		authService := auth.NewAuthService(database, cfg.Auth.Secret, cfg.Auth.TokenExpiry)
		for _, username := range []string{"trader1", "trader2"} {
			if err := seedDemoUser(ctx, database, authService, username); err != nil {
				log.Fatalf("Failed to seed %s: %v", username, err)
			}
		}
		fmt.Printf("Demo users ready (password %q).\n", demoPassword)
	}
}

func seedQuestions(ctx context.Context, store *questions.Store, path string) (loaded, skipped int, err error) {
	qs, err := readQuestions(path)
	if err != nil {
		return 0, 0, err
	}

	for i := range qs {
		q := qs[i]
		if q.ID > 0 {
			exists, err := store.Exists(ctx, q.ID)
			if err != nil {
				return loaded, skipped, err
			}
			if exists {
				skipped++
				continue
			}
		}
		if err := store.Create(ctx, &q); err != nil {
			return loaded, skipped, err
		}
		loaded++
	}

	if err := store.SyncIDSequence(ctx); err != nil {
		return loaded, skipped, err
	}
	return loaded, skipped, nil
}

// readQuestions parses one JSON object per line for .jsonl, or a YAML list
func readQuestions(path string) ([]models.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var qs []models.Question
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json":
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var q models.Question
			if err := json.Unmarshal([]byte(text), &q); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			qs = append(qs, q)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(f).Decode(&qs); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported questions file %s: want .jsonl or .yaml", path)
	}
	return qs, nil
}

func seedDemoUser(ctx context.Context, database *db.DB, authService *auth.AuthService, username string) error {
	user, err := authService.Register(ctx, username, demoPassword)
	if errors.Is(err, db.ErrUsernameTaken) {
		zap.L().Info("Demo user already exists", zap.String("username", username))
		return nil
	}
	if err != nil {
		return err
	}

	for _, o := range demoOrders {
		order := o
		if _, err := database.CreateOrder(ctx, user.ID, &order); err != nil {
			return err
		}
	}
	return nil
}
