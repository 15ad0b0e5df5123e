package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type sampleService struct {
	Name           string
	Description    string
	Category       string
	BasePrice      int64 // rupees
	Duration       int
	Tags           []string
	Requirements   []string
	SupportedGames []string
	SkillLevel     string
}

var sampleServices = []sampleService{
	{
		Name:           "Valorant 1v1 Coaching",
		Description:    "Professional Valorant coaching to improve your aim, game sense, and ranking. Learn advanced strategies and techniques from experienced players.",
		Category:       "gaming-coaching",
		BasePrice:      1500,
		Duration:       60,
		Tags:           []string{"valorant", "fps", "coaching", "aim-training", "strategy"},
		Requirements:   []string{"Valorant account", "Discord for communication", "Screen sharing capability"},
		SupportedGames: []string{"Valorant"},
		SkillLevel:     "beginner",
	},
	{
		Name:           "Custom Gaming PC Build",
		Description:    "Complete custom gaming PC build service with component selection, assembly, and optimization for maximum gaming performance.",
		Category:       "pc-building",
		BasePrice:      5000,
		Duration:       240,
		Tags:           []string{"pc-building", "custom-build", "gaming-pc", "assembly"},
		Requirements:   []string{"Component budget discussion", "Performance requirements", "Space measurements"},
		SupportedGames: []string{"All PC Games"},
		SkillLevel:     "professional",
	},
	{
		Name:           "PlayStation Console Repair",
		Description:    "Professional PlayStation console repair service including hardware diagnosis, component replacement, and performance optimization.",
		Category:       "console-repair",
		BasePrice:      2500,
		Duration:       120,
		Tags:           []string{"playstation", "console-repair", "hardware", "diagnosis"},
		Requirements:   []string{"Console with power cable", "Problem description", "Warranty information"},
		SupportedGames: []string{"PlayStation Games"},
		SkillLevel:     "intermediate",
	},
	{
		Name:           "Streaming Setup & Configuration",
		Description:    "Complete streaming setup including OBS configuration, audio optimization, lighting setup, and overlay design for content creators.",
		Category:       "streaming-setup",
		BasePrice:      3500,
		Duration:       180,
		Tags:           []string{"streaming", "obs", "content-creation", "setup"},
		Requirements:   []string{"PC/Console for streaming", "Internet connection", "Basic streaming equipment"},
		SupportedGames: []string{"All Games"},
		SkillLevel:     "intermediate",
	},
	{
		Name:           "League of Legends Coaching",
		Description:    "Expert League of Legends coaching focusing on macro gameplay, champion mechanics, and climbing the ranked ladder.",
		Category:       "gaming-coaching",
		BasePrice:      1800,
		Duration:       90,
		Tags:           []string{"league-of-legends", "moba", "coaching", "ranked", "strategy"},
		Requirements:   []string{"League of Legends account", "Discord", "Replay files"},
		SupportedGames: []string{"League of Legends"},
		SkillLevel:     "intermediate",
	},
	{
		Name:           "Gaming PC Optimization",
		Description:    "Comprehensive gaming PC optimization service including driver updates, system cleanup, overclocking, and FPS optimization.",
		Category:       "pc-optimization",
		BasePrice:      2000,
		Duration:       120,
		Tags:           []string{"optimization", "fps-boost", "overclocking", "performance"},
		Requirements:   []string{"PC with admin access", "System specifications", "Performance issues description"},
		SupportedGames: []string{"All PC Games"},
		SkillLevel:     "advanced",
	},
	{
		Name:           "Esports Tournament Organization",
		Description:    "Complete esports tournament organization service including bracket management, live streaming setup, and event coordination.",
		Category:       "tournament-organization",
		BasePrice:      15000,
		Duration:       480,
		Tags:           []string{"tournament", "esports", "event-management", "streaming"},
		Requirements:   []string{"Venue details", "Participant count", "Game selection", "Prize pool information"},
		SupportedGames: []string{"Valorant", "League of Legends", "CS:GO", "PUBG"},
		SkillLevel:     "professional",
	},
	{
		Name:           "CS:GO Aim Training & Coaching",
		Description:    "Intensive CS:GO coaching focused on aim improvement, crosshair placement, and competitive gameplay strategies.",
		Category:       "gaming-coaching",
		BasePrice:      1200,
		Duration:       60,
		Tags:           []string{"csgo", "fps", "aim-training", "competitive"},
		Requirements:   []string{"CS:GO account", "Steam account", "Aim training maps"},
		SupportedGames: []string{"CS:GO"},
		SkillLevel:     "beginner",
	},
}

var (
	databaseURL string
	deactivate  bool
	dryRun      bool
)

var rootCmd = &cobra.Command{
	Use:   "seed-services",
	Short: "Seed the sample service catalog",
	Long: "Upserts the sample services by name. With --deactivate-others every " +
		"service outside the sample set is soft deleted.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if databaseURL == "" {
			return errors.New("DATABASE_URL or --database-url is required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		return seed(ctx, databaseURL)
	},
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Warn("failed to read .env")
	}
	rootCmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	rootCmd.Flags().BoolVar(&deactivate, "deactivate-others", false, "soft delete services not in the sample set")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the catalog without writing")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context, dsn string) error {
	if dryRun {
		for _, s := range sampleServices {
			fmt.Printf("- %s (%s) - Rs %d\n", s.Name, s.Category, s.BasePrice)
		}
		return nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	names := make([]string, 0, len(sampleServices))
	inserted, updated := 0, 0
	for _, s := range sampleServices {
		names = append(names, s.Name)
		created, err := upsertService(ctx, tx, s)
		if err != nil {
			return fmt.Errorf("seed %q: %w", s.Name, err)
		}
		if created {
			inserted++
		} else {
			updated++
		}
	}

	var deactivated int64
	if deactivate {
		res, err := tx.ExecContext(ctx, `
			UPDATE services
			SET is_active = false, updated_at = NOW()
			WHERE is_active = true AND NOT (name = ANY($1))
		`, pq.Array(names))
		if err != nil {
			return err
		}
		deactivated, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"inserted":    inserted,
		"updated":     updated,
		"deactivated": deactivated,
	}).Info("service seeding completed")
	return nil
}

func upsertService(ctx context.Context, tx *sql.Tx, s sampleService) (bool, error) {
	paise := s.BasePrice * 100
	res, err := tx.ExecContext(ctx, `
		UPDATE services
		SET description = $2,
			category = $3,
			base_price = $4,
			duration_minutes = $5,
			tags = $6,
			requirements = $7,
			supported_games = $8,
			skill_level = $9,
			is_active = true,
			updated_at = NOW()
		WHERE name = $1
	`, s.Name, s.Description, s.Category, paise, s.Duration,
		pq.Array(s.Tags), pq.Array(s.Requirements), pq.Array(s.SupportedGames), s.SkillLevel)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO services (
			name,
			description,
			category,
			base_price,
			duration_minutes,
			tags,
			requirements,
			supported_games,
			skill_level
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.Name, s.Description, s.Category, paise, s.Duration,
		pq.Array(s.Tags), pq.Array(s.Requirements), pq.Array(s.SupportedGames), s.SkillLevel)
	return err == nil, err
}
