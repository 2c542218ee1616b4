package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/federated-storage/economy/internal/config"
	"github.com/federated-storage/economy/internal/handlers"
	"github.com/federated-storage/economy/internal/middleware"
	"github.com/federated-storage/economy/internal/p2p"
	"github.com/federated-storage/economy/internal/services"
	"github.com/federated-storage/economy/internal/storage"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "economyd",
		Short: "Federated Storage Economy - tier, quota and verification coordinator",
		Long:  `The storage economy coordinator for the Federated Storage Network: user tiers, quota admission, reputation and proof-of-space verification.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new coordinator",
		Long:  `Initialize a new economy coordinator by generating secrets, writing the config file and creating the local database.`,
		RunE:  runInit,
	}

	cmd.Flags().String("driver", "sqlite", "Database driver (sqlite or postgres)")
	cmd.Flags().Int("port", 8080, "HTTP listen port")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	driver, _ := cmd.Flags().GetString("driver")
	port, _ := cmd.Flags().GetInt("port")

	cfg := config.DefaultConfig()
	cfg.Database.Driver = driver
	cfg.Server.Port = port

	jwtSecret, err := randomToken()
	if err != nil {
		return err
	}
	nodeKey, err := randomToken()
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Auth.NodeAPIKey = nodeKey

	if driver == "sqlite" {
		store, err := storage.NewSQLite(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		store.Close()
	}

	path := cfgFile
	if path == "" {
		path = "config.toml"
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Initialized coordinator config at %s\n", path)
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the economy coordinator",
		RunE:  runServe,
	}
}

func loadConfig() *config.Config {
	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.toml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", path, err)
		log.Println("Using default configuration")
		cfg = config.DefaultConfig()
	}
	return cfg
}

// serviceConfig maps the TOML economy section onto the services config.
func serviceConfig(e config.EconomyConfig) services.Config {
	return services.Config{
		ContributionRatio:           e.ContributionRatio,
		FreeStorageBytes:            e.FreeStorageBytes,
		FreeUploadBytes:             e.FreeUploadBytes,
		FreeDownloadBytes:           e.FreeDownloadBytes,
		VerifyInterval:              time.Duration(e.VerifyIntervalHours) * time.Hour,
		VerifyTimeout:               time.Duration(e.VerifyTimeoutMinutes) * time.Minute,
		VerifyMinResponse:           time.Duration(e.VerifyMinResponseSeconds) * time.Second,
		MaxFailedVerifications:      e.MaxFailedVerifications,
		FailedWindow:                time.Duration(e.FailedWindowHours) * time.Hour,
		DifficultyLevels:            e.DifficultyLevels,
		StreakBonusK:                e.StreakBonusK,
		StreakBonusBytes:            e.StreakBonusBytes,
		StreakBonusMaxBytes:         e.StreakBonusMaxBytes,
		MinReputationForContributor: e.MinReputationForContributor,
		ReputationDecayPerDay:       e.ReputationDecayPerDay,
		HardReputationFloor:         e.HardReputationFloor,
		UploadReputationFloor:       e.UploadReputationFloor,
		SchedulerPeriod:             time.Duration(e.SchedulerPeriodSeconds) * time.Second,
		SchedulerBatch:              e.SchedulerBatch,
		ResponseAlpha:               services.DefaultConfig().ResponseAlpha,
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite", "":
		return storage.NewSQLite(cfg.Database.Path)
	case "postgres":
		return storage.NewPostgres(cfg.Database.DatabaseURL(), cfg.Database.MigrationsPath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = cfg.Auth.JWTSecret
	}
	if jwtSecret == "" {
		return fmt.Errorf("JWT secret not configured")
	}

	clk := clock.New()
	svcCfg := serviceConfig(cfg.Economy)

	// Initialize services
	quota := services.NewQuotaEvaluator(svcCfg)
	reputation := services.NewReputationService(store, svcCfg)
	economy := services.NewEconomyService(store, svcCfg, quota, reputation, clk)
	challenges := services.NewChallengeService(store, svcCfg, clk)
	verifier := services.NewVerifier(store, svcCfg)

	// Initialize P2P node for challenge delivery
	p2pNode := p2p.NewNode(cfg.P2P.ListenAddresses, cfg.P2P.BootstrapPeers)
	if err := p2pNode.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start P2P node: %w", err)
	}
	defer p2pNode.Stop()
	log.Printf("P2P node started with ID %s, listening on %v", p2pNode.ID(), p2pNode.Addrs())

	scheduler := services.NewScheduler(store, svcCfg, challenges, reputation, p2pNode, clk)
	scheduler.Start()
	defer scheduler.Stop()

	// Set up HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	economyHandler := handlers.NewEconomyHandler(economy, reputation, clk, jwtSecret)
	proofHandler := handlers.NewProofHandler(verifier, reputation, clk)

	nodeKey := func(peerID string) (string, error) {
		if cfg.Auth.NodeAPIKey == "" {
			return "", fmt.Errorf("node API key not configured")
		}
		return cfg.Auth.NodeAPIKey, nil
	}

	api := router.Group("/api/v1")
	{
		users := api.Group("/users")
		{
			users.POST("/register", economyHandler.Register)
		}

		eco := api.Group("/economy", middleware.JWTMiddleware(jwtSecret))
		{
			eco.POST("/contribute", economyHandler.Contribute)
			eco.POST("/premium", economyHandler.UpgradePremium)
			eco.POST("/enterprise", economyHandler.UpgradeEnterprise)
			eco.POST("/admit", economyHandler.Admit)
			eco.POST("/usage", economyHandler.RecordUsage)
			eco.GET("/stats", economyHandler.Statistics)
			eco.POST("/anonymize", economyHandler.Anonymize)
		}

		proofs := api.Group("/proofs", middleware.NodeAuthMiddleware(nodeKey))
		{
			proofs.POST("/response", proofHandler.Respond)
			proofs.POST("/contribution", proofHandler.ReportShrink)
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Economy coordinator listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
