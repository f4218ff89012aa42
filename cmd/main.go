package main

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"gopkg.in/urfave/cli.v1"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/handlers"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/services"
	"tokenlottery/internal/settings"
	"tokenlottery/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "tokenlottery"
	app.Usage = "slot-clocked ticket lottery with commit-reveal randomness"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "TOML settings file"},
		cli.StringFlag{Name: "listen, l", Usage: "listen address (overrides settings)"},
		cli.StringFlag{Name: "db", Usage: "ledger database path (overrides settings)"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("tokenlottery: %v", err)
	}
}

func run(c *cli.Context) error {
	// 1. Load settings, flags win over the file.
	cfg, err := settings.Load(c.String("config"))
	if err != nil {
		return err
	}
	if l := c.String("listen"); l != "" {
		cfg.Listen = l
	}
	if db := c.String("db"); db != "" {
		cfg.DBPath = db
	}

	// 2. Initialize logging.
	var logOut io.Writer = io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	defer logger.Init("tokenlottery", cfg.Verbose, false, logOut).Close()
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. Open the ledger state.
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// 4. Ledger clock and randomness oracle.
	genesis := cfg.Genesis
	if genesis.IsZero() {
		genesis = time.Now()
		logger.Warningf("No genesis configured, slot 0 starts at %s", genesis.Format(time.RFC3339))
	}
	clk := clock.NewWall(genesis, cfg.SlotDuration.Duration)

	var orc oracle.Oracle
	var revealer handlers.Revealer
	switch cfg.Oracle {
	case settings.OracleManual:
		m := oracle.NewManual(clk)
		orc, revealer = m, m
	default:
		orc = oracle.NewBeacon(clk, cfg.BeaconDelay)
	}

	// 5. Initialize the Lottery Service and the HTTP Handler.
	lotteryService := services.NewLotteryService(st, clk, orc)
	httpHandler := handlers.NewHTTPHandler(lotteryService, revealer)
	r := httpHandler.NewRouter()

	// 6. Start the background janitor to archive claimed lotteries.
	go func() {
		ticker := time.NewTicker(cfg.JanitorInterval.Duration)
		defer ticker.Stop()
		for range ticker.C {
			n, err := lotteryService.ArchiveClaimed(cfg.ArchiveAfter)
			if err != nil {
				logger.Errorf("Archiving claimed lotteries failed: %v", err)
				continue
			}
			logger.Infof("Archived %d claimed lotteries.", n)
		}
	}()

	// 7. Run the server.
	logger.Infof("Server starting on %s (oracle %s, slot %s)", cfg.Listen, cfg.Oracle, cfg.SlotDuration.Duration)
	return r.Run(cfg.Listen)
}
