package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dayuer/dispatchd/internal/actions"
	"github.com/dayuer/dispatchd/internal/cluster"
	"github.com/dayuer/dispatchd/internal/config"
	"github.com/dayuer/dispatchd/internal/dispatcher"
	"github.com/dayuer/dispatchd/internal/rulespec"
)

const defaultPort = 18790

var (
	servePort   int
	serveAPIKey string
	rulesFile   string
	tickMs      int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher with the HTTP/WebSocket API",
	Long: `Start dispatchd with:
  - Channels and consumer rules from a rules file (SIGHUP reloads it)
  - Journal of firings, errors and timeouts (log, sqlite or redis)
  - HTTP API endpoints (/api/channels, /api/status, /api/journal, etc.)
  - WebSocket stream of journal entries on /ws`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", defaultPort, "HTTP API port")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "API key for auth (or DISPATCHD_API_KEY env)")
	serveCmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "Path to rules.yaml (or DISPATCHD_RULES env)")
	serveCmd.Flags().IntVar(&tickMs, "tick", 0, "Evaluation tick in milliseconds")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	// --- Resolve settings: CLI flag → config.json → env var ---

	port := servePort
	if !cmd.Flags().Changed("port") {
		port = cfg.Server.Port
		if p, ok := envInt("DISPATCHD_PORT"); ok {
			port = p
		}
	}

	apiKey := serveAPIKey
	if apiKey == "" {
		apiKey = cfg.Server.APIKey
	}
	if apiKey == "" {
		apiKey = os.Getenv("DISPATCHD_API_KEY")
	}

	rulesPath := rulesFile
	if rulesPath == "" {
		rulesPath = cfg.Dispatcher.RulesFile
	}
	if rulesPath == "" {
		rulesPath = os.Getenv("DISPATCHD_RULES")
	}

	tick := cfg.Dispatcher.TickInterval()
	if tickMs > 0 {
		tick = time.Duration(tickMs) * time.Millisecond
	}

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = "dispatchd-" + uuid.NewString()[:8]
	}

	fmt.Println("────────────────────────────────────────")
	fmt.Printf("🚀 dispatchd %s (%s)\n", Version, instanceID)

	// 1. Journal
	multi, reader, err := makeJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer multi.Close()
	fmt.Printf("   ✅ Journal: %s\n", journalLabel(cfg))

	// 2. Dispatcher
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatcher.New(
		dispatcher.WithContext(ctx),
		dispatcher.WithSink(multi),
		dispatcher.WithTickInterval(tick),
	)
	res := actions.NewResolver(actions.WithStorer(d), actions.WithSource("dispatchd/"+instanceID))

	// 3. Rules
	var set *rulespec.Set
	if rulesPath != "" {
		f, err := rulespec.Load(rulesPath)
		if err != nil {
			return err
		}
		set, err = rulespec.Apply(d, f, res, nil)
		if err != nil {
			return fmt.Errorf("applying %s: %w", rulesPath, err)
		}
		fmt.Printf("   ✅ Rules: %s (%d channels)\n", rulesPath, len(set.Channels()))
	} else {
		fmt.Println("   📋 No rules file: channels must be registered by an embedding program")
	}

	// 4. HTTP + WS server, also a journal sink for live streaming
	srv := cluster.NewServer(cluster.ServerConfig{
		Port:          port,
		APIKey:        apiKey,
		InstanceID:    instanceID,
		WSFingerprint: cfg.Server.WSFingerprint,
		Dispatcher:    d,
		Journal:       reader,
		Heartbeat:     time.Duration(cfg.Server.HeartbeatSec) * time.Second,
	})
	multi.Add(srv)
	fmt.Println("────────────────────────────────────────")

	if err := writePID(os.Getpid()); err != nil {
		log.Printf("⚠️ Could not write PID file: %v", err)
	}
	defer removePID()

	// 5. Graceful shutdown + SIGHUP reload
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	srvCtx, stopServer := context.WithCancel(ctx)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Println("🔄 SIGHUP received — reloading rules...")
				if rulesPath == "" {
					log.Println("⚠️ No rules file to reload")
					continue
				}
				next, err := reloadRules(d, rulesPath, res, set)
				if err != nil {
					log.Printf("⚠️ Reload failed, keeping current rules: %v", err)
					continue
				}
				set = next
				log.Println("✅ Rules reloaded")
			case syscall.SIGINT, syscall.SIGTERM:
				fmt.Println("\n🛑 Shutting down...")
				stopServer()
				return
			}
		}
	}()

	// 6. Start server (blocks until shutdown)
	serveErr := srv.Start(srvCtx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Dispatcher shutdown: %v", err)
	}
	return serveErr
}

func reloadRules(d *dispatcher.Dispatcher, path string, res *actions.Resolver, prev *rulespec.Set) (*rulespec.Set, error) {
	f, err := rulespec.Load(path)
	if err != nil {
		return nil, err
	}
	return rulespec.Apply(d, f, res, prev)
}

func journalLabel(cfg config.Config) string {
	switch cfg.Journal.Driver {
	case config.DriverSQLite:
		return "sqlite " + cfg.Journal.Path
	case config.DriverRedis:
		return "redis " + cfg.Journal.RedisURL
	default:
		return "log"
	}
}
