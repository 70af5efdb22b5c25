/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load YAML configuration
  3. Initialize SQLite store
  4. Build directories from the book/schedule/assignment specs
  5. Wire the pipeline runner
  6. Optionally execute one run immediately (-run-once)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (default: 8080)
  -db           SQLite database path (default: commission.db)
                Use ":memory:" for in-memory database
  -config       YAML config path (optional; defaults apply when empty)
  -book         Book-of-business JSON spec (certificates + premiums)
  -schedules    Schedule rate-table JSON spec
  -assignments  Assignment JSON spec (optional)
  -run-once     Execute one recompute on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Serve with an on-disk database and run a recompute at startup
  ./server -db=./data/commission.db -book=./specs/book.json \
           -schedules=./specs/schedules.json -run-once

  # Read-only deployment over an existing database
  ./server -db=./data/commission.db

SEE ALSO:
  - api/server.go: Router configuration
  - pipeline/pipeline.go: Run orchestration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/directory"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/pipeline"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "commission.db", "SQLite database path")
	configPath := flag.String("config", "", "YAML config path (optional)")
	bookPath := flag.String("book", "", "book-of-business JSON spec")
	schedulesPath := flag.String("schedules", "", "schedule rate-table JSON spec")
	assignmentsPath := flag.String("assignments", "", "assignment JSON spec (optional)")
	runOnce := flag.Bool("run-once", false, "execute one recompute on startup")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// A runner needs a book and schedules; without them the server is a
	// read-only surface over prior runs.
	var runner *pipeline.Runner
	if *bookPath != "" {
		runner, err = buildRunner(cfg, store, *bookPath, *schedulesPath, *assignmentsPath)
		if err != nil {
			log.Fatalf("Failed to build runner: %v", err)
		}
	}

	if *runOnce {
		if runner == nil {
			log.Fatal("-run-once requires -book and -schedules")
		}
		result, err := runner.Execute(context.Background())
		if err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		log.Printf("Run %s completed: %d proposals, %d GL entries",
			result.RunID, len(result.Staging.Proposals), len(result.Output.Journal))
	}

	handler := api.NewHandler(store, runner)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func buildRunner(cfg config.Config, store *sqlite.Store, bookPath, schedulesPath, assignmentsPath string) (*pipeline.Runner, error) {
	bookData, err := os.ReadFile(bookPath)
	if err != nil {
		return nil, fmt.Errorf("read book spec: %w", err)
	}
	book, err := factory.ParseBook(bookData)
	if err != nil {
		return nil, err
	}

	if schedulesPath == "" {
		return nil, fmt.Errorf("-book requires -schedules")
	}
	scheduleData, err := os.ReadFile(schedulesPath)
	if err != nil {
		return nil, fmt.Errorf("read schedule spec: %w", err)
	}
	schedules, err := factory.ParseSchedules(scheduleData)
	if err != nil {
		return nil, err
	}

	assignments := directory.NewAssignments()
	if assignmentsPath != "" {
		assignmentData, err := os.ReadFile(assignmentsPath)
		if err != nil {
			return nil, fmt.Errorf("read assignment spec: %w", err)
		}
		if assignments, err = factory.ParseAssignments(assignmentData); err != nil {
			return nil, err
		}
	}

	return &pipeline.Runner{
		Config:      cfg,
		Source:      &factory.BookSource{Book: book},
		Policies:    book.Policies,
		Schedules:   schedules,
		Assignments: assignments,
		Staging:     store,
		Sink:        store,
		Checkpoints: store,
	}, nil
}
