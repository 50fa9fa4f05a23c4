package preflight

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"chatcore/internal/config"
	"chatcore/internal/database"
)

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// Pinger is a dependency that can report whether it is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs pre-flight checks before the server starts
type Checker struct {
	cfg   *config.Config
	kv    Pinger
	store Pinger
	sqlDB *database.DB // nil when chat logs go to MongoDB
}

// NewChecker creates a new preflight checker
func NewChecker(cfg *config.Config, kv, store Pinger, sqlDB *database.DB) *Checker {
	return &Checker{cfg: cfg, kv: kv, store: store, sqlDB: sqlDB}
}

// RunAll runs all preflight checks and logs a summary
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := []CheckResult{
		c.checkPing(ctx, "KV Store", c.kv),
		c.checkPing(ctx, "Chat Store", c.store),
		c.checkSchema(ctx),
		c.checkGenerator(),
		c.checkTiersFile(),
	}

	passed, failed, warnings := 0, 0, 0
	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("📊 Pre-flight summary: %d passed, %d failed, %d warnings", passed, failed, warnings)
	return results
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}

func (c *Checker) checkPing(ctx context.Context, name string, dep Pinger) CheckResult {
	if dep == nil {
		return CheckResult{Name: name, Status: "fail", Message: "Not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := dep.Ping(ctx); err != nil {
		return CheckResult{
			Name:    name,
			Status:  "fail",
			Message: "Cannot reach " + name,
			Error:   err,
		}
	}
	return CheckResult{Name: name, Status: "pass", Message: "Connection successful"}
}

// checkSchema verifies the chat tables exist in the SQL database
func (c *Checker) checkSchema(ctx context.Context) CheckResult {
	const name = "Database Schema"
	if c.sqlDB == nil {
		return CheckResult{Name: name, Status: "pass", Message: "Skipped (MongoDB chat store)"}
	}

	query := "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?"
	if c.sqlDB.Dialect == database.DialectSQLite {
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}

	requiredTables := []string{"chat_sessions", "chatbot_logs", "response_quality_metrics"}
	for _, table := range requiredTables {
		var count int
		err := c.sqlDB.QueryRowContext(ctx, query, table).Scan(&count)
		if err != nil || count == 0 {
			return CheckResult{
				Name:    name,
				Status:  "fail",
				Message: fmt.Sprintf("Required table '%s' not found", table),
				Error:   err,
			}
		}
	}

	return CheckResult{
		Name:    name,
		Status:  "pass",
		Message: fmt.Sprintf("All %d required tables exist", len(requiredTables)),
	}
}

// checkGenerator warns when the generator cannot authenticate; every query
// would then degrade to a canned response
func (c *Checker) checkGenerator() CheckResult {
	const name = "Generator"
	if c.cfg.OpenAIAPIKey == "" && c.cfg.OpenAIBaseURL == "" {
		return CheckResult{
			Name:    name,
			Status:  "warning",
			Message: "OPENAI_API_KEY not set; generation requests will fail",
		}
	}
	return CheckResult{Name: name, Status: "pass", Message: "Model " + c.cfg.OpenAIModel}
}

func (c *Checker) checkTiersFile() CheckResult {
	const name = "Tier Limits"
	if _, err := os.Stat(c.cfg.TiersFile); err != nil {
		return CheckResult{
			Name:    name,
			Status:  "warning",
			Message: fmt.Sprintf("%s not found; built-in tiers with default limit %d", c.cfg.TiersFile, c.cfg.RateLimitDefault),
		}
	}
	return CheckResult{Name: name, Status: "pass", Message: "Loaded from " + c.cfg.TiersFile}
}
