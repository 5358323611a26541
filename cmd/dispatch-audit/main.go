// dispatch-audit tails the audit trail of a dispatch database. Useful for
// checking what the engine did without going through the API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/mr1hm/go-rescue-dispatch/internal/config"
	"github.com/mr1hm/go-rescue-dispatch/internal/logging"
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
)

func main() {
	_ = godotenv.Load()

	incidentID := flag.String("incident", "", "show the trail of one incident instead of recent events")
	limit := flag.Int("limit", 50, "number of recent events to show")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	events, err := loadEvents(ctx, db, *incidentID, *limit)
	if err != nil {
		logging.Fatalf("Failed to load audit events: %v", err)
	}

	for _, ev := range events {
		payload := ""
		if len(ev.Payload) > 0 {
			if data, err := json.Marshal(ev.Payload); err == nil {
				payload = string(data)
			}
		}
		fmt.Fprintf(os.Stdout, "%s  %-22s %s %s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type, ev.IncidentID, payload)
	}
}

func loadEvents(ctx context.Context, db *repository.SQLiteDB, incidentID string, limit int) ([]models.AuditEvent, error) {
	if incidentID != "" {
		return db.ListAuditByIncident(ctx, incidentID)
	}
	return db.ListRecentAudit(ctx, limit)
}
