package skills

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sageloop/sage/internal/db"
)

// RegisterDefaults installs the built-in skills that need no external
// definition: clock access and reminder listing.
func RegisterDefaults(r *Registry, store *db.Store) error {
	if err := r.RegisterBuiltin(&Skill{
		Name:        "current_time",
		Description: "Get the current date and time in the user's timezone",
	}, func(_ json.RawMessage, _ string) (string, error) {
		now := time.Now().In(store.UserTimezone())
		return now.Format("Monday, January 2, 2006 at 15:04 (MST)"), nil
	}); err != nil {
		return err
	}

	return r.RegisterBuiltin(&Skill{
		Name:        "list_reminders",
		Description: "List the user's pending reminders and follow-ups",
	}, func(_ json.RawMessage, _ string) (string, error) {
		items, err := store.ListScheduledItems(db.StatusPending)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No pending reminders.", nil
		}
		loc := store.UserTimezone()
		var sb strings.Builder
		for _, it := range items {
			fmt.Fprintf(&sb, "- %s at %s\n", it.Message, it.TriggerAt.In(loc).Format("Mon Jan 2 15:04"))
		}
		return sb.String(), nil
	})
}
