package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"gorm.io/datatypes"
)

// eventNamespace scopes the name-based UUIDs this service generates.
var eventNamespace = uuid.MustParse("9f2c1a36-7c84-45d1-b1e3-52a6f0d3c5aa")

// deterministicEventID derives the event identity from the fields that
// define one usage data point, so re-normalizing a cached envelope
// produces the same id and the append stays idempotent.
func deterministicEventID(provider providerdomain.Provider, orgID string, ts time.Time, model, userID string) string {
	name := strings.Join([]string{
		string(provider),
		orgID,
		ts.UTC().Format(time.RFC3339),
		model,
		userID,
	}, "|")
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// deterministicMetricKey gives a provider metric the same replay-stable
// identity events get, derived from its content. Map keys marshal in
// sorted order, so the payload serializes identically across replays.
func deterministicMetricKey(provider providerdomain.Provider, orgID, eventID string, payload datatypes.JSONMap) string {
	body, _ := json.Marshal(payload)
	name := strings.Join([]string{
		string(provider),
		orgID,
		eventID,
		string(body),
	}, "|")
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}
