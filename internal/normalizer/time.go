package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// flexTime accepts the timestamp shapes seen across provider payloads:
// RFC3339 strings, plain dates, and unix epoch seconds.
type flexTime struct {
	t time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return fmt.Errorf("empty timestamp")
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, str); err == nil {
				f.t = parsed.UTC()
				return nil
			}
		}
		return fmt.Errorf("unparseable timestamp %q", str)
	}

	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("unparseable timestamp %s", s)
	}
	sec, frac := math.Modf(seconds)
	f.t = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	return nil
}

func (f flexTime) Time() time.Time { return f.t }
