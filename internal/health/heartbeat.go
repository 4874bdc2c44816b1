package health

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/loykin/botwarden/pkg/heartbeat"
)

const DefaultHeartbeatMaxAge = 120 * time.Second

// Heartbeat checks the freshness and status of the worker's heartbeat file.
type Heartbeat struct {
	CheckName     string
	Path          string
	MaxAge        time.Duration
	ErrorStatuses []string // default: ["error"]
	CheckTimeout  time.Duration
	Now           func() time.Time
}

func (h Heartbeat) Name() string {
	if h.CheckName == "" {
		return "heartbeat"
	}
	return h.CheckName
}

func (Heartbeat) Kind() Kind               { return KindHeartbeat }
func (h Heartbeat) Timeout() time.Duration { return h.CheckTimeout }

func (h Heartbeat) Probe(_ context.Context) (string, error) {
	rec, err := heartbeat.Read(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("heartbeat file %s missing", h.Path)
		}
		return "", err
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	maxAge := h.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultHeartbeatMaxAge
	}
	age := rec.Age(now())
	msg := fmt.Sprintf("status=%s age=%s", rec.Status, age.Round(time.Second))
	if age > maxAge {
		return msg, fmt.Errorf("heartbeat stale: %s old, max %s", age.Round(time.Second), maxAge)
	}
	bad := h.ErrorStatuses
	if len(bad) == 0 {
		bad = []string{heartbeat.StatusError}
	}
	if slices.Contains(bad, rec.Status) {
		return msg, fmt.Errorf("heartbeat reports status %q", rec.Status)
	}
	return msg, nil
}
