package webhook

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sydlexius/mediasweep/internal/event"
)

const appName = "MediaSweep"

// formatPayload returns the request body and content-type for a webhook delivery.
func formatPayload(w *Webhook, e event.Event) ([]byte, string) {
	switch w.Type {
	case TypeDiscord:
		return formatDiscord(e)
	case TypeSlack:
		return formatSlack(e)
	case TypeGotify:
		return formatGotify(e)
	default:
		return formatGeneric(e)
	}
}

func formatGeneric(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"event":     string(e.Type),
		"timestamp": e.Timestamp,
		"data":      e.Data,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatDiscord(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("%s: %s", appName, e.Type),
				"description": formatDescription(e),
				"color":       3447003, // blue
				"timestamp":   e.Timestamp.Format("2006-01-02T15:04:05Z"),
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatSlack(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"text": fmt.Sprintf("*%s: %s*\n%s", appName, e.Type, formatDescription(e)),
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatGotify(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"title":   fmt.Sprintf("%s: %s", appName, e.Type),
		"message": formatDescription(e),
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

// formatDescription renders a one-line human summary of the event for chat
// style targets.
func formatDescription(e event.Event) string {
	if e.Data == nil {
		return string(e.Type)
	}
	if msg, ok := e.Data["message"].(string); ok {
		return msg
	}
	switch e.Type {
	case event.ScanCompleted:
		if counts, ok := e.Data["counts"].(map[string]int); ok {
			parts := make([]string, 0, len(counts))
			for _, k := range slices.Sorted(maps.Keys(counts)) {
				parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
			}
			desc := "Scan complete: " + strings.Join(parts, ", ")
			if d, ok := e.Data["duration"].(string); ok && d != "" {
				desc += " (" + d + ")"
			}
			return desc
		}
	case event.ScanCancelled:
		return "Scan cancelled"
	case event.ScanFailed:
		if msg, ok := e.Data["error"].(string); ok && msg != "" {
			return "Scan failed: " + msg
		}
		return "Scan failed"
	}
	b, _ := json.Marshal(e.Data)
	return string(b)
}
