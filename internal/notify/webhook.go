// Package notify posts sync-run outcomes to a Slack-compatible
// incoming webhook. Notification failures are never fatal to a run.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deweyhq/dewey-sync/internal/config"
)

// Notifier sends run-outcome notifications to a webhook
type Notifier struct {
	config     *config.NotifyConfig
	httpClient *http.Client
}

// Message represents a Slack-compatible webhook message
type Message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a message attachment
type Attachment struct {
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Text      string  `json:"text,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

// Field represents a field in an attachment
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new webhook notifier
func New(cfg *config.NotifyConfig) *Notifier {
	if cfg == nil {
		cfg = &config.NotifyConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunCompleted sends a notification when a sync run fully succeeds
func (n *Notifier) RunCompleted(runID int64, corr string, duration time.Duration, tables int, records int64) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := Message{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Attachments: []Attachment{
			{
				Color: "#36a64f", // green
				Title: "Sync Completed",
				Fields: []Field{
					{Title: "Run", Value: fmt.Sprintf("%d (%s)", runID, corr), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Tables", Value: fmt.Sprintf("%d", tables), Short: true},
					{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
				},
				Footer:    "dewey-sync",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunPartial sends a notification when some tables failed while others
// succeeded
func (n *Notifier) RunPartial(runID int64, corr string, duration time.Duration, synced int, failed []string, records int64) error {
	if !n.IsEnabled() {
		return nil
	}

	failureSummary := strings.Join(failed, ", ")
	if len(failed) > 5 {
		failureSummary = fmt.Sprintf("%s... and %d more",
			strings.Join(failed[:3], ", "), len(failed)-3)
	}

	msg := Message{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text: fmt.Sprintf("Sync completed with errors: %d tables synced, %d failed.",
			synced, len(failed)),
		Attachments: []Attachment{
			{
				Color: "#ffc107", // yellow
				Fields: []Field{
					{Title: "Run", Value: fmt.Sprintf("%d (%s)", runID, corr), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
					{Title: "Failed Tables", Value: failureSummary, Short: false},
				},
				Footer:    "dewey-sync",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunFailed sends a notification when a run could not sweep at all
func (n *Notifier) RunFailed(runID int64, corr string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := Message{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []Attachment{
			{
				Color: "#dc3545", // red
				Title: "Sync Failed",
				Fields: []Field{
					{Title: "Run", Value: fmt.Sprintf("%d (%s)", runID, corr), Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "dewey-sync",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "dewey-sync"
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
