package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Notification states accepted in the status field
const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

var (
	ErrEmptyBody     = errors.New("request body is empty")
	ErrNotObject     = errors.New("body must be a JSON object")
	ErrMissingStatus = errors.New("missing status field")
	ErrInvalidStatus = errors.New("status must be 'firing' or 'resolved'")
	ErrInvalidAlerts = errors.New("alerts must be an array")
)

// Payload is a validated alert notification as sent by Grafana or Alertmanager.
// Only Status is guaranteed to be set; everything else is best effort.
type Payload struct {
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver,omitempty"`
	GroupKey          string            `json:"groupKey,omitempty"`
	Title             string            `json:"title,omitempty"`
	Message           string            `json:"message,omitempty"`
	ExternalURL       string            `json:"externalURL,omitempty"`
	CommonLabels      map[string]string `json:"commonLabels,omitempty"`
	CommonAnnotations map[string]string `json:"commonAnnotations,omitempty"`
	Alerts            []Alert           `json:"alerts,omitempty"`

	// Raw is the decoded body exactly as received
	Raw map[string]interface{} `json:"-"`
}

// Alert is a single alert inside a notification
type Alert struct {
	Status       string            `json:"status,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     string            `json:"startsAt,omitempty"`
	EndsAt       string            `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Parse decodes and validates a notification body
func Parse(body []byte) (*Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	// A literal null decodes into a nil map without error
	if raw == nil {
		return nil, ErrNotObject
	}

	statusValue, ok := raw["status"]
	if !ok {
		return nil, ErrMissingStatus
	}
	status, ok := statusValue.(string)
	if !ok || (status != StatusFiring && status != StatusResolved) {
		return nil, ErrInvalidStatus
	}

	if alerts, ok := raw["alerts"]; ok && alerts != nil {
		if _, isList := alerts.([]interface{}); !isList {
			return nil, ErrInvalidAlerts
		}
	}

	payload := &Payload{
		Status:            status,
		Receiver:          stringField(raw, "receiver"),
		GroupKey:          stringField(raw, "groupKey"),
		Title:             stringField(raw, "title"),
		Message:           stringField(raw, "message"),
		ExternalURL:       stringField(raw, "externalURL"),
		CommonLabels:      stringMap(raw["commonLabels"]),
		CommonAnnotations: stringMap(raw["commonAnnotations"]),
		Alerts:            parseAlerts(raw["alerts"]),
		Raw:               raw,
	}

	return payload, nil
}

// Firing reports whether the notification is for firing alerts
func (p *Payload) Firing() bool {
	return p.Status == StatusFiring
}

// AlertNames returns the distinct alertname labels, sorted
func (p *Payload) AlertNames() []string {
	seen := make(map[string]bool)
	var names []string

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, a := range p.Alerts {
		add(a.Labels["alertname"])
	}
	if len(names) == 0 {
		add(p.CommonLabels["alertname"])
	}

	sort.Strings(names)
	return names
}

// Summary returns a short human-readable description of the notification
func (p *Payload) Summary() string {
	if p.Title != "" {
		return p.Title
	}
	names := p.AlertNames()
	switch len(names) {
	case 0:
		return fmt.Sprintf("%d alert(s) %s", len(p.Alerts), p.Status)
	case 1:
		return names[0]
	default:
		return fmt.Sprintf("%s (+%d more)", names[0], len(names)-1)
	}
}

func stringField(raw map[string]interface{}, key string) string {
	s, _ := raw[key].(string)
	return s
}

// stringMap keeps only the string values of a JSON object
func stringMap(v interface{}) map[string]string {
	obj, ok := v.(map[string]interface{})
	if !ok || len(obj) == 0 {
		return nil
	}

	out := make(map[string]string, len(obj))
	for k, val := range obj {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func parseAlerts(v interface{}) []Alert {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}

	alerts := make([]Alert, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		alerts = append(alerts, Alert{
			Status:       stringField(obj, "status"),
			Labels:       stringMap(obj["labels"]),
			Annotations:  stringMap(obj["annotations"]),
			StartsAt:     stringField(obj, "startsAt"),
			EndsAt:       stringField(obj, "endsAt"),
			GeneratorURL: stringField(obj, "generatorURL"),
			Fingerprint:  stringField(obj, "fingerprint"),
		})
	}
	return alerts
}
