package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/keithlinneman/headerd/internal/headershttp"
	"github.com/keithlinneman/headerd/internal/rulesource"
)

// activeRulesRecorder is the metrics surface for the rule set in effect.
type activeRulesRecorder interface {
	SetActiveRules(source, sha256 string, count int, at time.Time)
}

// metricsSource maps a rule set onto the rules_document_info source label.
func metricsSource(s *rulesource.Set) string {
	switch {
	case s == nil:
		return "builtin"
	case s.Source == rulesource.SourceS3:
		return "remote"
	default:
		return string(s.Source)
	}
}

func recordActive(m activeRulesRecorder, s *rulesource.Set) {
	if s == nil {
		m.SetActiveRules(metricsSource(nil), "", 0, time.Now())
		return
	}
	at := s.LoadedAt
	if at.IsZero() {
		at = time.Now()
	}
	m.SetActiveRules(metricsSource(s), s.SHA256, len(s.Rules), at)
}

// sourceInfo describes s for the rules endpoint, nil for built-in rules.
func sourceInfo(s *rulesource.Set) *headershttp.RulesSource {
	if s == nil {
		return nil
	}
	out := &headershttp.RulesSource{Origin: string(s.Source), SHA256: s.SHA256}
	if !s.LoadedAt.IsZero() {
		out.LoadedAt = s.LoadedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// notifySystemd sends READY=1 when started under systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
