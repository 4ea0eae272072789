// cmd/preflight/main.go
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hamed0406/safealert/internal/config"
	"github.com/hamed0406/safealert/internal/probe"
)

type report struct {
	out, errOut io.Writer
	failed      bool
}

func (r *report) fail(msg string) { fmt.Fprintln(r.errOut, "✖", msg); r.failed = true }
func (r *report) warn(msg string) { fmt.Fprintln(r.errOut, "⚠", msg) }
func (r *report) ok(msg string) { fmt.Fprintln(r.out, "✔", msg) }

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, "✖", err)
		os.Exit(1)
	}
	r := &report{out: os.Stdout, errOut: os.Stderr}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	check(ctx, r, config.FromEnv(), probe.NewMultiChecker(
		probe.NewDNSChecker(),
		&probe.RetryChecker{Inner: probe.NewHTTPChecker(), Attempts: 3, Backoff: time.Second},
	))
	if r.failed {
		os.Exit(1)
	}
	r.ok("preflight passed")
}

func check(ctx context.Context, r *report, cfg config.Config, gw *probe.MultiChecker) {
	if len(cfg.AdminAPIKeys) == 0 {
		r.fail("ADMIN_API_KEYS is empty (sos, positions and directory routes will 401).")
	}
	if len(cfg.PublicAPIKeys) == 0 {
		r.fail("PUBLIC_API_KEYS is empty (read routes will 401).")
	}
	for _, k := range append(append([]string{}, cfg.AdminAPIKeys...), cfg.PublicAPIKeys...) {
		if len(k) < 16 {
			r.warn("an API key is shorter than 16 characters")
			break
		}
	}
	r.ok("API_ADDR=" + cfg.Addr)

	switch {
	case cfg.DatabaseURL != "":
		r.ok("store: postgres (DATABASE_URL present)")
	case cfg.DataDir == config.InMemory:
		r.warn("store: memory; alerts and contacts are lost on restart.")
	default:
		r.ok("store: badger in " + cfg.DataDir)
	}

	switch {
	case cfg.VaultKey != "":
		if b, err := base64.StdEncoding.DecodeString(cfg.VaultKey); err != nil || len(b) < 32 {
			r.fail("VAULT_KEY must be base64 of at least 32 bytes.")
		} else {
			r.ok("VAULT_KEY present")
		}
	case cfg.DataDir != config.InMemory:
		r.warn("VAULT_KEY empty; a key file will be created in " + cfg.DataDir + ". Back it up or contacts become unreadable.")
	}

	if len(cfg.AllowedOrigins) == 0 {
		r.warn("ALLOWED_ORIGINS empty; CORS allows every origin.")
	} else {
		r.ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
	}

	if cfg.ZonesFile != "" {
		if zs, err := config.LoadZones(cfg.ZonesFile); err != nil {
			r.fail("ZONES_FILE: " + err.Error())
		} else {
			r.ok(fmt.Sprintf("ZONES_FILE has %d zones", len(zs)))
		}
	}

	gateways := []struct{ key, url string }{
		{"SMS_GATEWAY_URL", cfg.SMSGatewayURL},
		{"ALERT_API_URL", cfg.AlertAPIURL},
		{"PUSH_GATEWAY_URL", cfg.PushGatewayURL},
	}
	configured := 0
	for _, g := range gateways {
		if g.url == "" {
			continue
		}
		configured++
		probeURL(ctx, r, gw, g.key, g.url, r.fail)
	}
	if configured == 0 {
		r.fail("no delivery channel configured (SMS_GATEWAY_URL, ALERT_API_URL or PUSH_GATEWAY_URL).")
	}
	if cfg.OwnerWebhookURL == "" {
		r.warn("OWNER_WEBHOOK_URL empty; undeliverable alerts are only logged.")
	} else {
		probeURL(ctx, r, gw, "OWNER_WEBHOOK_URL", cfg.OwnerWebhookURL, r.warn)
	}
}

func probeURL(ctx context.Context, r *report, gw *probe.MultiChecker, key, url string, onFail func(string)) {
	results, ok := gw.Run(ctx, url)
	parts := make([]string, 0, len(results))
	for _, res := range results {
		parts = append(parts, res.Name+" "+res.Message)
	}
	msg := key + ": " + strings.Join(parts, ", ")
	if ok {
		r.ok(msg)
		return
	}
	onFail(msg)
}
