// Command authcheck verifies exchange connectivity layer by layer:
// configuration and credentials, unauthenticated REST, signed REST, and
// the websocket login handshake. It prints one PASS/FAIL line per check
// and can write the full report as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/auth"
	"nonkyc-bot/internal/config"
	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/exchange/nonkyc"
	"nonkyc-bot/internal/safety"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	BaseURL     string        `json:"base_url"`
	WSURL       string        `json:"ws_url"`
	Symbol      string        `json:"symbol"`
	InsecureTLS bool          `json:"insecure_tls,omitempty"`
	Checks      []checkResult `json:"checks"`
}

func main() {
	var (
		configPath  string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		verbose     bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for the websocket login check")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&verbose, "verbose", false, "show transport logs on stderr")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	if streamWait < 3 {
		streamWait = 3
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	if verbose {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	r := report{
		StartedAt:   time.Now().UTC(),
		BaseURL:     cfg.Exchange.BaseURL,
		WSURL:       cfg.Exchange.WSURL,
		Symbol:      cfg.Symbol,
		InsecureTLS: cfg.Exchange.SkipTLSVerify(),
	}
	if r.InsecureTLS {
		fmt.Println("warning: tls certificate verification is disabled")
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	var signer *auth.Signer

	run("credentials_present", func() (string, error) {
		creds, err := auth.NewCredentials(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
		if err != nil {
			return "", err
		}
		signer = auth.NewSigner(creds, nil)
		source := "config file"
		if os.Getenv(config.EnvAPIKey) != "" {
			source = "environment"
		}
		return fmt.Sprintf("api_key_len=%d api_secret_len=%d source=%s",
			len(cfg.Exchange.APIKey), len(cfg.Exchange.APISecret), source), nil
	})
	if signer == nil {
		finish(r, outJSONPath)
		return
	}

	client, err := nonkyc.NewClient(cfg.Exchange, signer, nil, log)
	if err != nil {
		fatal(err.Error())
	}

	run("public_rest_markets", func() (string, error) {
		markets, err := client.Markets(ctx)
		if err != nil {
			return "", err
		}
		listed := false
		for _, m := range markets {
			if strings.EqualFold(m.Symbol, cfg.Symbol) {
				listed = true
				break
			}
		}
		return fmt.Sprintf("markets=%d symbol_listed=%t", len(markets), listed), nil
	})

	run("signed_rest_balances", func() (string, error) {
		balances, err := client.Balances(ctx)
		if err != nil {
			return "", err
		}
		funded := 0
		for _, b := range balances {
			if b.Total().IsPositive() {
				funded++
			}
		}
		return fmt.Sprintf("assets=%d funded=%d", len(balances), funded), nil
	})

	run("websocket_login", func() (string, error) {
		breaker := safety.NewBreaker(1, log)
		session, err := nonkyc.NewSession(cfg.Exchange, cfg.Symbol, signer, breaker, log)
		if err != nil {
			return "", err
		}
		defer session.Close()

		wsCtx, wsCancel := context.WithTimeout(ctx, time.Duration(streamWait)*time.Second)
		defer wsCancel()
		runErr := make(chan error, 1)
		go func() { runErr <- session.Run(wsCtx) }()

		poll := time.NewTicker(50 * time.Millisecond)
		defer poll.Stop()
		for {
			select {
			case err := <-runErr:
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					return "", err
				}
				return "", errors.New("session ended before reaching subscribed state")
			case ev := <-session.Events():
				if ev.Type == core.EventError && ev.Err != nil {
					return "", ev.Err
				}
			case <-poll.C:
				if session.State() == nonkyc.StateSubscribed {
					return fmt.Sprintf("login + subscribe ok channels=%s",
						strings.Join(cfg.Exchange.WSChannels, ",")), nil
				}
			case <-wsCtx.Done():
				return "", fmt.Errorf("not subscribed within %ds, last state %s", streamWait, session.State())
			}
		}
	})

	finish(r, outJSONPath)
}

func finish(r report, outJSONPath string) {
	r.FinishedAt = time.Now().UTC()

	pass, fail := 0, 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary base_url=%s symbol=%s pass=%d fail=%d duration=%s\n",
		r.BaseURL, r.Symbol, pass, fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String())

	if outJSONPath != "" {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			fatal(err.Error())
		}
		if err := os.WriteFile(outJSONPath, data, 0o644); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}

	if fail > 0 {
		os.Exit(1)
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
