package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

// Validator probes candidates by relaying a connection through them to a
// fixed well-known target. Concurrency is bounded by a fixed worker budget,
// independent of queue length, so a huge candidate set cannot exhaust file
// descriptors.
type Validator struct {
	timeout     time.Duration
	concurrency int64
	target      string // host:port dialed through the candidate
}

// New creates a validator. target must be a host:port that answers TLS on
// its port (the HTTP probe issues a HEAD over https).
func New(timeout time.Duration, concurrency int, target string) *Validator {
	if concurrency <= 0 {
		concurrency = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		timeout:     timeout,
		concurrency: int64(concurrency),
		target:      target,
	}
}

// Validate probes every target and streams verdicts as they complete. The
// channel is closed after the last verdict. Cancelling ctx stops admitting
// new probes and aborts in-flight ones; aborted probes yield no verdict at
// all, only real timeouts and connect failures count against a record.
func (v *Validator) Validate(ctx context.Context, targets []model.ProbeTarget) <-chan model.Verdict {
	l := logger.WithComponent("Pool/Validator")
	out := make(chan model.Verdict, 64)

	go func() {
		defer close(out)
		if len(targets) == 0 {
			return
		}
		l.Info().Int("count", len(targets)).Int64("concurrency", v.concurrency).Msg("Starting validation batch...")

		sem := semaphore.NewWeighted(v.concurrency)
		var wg sync.WaitGroup
		for _, t := range targets {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Shutdown: the remaining targets stay unprobed.
				break
			}
			wg.Add(1)
			go func(t model.ProbeTarget) {
				defer wg.Done()
				defer sem.Release(1)
				verdict := v.probe(ctx, t)
				if verdict.Err != nil && errors.Is(verdict.Err, context.Canceled) {
					// Probe aborted by shutdown, not by the network. Discard
					// so the record's health history stays untouched.
					return
				}
				out <- verdict
			}(t)
		}
		wg.Wait()
		l.Info().Msg("Validation batch finished.")
	}()

	return out
}

// probe runs a single connectivity check under the hard per-probe timeout.
// A timeout is an ordinary failure verdict, not an error condition.
func (v *Validator) probe(ctx context.Context, t model.ProbeTarget) model.Verdict {
	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch t.Protocol {
	case "socks5":
		err = v.checkSocks5Connect(probeCtx, t.Address)
	default:
		// Scraped hints of "http", "https" or unknown all get the
		// HTTP CONNECT check.
		err = v.checkHttpConnect(probeCtx, t.Address)
	}

	if err != nil {
		return model.Verdict{Address: t.Address, Success: false, Err: err}
	}
	return model.Verdict{Address: t.Address, Success: true, Latency: time.Since(start)}
}

// checkHttpConnect validates a proxy by issuing a HEAD request to the target
// through the candidate as an HTTP CONNECT relay.
func (v *Validator) checkHttpConnect(ctx context.Context, addr model.ProxyAddress) error {
	proxyURL, err := url.Parse("http://" + addr.String())
	if err != nil {
		return err
	}

	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       v.timeout,
		TLSHandshakeTimeout:   v.timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+v.target, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}

// checkSocks5Connect validates a proxy by dialing the target through it as a
// SOCKS5 relay.
func (v *Validator) checkSocks5Connect(ctx context.Context, addr model.ProxyAddress) error {
	dialer, err := proxy.SOCKS5("tcp", addr.String(), nil, &net.Dialer{Timeout: v.timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", v.target)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
