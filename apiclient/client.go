// Package apiclient implements the remote coordinator's HTTP surface. It
// is deliberately the only package that knows the coordinator speaks HTTP.
// The wallet package reaches it only through its own Registrar interface
// and never imports this package, so no wallet-to-api import cycle can
// form; retry and submission use a Submitter interface plus this package's
// Outcome type.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/BerithFoundation/berith-miner/log"
)

// Outcome classifies the result of a solution submission.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFatal
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// ChallengeDTO mirrors the wire shape of GET /challenge.
type ChallengeDTO struct {
	ChallengeID      string `json:"challenge_id"`
	Difficulty       string `json:"difficulty"`
	ROMKey           string `json:"rom_key"`
	NoPreMine        string `json:"no_pre_mine"`
	LatestSubmission string `json:"latest_submission"`
	NoPreMineHour    string `json:"no_pre_mine_hour"`
}

// Client is the default, HTTP-backed implementation of the coordinator
// contract. The retry policy: up to maxRetries attempts with
// exponential backoff base^attempt seconds, base 1 (so every retry waits
// the same 1s); registration and consolidation get their own
// longer retry budgets.
type Client struct {
	baseURL string
	http    *http.Client
	log     log.Logger

	maxRetries           int
	registrationRetries  int
	consolidationRetries int
	backoffBase          time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:              strings.TrimRight(baseURL, "/"),
		http:                 &http.Client{Timeout: 30 * time.Second},
		log:                  log.New("component", "apiclient"),
		maxRetries:           3,
		registrationRetries:  10,
		consolidationRetries: 5,
		backoffBase:          1 * time.Second,
	}
}

// GetChallenge implements GET /challenge. A coordinator with nothing new
// returns (nil, nil).
func (c *Client) GetChallenge(ctx context.Context) (*ChallengeDTO, error) {
	var body struct {
		Challenge *ChallengeDTO `json:"challenge"`
	}
	_, _, err := c.doWithRetry(ctx, http.MethodGet, "/challenge", nil, c.maxRetries, &body)
	if err != nil {
		return nil, err
	}
	return body.Challenge, nil
}

// Register implements POST /register/{address}/{signature}/{pubkey}. A 2xx
// response, or any response whose body contains "already", is success
// (idempotent repeat registration).
func (c *Client) Register(ctx context.Context, address, signature, pubkey string) error {
	path := fmt.Sprintf("/register/%s/%s/%s", address, signature, pubkey)
	status, respBody, err := c.doWithRetry(ctx, http.MethodPost, path, nil, c.registrationRetries, nil)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	if strings.Contains(strings.ToLower(string(respBody)), "already") {
		return nil
	}
	return fmt.Errorf("apiclient: register failed with status %d", status)
}

// SubmitSolution implements POST /solution/{addr}/{cid}/{nonce}. It does not
// retry internally: callers (the SubmissionQueue, the RetryManager) own the
// retry/backoff policy for solutions, because a transient failure there
// must be reclassified against the wallet/challenge state, not just resent.
func (c *Client) SubmitSolution(ctx context.Context, address, challengeID, nonceHex string) (Outcome, error) {
	path := fmt.Sprintf("/solution/%s/%s/%s", address, challengeID, nonceHex)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return OutcomeTransient, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return OutcomeTransient, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict:
		return OutcomeFatal, nil
	default:
		return OutcomeTransient, fmt.Errorf("apiclient: submit solution status %d", resp.StatusCode)
	}
}

// DonateTo implements POST /donate_to/{dest}/{original}/{signature_hex},
// the consolidation call. 409 is treated as already-consolidated success.
func (c *Client) DonateTo(ctx context.Context, dest, original, signatureHex string) error {
	path := fmt.Sprintf("/donate_to/%s/%s/%s", dest, original, signatureHex)
	status, _, err := c.doWithRetry(ctx, http.MethodPost, path, nil, c.consolidationRetries, nil)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("apiclient: donate_to failed with status %d", status)
}

// doWithRetry retries transient failures (network errors, 5xx, 429) up to
// attempts times with exponential backoff (base^attempt), decoding a JSON
// body into out when non-nil and the call eventually succeeds.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body io.Reader, attempts int, out interface{}) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(c.backoffBase.Seconds(), float64(attempt))) * time.Second
			if delay <= 0 {
				delay = c.backoffBase
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return 0, nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("apiclient retrying after transport error", "path", path, "attempt", attempt, "err", err)
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("apiclient: status %d", resp.StatusCode)
			c.log.Debug("apiclient retrying after transient status", "path", path, "status", resp.StatusCode, "attempt", attempt)
			continue
		}
		if out != nil && len(respBody) > 0 && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return resp.StatusCode, respBody, fmt.Errorf("apiclient: decode response: %w", err)
			}
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, fmt.Errorf("apiclient: exhausted %d retries: %w", attempts, lastErr)
}
