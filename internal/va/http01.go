package va

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
)

const (
	httpProbeTimeout  = 10 * time.Second
	maxProbeBodyBytes = 4096
)

// http01Validator fetches the challenge document the client must serve at
// http://{domain}/.well-known/acme-challenge/{token} and compares it with the
// expected key authorization.
type http01Validator struct {
	port   int
	client *http.Client
}

func (v *http01Validator) Validate(ctx context.Context, chal *model.Challenge, authz *model.Authorization, acct *model.Account) (bool, *model.ProblemDetails) {
	expected, err := keyAuthorization(chal.Token, acct)
	if err != nil {
		return false, problem(urnIncorrectResponse, "key authorization could not be computed: %v", err)
	}

	probeURL := fmt.Sprintf("http://%s:%d/.well-known/acme-challenge/%s", authz.Identifier.Value, v.port, chal.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false, problem(urnConnection, "failed to build probe request: %v", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		logger.Debug("http-01 probe failed", zap.String("url", probeURL), zap.Error(err))
		return false, problem(urnConnection, "failed to fetch %s: %v", probeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, problem(urnIncorrectResponse, "unexpected status %d fetching %s", resp.StatusCode, probeURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return false, problem(urnConnection, "failed to read challenge response: %v", err)
	}

	got := strings.TrimSpace(string(body))
	if got != expected {
		return false, problem(urnIncorrectResponse, "challenge response did not match the expected key authorization")
	}
	return true, nil
}
