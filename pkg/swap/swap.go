// Package swap asks the hosting platform to swap a freshly deployed
// slot into place.
package swap

import (
	"context"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	transport "github.com/fluxcd/kudu/pkg/http"
)

// Request is what's posted to the platform.
type Request struct {
	TargetSlot   string `json:"targetSlot"`
	DeploymentID string `json:"deploymentId"`
	RequestID    string `json:"requestId"`
}

type Swapper struct {
	URL    string
	Slot   string
	client *http.Client
}

func New(url, slot string, client *http.Client) *Swapper {
	return &Swapper{URL: url, Slot: slot, client: client}
}

// Enabled is true if there's somewhere to swap to.
func (s *Swapper) Enabled() bool {
	return s != nil && s.Slot != "" && s.URL != ""
}

// PerformAutoSwap asks for the swap, and records the outcome in the
// deployment's log.
func (s *Swapper) PerformAutoSwap(ctx context.Context, requestID, deploymentID string, deploymentLog log.Logger) error {
	header := http.Header{}
	if requestID != "" {
		header.Set(transport.RequestIDHeader, requestID)
	}
	deploymentLog.Log("info", "requesting auto swap", "slot", s.Slot)
	err := transport.PostJSON(ctx, s.client, s.URL, header, Request{
		TargetSlot:   s.Slot,
		DeploymentID: deploymentID,
		RequestID:    requestID,
	})
	if err != nil {
		err = errors.Wrapf(err, "swapping into slot %s", s.Slot)
		deploymentLog.Log("err", err)
		return err
	}
	deploymentLog.Log("info", "auto swap requested", "slot", s.Slot)
	return nil
}
