// Package certbot drives one certificate request through the ACME order
// lifecycle: submit, provision, poll, finalize, download. One process runs
// per in-flight request; identical requests share a single outcome.
package certbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/provision"
	"github.com/blockadesystems/certforge/internal/store"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "certbot"))
}

// ErrOrderInvalid is returned when the server moved an order to its terminal
// invalid state. The server-supplied problem, if any, is attached.
var ErrOrderInvalid = errors.New("certbot: order became invalid")

// RequestTracker receives completion events for queued requests. A nil
// tracker is allowed; bookkeeping is then skipped.
type RequestTracker interface {
	MarkIssued(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, detail string) error
}

// CertBot owns the per-request order processes and their dedup registry.
type CertBot struct {
	session      *acme.Session
	provisioner  *provision.Provisioner
	certs        store.CertificateStore
	tracker      RequestTracker
	pollInterval time.Duration
	pollTimeout  time.Duration

	mu        sync.Mutex
	processes map[string]*Outcome // request fingerprint -> in-flight outcome
}

// New wires a CertBot. pollInterval is the fixed delay between order polls;
// pollTimeout bounds one whole issuance attempt.
func New(session *acme.Session, provisioner *provision.Provisioner, certs store.CertificateStore,
	tracker RequestTracker, pollInterval, pollTimeout time.Duration) *CertBot {
	return &CertBot{
		session:      session,
		provisioner:  provisioner,
		certs:        certs,
		tracker:      tracker,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		processes:    make(map[string]*Outcome),
	}
}

// Submit starts an order process for req, or returns the outcome handle of
// an identical request already in flight: at most one concurrent order per
// identical request. The process runs detached from the caller's context;
// use Outcome.Wait for a caller-side deadline.
func (b *CertBot) Submit(req *model.CertificateRequest) *Outcome {
	fp := req.Fingerprint()

	b.mu.Lock()
	if existing, ok := b.processes[fp]; ok {
		b.mu.Unlock()
		logger.Debug("request already in flight, sharing outcome",
			zap.String("name", req.Name))
		return existing
	}
	outcome := newOutcome()
	b.processes[fp] = outcome
	b.mu.Unlock()

	go b.run(req, fp, outcome)
	return outcome
}

func (b *CertBot) run(req *model.CertificateRequest, fp string, outcome *Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), b.pollTimeout)
	defer cancel()

	chain, err := b.process(ctx, req)
	outcome.resolve(chain, err)

	b.mu.Lock()
	delete(b.processes, fp)
	b.mu.Unlock()

	if b.tracker != nil && req.ID != "" {
		trackCtx, trackCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer trackCancel()
		var trackErr error
		if err == nil {
			trackErr = b.tracker.MarkIssued(trackCtx, req.ID)
		} else {
			trackErr = b.tracker.MarkFailed(trackCtx, req.ID, err.Error())
		}
		if trackErr != nil {
			logger.Warn("failed to record request completion",
				zap.String("request_id", req.ID), zap.Error(trackErr))
		}
	}

	if err != nil {
		logger.Error("order process failed", zap.String("name", req.Name), zap.Error(err))
	} else {
		logger.Info("order process complete", zap.String("name", req.Name))
	}
}

// process is the state machine. Transitions are driven exclusively by the
// order status the server reports; the finalize response is treated as a
// fresh order snapshot and re-dispatched through the same table.
func (b *CertBot) process(ctx context.Context, req *model.CertificateRequest) ([]byte, error) {
	order, orderURL, err := b.session.CreateOrder(ctx, req.Identifiers())
	if err != nil {
		return nil, fmt.Errorf("create order for %q: %w", req.Name, err)
	}

	if order.Status == model.StatusPending {
		if err := b.provisionAuthorizations(ctx, order.Authorizations); err != nil {
			return nil, err
		}
	}

	delay := b.pollInterval
	for {
		switch order.Status {
		case model.StatusPending, model.StatusProcessing:
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			var serverDelay time.Duration
			order, serverDelay, err = b.session.PollOrder(ctx, orderURL)
			if err != nil {
				return nil, fmt.Errorf("poll order %s: %w", orderURL, err)
			}
			// A Retry-After longer than the configured cadence wins.
			delay = max(b.pollInterval, serverDelay)

		case model.StatusReady:
			csr, err := b.certs.CreateCSR(req)
			if err != nil {
				return nil, err
			}
			order, err = b.session.FinalizeOrder(ctx, order.FinalizeURL, csr)
			if err != nil {
				return nil, fmt.Errorf("finalize order %s: %w", orderURL, err)
			}

		case model.StatusValid:
			if order.CertificateURL == "" {
				return nil, fmt.Errorf("certbot: order %s is valid but has no certificate URL", orderURL)
			}
			chain, err := b.session.DownloadCertificate(ctx, order.CertificateURL)
			if err != nil {
				return nil, err
			}
			if err := b.certs.Upload(req.Name, chain); err != nil {
				return nil, err
			}
			return chain, nil

		case model.StatusInvalid:
			if order.Error != nil {
				return nil, fmt.Errorf("%w: %w", ErrOrderInvalid, &acme.Problem{ProblemDetails: *order.Error})
			}
			return nil, fmt.Errorf("%w: order %s", ErrOrderInvalid, orderURL)

		default:
			return nil, fmt.Errorf("certbot: order %s has unknown status %q", orderURL, order.Status)
		}
	}
}

// provisionAuthorizations handles every authorization of a pending order in
// parallel, one sub-task per identifier, and joins them before the order is
// considered provisioned.
func (b *CertBot) provisionAuthorizations(ctx context.Context, authzURLs []string) error {
	errs := make(chan error, len(authzURLs))
	var wg sync.WaitGroup

	for _, authzURL := range authzURLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			errs <- b.provisionOne(ctx, url)
		}(authzURL)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *CertBot) provisionOne(ctx context.Context, authzURL string) error {
	authz, err := b.session.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization %s: %w", authzURL, err)
	}

	challenge, submit, err := b.provisioner.Provision(ctx, authz)
	if err != nil {
		return err
	}
	if !submit || challenge == nil {
		return nil
	}

	if _, err := b.session.SubmitChallenge(ctx, challenge.URL); err != nil {
		return fmt.Errorf("submit %s challenge for %q: %w", challenge.Type, authz.Identifier.Value, err)
	}
	return nil
}

// sleep waits the fixed poll delay without busy-looping, honoring ctx.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
