// Package server exposes the payment-gated content gateway over HTTP.
//
// Request pipeline: rate limit, policy lookup, claim extraction, payment
// verification, content resolution, audit. Requests without a payment
// claim receive a 402 challenge describing the required payment.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tachiprotocol/gateway/audit"
	"github.com/tachiprotocol/gateway/challenge"
	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/ratelimit"
	"github.com/tachiprotocol/gateway/resolve"
	"github.com/tachiprotocol/gateway/types"
	"github.com/tachiprotocol/gateway/utils"
	"github.com/tachiprotocol/gateway/verification"
)

// Challenge headers on 402 responses.
const (
	HeaderPrice     = "x402-price"
	HeaderCurrency  = "x402-currency"
	HeaderRecipient = "x402-recipient"
	HeaderContract  = "x402-contract"
	HeaderChainID   = "x402-chain-id"
	HeaderExpiry    = "x402-expiry"
)

// Claim headers on inbound requests.
const (
	HeaderReference = "X-Payment-Reference"
	HeaderAmount    = "X-Payment-Amount"
	HeaderPayer     = "X-Payment-Payer"
	HeaderAsset     = "X-Payment-Asset"

	// HeaderApplied confirms on a grant which reference paid for it.
	HeaderApplied = "X-Payment-Applied"
)

// challengeResponse is the JSON body of every 402.
type challengeResponse struct {
	Error   string                    `json:"error,omitempty"`
	Payment *types.PaymentRequirement `json:"payment"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server routes inbound requests through the gateway pipeline.
type Server struct {
	policies policy.Store
	issuer   *challenge.Issuer
	verifier *verification.Verifier
	resolver *resolve.Resolver
	auditor  *audit.Logger
	limiter  *ratelimit.Limiter

	log     logger.Logger
	metrics metrics.Recorder
}

func New(
	policies policy.Store,
	issuer *challenge.Issuer,
	verifier *verification.Verifier,
	resolver *resolve.Resolver,
	auditor *audit.Logger,
	limiter *ratelimit.Limiter,
	log logger.Logger,
	rec metrics.Recorder,
) *Server {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Server{
		policies: policies,
		issuer:   issuer,
		verifier: verifier,
		resolver: resolver,
		auditor:  auditor,
		limiter:  limiter,
		log:      log,
		metrics:  rec,
	}
}

// Router builds the HTTP handler. Every path not claimed by the health
// endpoint is treated as a resource identifier.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/*", s.handleResource)
	return r
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Path

	// Rate limit before any chain work.
	caller := callerIdentity(r)
	if ok, retryAfter := s.limiter.Allow(caller); !ok {
		s.metrics.IncCounter(metrics.EventThrottled, map[string]string{"resource": resourceID})
		rec := audit.NewRecord(resourceID, types.OutcomeThrottled)
		rec.Reason = types.ErrThrottled
		s.auditor.Record(rec)

		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Code:    types.ErrThrottled,
			Message: "rate limit exceeded",
		})
		return
	}

	pol, err := s.policies.Lookup(resourceID)
	if errors.Is(err, policy.ErrNotFound) {
		rec := audit.NewRecord(resourceID, types.OutcomeUnknownResource)
		rec.Reason = types.ErrUnknownResource
		s.auditor.Record(rec)

		writeJSON(w, http.StatusNotFound, errorResponse{
			Code:    types.ErrUnknownResource,
			Message: "no such resource",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:    types.ErrConfigError,
			Message: "policy lookup failed",
		})
		return
	}

	claim := extractClaim(r)
	if claim == nil {
		s.issueChallenge(w, pol, "", resourceID)
		return
	}

	verified, err := s.verifier.Verify(r.Context(), claim, pol)
	if err != nil {
		// Infrastructure failure: never tell a truthful payer their
		// payment does not exist.
		s.log.Error("verification unavailable", map[string]any{
			"resource":  resourceID,
			"reference": claim.Reference,
			"err":       err.Error(),
		})
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Code:    types.ErrChainUnavailable,
			Message: "payment verification temporarily unavailable, retry with the same reference",
		})
		return
	}

	if !verified.Granted() {
		s.metrics.IncCounter(metrics.EventRejection, map[string]string{"resource": resourceID})
		rec := audit.NewRecord(resourceID, types.OutcomeRejected)
		rec.Reference = claim.Reference
		rec.Reason = types.RejectionReason(verified.Status)
		s.auditor.Record(rec)

		s.issueChallenge(w, pol, types.RejectionReason(verified.Status), resourceID)
		return
	}

	s.serve(w, r, pol, verified)
}

// issueChallenge writes the 402 response with the full payment
// requirement, both as JSON and as x402-* headers, plus CORS headers so
// browser-based agents can read the challenge cross-origin.
func (s *Server) issueChallenge(w http.ResponseWriter, pol *policy.Policy, reason string, resourceID string) {
	req := s.issuer.Issue(pol)
	s.metrics.IncCounter(metrics.EventChallengeIssued, map[string]string{"resource": resourceID})

	if reason == "" {
		rec := audit.NewRecord(resourceID, types.OutcomeChallengeIssued)
		s.auditor.Record(rec)
	}

	writeCORS(w)
	w.Header().Set(HeaderPrice, headerPrice(req))
	if req.Currency != "" {
		w.Header().Set(HeaderCurrency, req.Currency)
	}
	w.Header().Set(HeaderRecipient, req.Recipient)
	if req.Asset != "" {
		w.Header().Set(HeaderContract, req.Asset)
	}
	w.Header().Set(HeaderChainID, req.ChainID)
	w.Header().Set(HeaderExpiry, req.ExpiresAt.Format(time.RFC3339))

	writeJSON(w, http.StatusPaymentRequired, challengeResponse{
		Error:   reason,
		Payment: req,
	})
}

// serve resolves content for a granted payment and writes the audit
// record durably before responding.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, pol *policy.Policy, verified *types.VerifiedPayment) {
	result, err := s.resolver.Resolve(r.Context(), pol, verified.Reference, r)
	if err != nil {
		// The redemption stays marked: content delivery failed, not the
		// payment. A retry with the same reference is served again.
		rec := audit.NewRecord(pol.ResourceID, types.OutcomeUpstreamUnavailable)
		rec.Reference = verified.Reference
		rec.Payer = verified.Payer
		rec.Reason = types.ErrUpstreamUnavailable
		s.auditor.Record(rec)

		status := http.StatusBadGateway
		if r.Context().Err() != nil {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorResponse{
			Code:    types.ErrUpstreamUnavailable,
			Message: "upstream unavailable, payment remains redeemed, retry with the same reference",
		})
		return
	}

	outcome := types.OutcomeServed
	if verified.Status == types.StatusAlreadyRedeemed {
		outcome = types.OutcomeServedReplay
	}
	rec := audit.NewRecord(pol.ResourceID, outcome)
	rec.Reference = verified.Reference
	rec.Payer = verified.Payer
	if verified.AmountPaid != nil {
		rec.Amount = verified.AmountPaid.String()
	}
	if err := s.auditor.RecordSync(r.Context(), rec); err != nil {
		// Content is still served: the caller paid. The failed write is
		// already loud in logs and metrics.
		s.log.Error("grant audit write not durable", map[string]any{
			"requestId": rec.RequestID,
			"reference": rec.Reference,
			"err":       err.Error(),
		})
	}

	s.metrics.IncCounter(metrics.EventGrant, map[string]string{"resource": pol.ResourceID})

	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderApplied, verified.Reference)
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// headerPrice renders the price for the x402-price header in human-readable
// decimal form. The JSON body keeps the smallest-unit amount plus decimals;
// all comparisons elsewhere are integer.
func headerPrice(req *types.PaymentRequirement) string {
	n, err := utils.ParseSmallestUnit(req.Amount)
	if err != nil {
		return req.Amount
	}
	return utils.FormatSmallestUnit(n, req.Decimals)
}

// extractClaim reads the payment claim from the request headers. Returns
// nil when no reference is present. The claimed amount and payer are kept
// as presented; they are advisory and never compared against the chain.
func extractClaim(r *http.Request) *types.PaymentClaim {
	ref := r.Header.Get(HeaderReference)
	if ref == "" {
		auth := r.Header.Get("Authorization")
		const bearer = "Bearer "
		if len(auth) > len(bearer) && auth[:len(bearer)] == bearer {
			ref = auth[len(bearer):]
		}
	}
	if ref == "" {
		return nil
	}

	return &types.PaymentClaim{
		Reference:   ref,
		Payer:       r.Header.Get(HeaderPayer),
		Amount:      r.Header.Get(HeaderAmount),
		Asset:       r.Header.Get(HeaderAsset),
		SubmittedAt: time.Now().UTC(),
	}
}

// callerIdentity keys the rate limiter: an API key when presented,
// otherwise the caller's network address.
func callerIdentity(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Payment-Reference, X-Payment-Amount, X-Payment-Payer, X-Payment-Asset")
	h.Set("Access-Control-Expose-Headers", "x402-price, x402-currency, x402-recipient, x402-contract, x402-chain-id, x402-expiry, X-Payment-Applied")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
