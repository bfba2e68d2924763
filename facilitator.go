package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// X402Facilitator routes verification to registered mechanisms, resolves the
// target facilitator and hands verified payments to the settler.
type X402Facilitator struct {
	mu sync.RWMutex

	schemes    map[Network]map[string]SchemeNetworkFacilitator
	extensions []string

	directory FacilitatorDirectory
	settler   Settler
	cache     *SettlementCache
	logger    *zap.Logger
	now       func() time.Time

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures an X402Facilitator.
type FacilitatorOption func(*X402Facilitator)

func WithDirectory(d FacilitatorDirectory) FacilitatorOption {
	return func(f *X402Facilitator) { f.directory = d }
}

func WithSettler(s Settler) FacilitatorOption {
	return func(f *X402Facilitator) { f.settler = s }
}

func WithSettlementCache(c *SettlementCache) FacilitatorOption {
	return func(f *X402Facilitator) { f.cache = c }
}

func WithLogger(l *zap.Logger) FacilitatorOption {
	return func(f *X402Facilitator) { f.logger = l }
}

func WithClock(now func() time.Time) FacilitatorOption {
	return func(f *X402Facilitator) { f.now = now }
}

func Newx402Facilitator(opts ...FacilitatorOption) *X402Facilitator {
	f := &X402Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extensions: []string{},
		cache:      NewSettlementCache(5 * time.Minute),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a facilitator mechanism for a network or network pattern
func (f *X402Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *X402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify decides whether a payment authorization is acceptable. Verification
// only reads registry and nonce state; nothing is consumed.
func (f *X402Facilitator) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	outcome, _, err := f.verify(ctx, req)
	return outcome.Response, err
}

func (f *X402Facilitator) verify(ctx context.Context, req VerifyRequest) (VerifyOutcome, AuthorizationRequest, error) {
	f.mu.RLock()
	beforeHooks := f.beforeVerifyHooks
	afterHooks := f.afterVerifyHooks
	failureHooks := f.onVerifyFailureHooks
	f.mu.RUnlock()

	start := f.now()
	hookCtx := FacilitatorVerifyContext{
		Ctx:           ctx,
		FacilitatorID: req.FacilitatorID,
		Requirements:  req.Requirements(),
		Timestamp:     start,
	}
	fail := func(err error) (VerifyOutcome, AuthorizationRequest, error) {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: err, Duration: f.now().Sub(start)}
		for _, hook := range failureHooks {
			hook(failureCtx)
		}
		return VerifyOutcome{}, hookCtx.Authorization, err
	}

	auth, err := parseRequest(req.PaymentPayload, hookCtx.Requirements)
	if err != nil {
		return fail(err)
	}
	hookCtx.Authorization = auth

	var outcome VerifyOutcome
	aborted := false
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return fail(err)
		}
		if result != nil && result.Abort {
			outcome = VerifyOutcome{Response: Invalid(result.Reason, auth.From), Reached: StageReceived}
			aborted = true
			break
		}
	}

	if !aborted {
		outcome, err = f.decide(ctx, req.FacilitatorID, auth, hookCtx.Requirements.Accepts)
		if err != nil {
			return fail(err)
		}
	}

	resultCtx := FacilitatorVerifyResultContext{
		FacilitatorVerifyContext: hookCtx,
		Result:                   outcome.Response,
		Stage:                    outcome.Reached,
		Duration:                 f.now().Sub(start),
	}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn("after verify hook failed", zap.Error(err))
		}
	}
	return outcome, auth, nil
}

// parseRequest validates the payload and requirements and flattens the
// authorization. A payload without an asset takes it from the first
// requirement on its scheme and network.
func parseRequest(p PaymentPayload, requirements Requirements) (AuthorizationRequest, error) {
	if err := ValidatePaymentPayload(p); err != nil {
		return AuthorizationRequest{}, err
	}
	if len(requirements.Accepts) == 0 {
		return AuthorizationRequest{}, NewValidationError("invalid_requirements", "at least one payment requirement is required")
	}
	for _, r := range requirements.Accepts {
		if err := ValidatePaymentRequirements(r); err != nil {
			return AuthorizationRequest{}, err
		}
	}
	auth, err := ParseAuthorization(p, "")
	if err != nil {
		return AuthorizationRequest{}, err
	}
	if auth.Asset == "" {
		auth.Asset = requirements.Accepts[0].Asset
		for _, r := range requirements.Accepts {
			if r.Scheme == auth.Scheme && r.Network == auth.Network {
				auth.Asset = r.Asset
				break
			}
		}
	}
	return auth, nil
}

func (f *X402Facilitator) decide(ctx context.Context, facilitatorID string, auth AuthorizationRequest, accepts []PaymentRequirements) (VerifyOutcome, error) {
	if facilitatorID != "" && f.directory != nil {
		info, err := f.directory.Lookup(ctx, facilitatorID)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return VerifyOutcome{Response: Invalid(ReasonFacilitatorNotFound, auth.From), Reached: StageReceived}, nil
			}
			return VerifyOutcome{}, err
		}
		if info.Status != StatusActive {
			return VerifyOutcome{Response: Invalid(ReasonFacilitatorInactive, auth.From), Reached: StageReceived}, nil
		}
	}

	f.mu.RLock()
	mechanism, ok := findByNetworkAndScheme(f.schemes, auth.Scheme, auth.Network)
	f.mu.RUnlock()
	if !ok {
		return VerifyOutcome{Response: Invalid(ReasonUnsupportedScheme, auth.From), Reached: StageReceived}, nil
	}
	return mechanism.Verify(ctx, auth, accepts)
}

// Settle re-verifies the payment and submits it. Identical concurrent calls
// share one submission; the returned record is pending until the watcher
// observes the outcome.
func (f *X402Facilitator) Settle(ctx context.Context, req VerifyRequest) (*SettlementRecord, error) {
	if f.settler == nil {
		return nil, NewConfigurationError("settlement is not configured", nil)
	}
	payloadBytes, err := json.Marshal(req.PaymentPayload)
	if err != nil {
		return nil, NewValidationError(ReasonInvalidPayload, err.Error())
	}
	key := GenerateSettlementKey(payloadBytes)

	for {
		status, cached, done := f.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			record, ok := f.reconcile(ctx, cached)
			if ok {
				return record, nil
			}
			f.cache.Evict(key)
			continue
		case StatusInFlight:
			result, err := f.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				record := *result
				return &record, nil
			}
			continue
		}

		record, err := f.settle(ctx, req)
		if err != nil {
			f.cache.Fail(key, done)
			return nil, err
		}
		f.cache.Complete(key, record, done)
		out := *record
		return &out, nil
	}
}

// reconcile refreshes a cached record from the settler. A record that has
// since failed is not reusable: its nonce was released and the payment may
// be submitted again.
func (f *X402Facilitator) reconcile(ctx context.Context, cached *SettlementRecord) (*SettlementRecord, bool) {
	record := *cached
	reader, ok := f.settler.(SettlementReader)
	if !ok {
		return &record, true
	}
	current, err := reader.Get(ctx, cached.TxHash)
	if err != nil {
		f.logger.Warn("cached settlement not refreshed", zap.String("txHash", cached.TxHash), zap.Error(err))
		return &record, true
	}
	if current.Status == SettlementFailed {
		f.logger.Info("cached settlement failed, resubmitting", zap.String("txHash", cached.TxHash))
		return nil, false
	}
	return current, true
}

func (f *X402Facilitator) settle(ctx context.Context, req VerifyRequest) (*SettlementRecord, error) {
	outcome, auth, err := f.verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if !outcome.Response.IsValid {
		return nil, NewPreconditionFailed(outcome.Response.InvalidReason, "payment did not pass verification")
	}
	if outcome.Requirement == nil {
		return nil, NewPreconditionFailed(ReasonVerificationRequired, "no matched requirement")
	}

	payment := VerifiedPayment{
		FacilitatorID: req.FacilitatorID,
		Authorization: auth,
		Requirement:   *outcome.Requirement,
		Result:        outcome.Response,
	}

	f.mu.RLock()
	beforeHooks := f.beforeSettleHooks
	afterHooks := f.afterSettleHooks
	failureHooks := f.onSettleFailureHooks
	f.mu.RUnlock()

	start := f.now()
	hookCtx := FacilitatorSettleContext{Ctx: ctx, Payment: payment, Timestamp: start}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewPreconditionFailed(result.Reason, "settlement aborted")
		}
	}

	record, err := f.settler.Settle(ctx, payment)
	if err != nil {
		failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: err, Duration: f.now().Sub(start)}
		for _, hook := range failureHooks {
			hook(failureCtx)
		}
		return nil, err
	}

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Record: *record, Duration: f.now().Sub(start)}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn("after settle hook failed", zap.Error(err), zap.String("txHash", record.TxHash))
		}
	}
	return record, nil
}

// GetSupported returns supported payment kinds
func (f *X402Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	seen := make(map[string]bool)
	for _, schemeMap := range f.schemes {
		for _, mechanism := range schemeMap {
			for _, kind := range mechanism.Kinds() {
				if kind.X402Version == 0 {
					kind.X402Version = 2
				}
				// one mechanism may be registered under several network keys
				key := fmt.Sprintf("%d|%s|%s|%s", kind.X402Version, kind.Scheme, kind.Network, strings.ToLower(kind.Asset))
				if seen[key] {
					continue
				}
				seen[key] = true
				kinds = append(kinds, kind)
			}
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		if kinds[i].Scheme != kinds[j].Scheme {
			return kinds[i].Scheme < kinds[j].Scheme
		}
		return kinds[i].Asset < kinds[j].Asset
	})

	extensions := make([]string, len(f.extensions))
	copy(extensions, f.extensions)
	return SupportedResponse{Kinds: kinds, Extensions: extensions}
}
