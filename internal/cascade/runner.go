package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
	"github.com/toolgate-ai/toolgate/internal/ipc"
	"github.com/toolgate-ai/toolgate/internal/queue"
	"github.com/toolgate-ai/toolgate/internal/sanitize"
	"github.com/toolgate-ai/toolgate/internal/scope"
	"github.com/toolgate-ai/toolgate/internal/session"
	"github.com/toolgate-ai/toolgate/internal/store"
	"github.com/toolgate-ai/toolgate/internal/supervisor"
)

// supervisorCallTimeout bounds one Tier 3 call end to end, whichever backend.
const supervisorCallTimeout = 30 * time.Second

// Runner drives the full cascade for one process. Safe for concurrent use;
// the in-memory structures are individually locked.
type Runner struct {
	sessions  *session.Manager
	storage   store.Backend
	resolver  *scope.Resolver
	sanitizer *sanitize.Pipeline
	policy    *config.PolicyConfig

	cache     *ExactCache
	jaccard   *TokenJaccard
	embedding *EmbeddingSimilarity
	pathTier  *PathPolicy

	// sup and humans may be nil; the corresponding tiers then always fall
	// through.
	sup    supervisor.Supervisor
	humans *queue.Queue

	cwd string
}

// NewRunner wires the tiers. Call Load before Evaluate to seed the caches
// from the decision store.
func NewRunner(
	sessions *session.Manager,
	storage store.Backend,
	sanitizer *sanitize.Pipeline,
	policy *config.PolicyConfig,
	embedding *EmbeddingSimilarity,
	sup supervisor.Supervisor,
	humans *queue.Queue,
	cwd string,
) *Runner {
	return &Runner{
		sessions:  sessions,
		storage:   storage,
		resolver:  scope.NewResolver(storage),
		sanitizer: sanitizer,
		policy:    policy,
		cache:     NewExactCache(),
		jaccard:   NewTokenJaccard(policy.Similarity.JaccardThreshold, policy.Similarity.JaccardMinTokens),
		embedding: embedding,
		pathTier:  NewPathPolicy(cwd),
		sup:       sup,
		humans:    humans,
		cwd:       cwd,
	}
}

// Load seeds the exact cache and similarity indices from every scope. The
// vector index prefers its persisted artifact and falls back to embedding
// the records.
func (r *Runner) Load(ctx context.Context) error {
	var all []decision.Record
	for _, s := range decision.Levels() {
		records, err := r.storage.Load(s)
		if err != nil {
			return err
		}
		all = append(all, records...)
	}
	r.cache.LoadFrom(all)
	r.jaccard.LoadFrom(all)
	if r.embedding != nil {
		if err := r.embedding.LoadArtifact(); err != nil {
			slog.Warn("loading embedding artifact", "err", err)
		}
		if r.embedding.Len() == 0 {
			if err := r.embedding.BuildFrom(ctx, all); err != nil {
				slog.Warn("building vector index", "err", err)
			}
		}
	}
	return nil
}

// Evaluate runs one tool call through the cascade. It never returns Allow on
// an internal failure; a panic inside any tier converts to a diagnostic
// deny.
func (r *Runner) Evaluate(ctx context.Context, sessionID, toolName, toolInput, filePath string) (rec *decision.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("cascade panic", "panic", p, "session", sessionID, "tool", toolName)
			rec = r.denyRecord(sessionID, toolName, "", filePath,
				fmt.Sprintf("internal error during evaluation: %v", p))
			err = nil
		}
	}()

	sess, rerr := r.resolveSession(ctx, sessionID)
	if rerr != nil {
		var timeout *hookerr.RegistrationTimeoutError
		var notReg *hookerr.SessionNotRegisteredError
		if errors.As(rerr, &timeout) || errors.As(rerr, &notReg) {
			return r.denyRecord(sessionID, toolName, "", filePath,
				"session not registered: run `toolgate register --role <role>` for this session"), nil
		}
		var noRole *hookerr.RoleNotFoundError
		if errors.As(rerr, &noRole) {
			return r.denyRecord(sessionID, toolName, "", filePath,
				fmt.Sprintf("session role %q is not defined in roles.yml", noRole.Role)), nil
		}
		return nil, rerr
	}
	if sess.Disabled {
		return &decision.Record{
			Key:      decision.CacheKey{SanitizedInput: "", Tool: toolName, Role: decision.WildcardRole},
			Decision: decision.Allow,
			Metadata: decision.Metadata{
				Tier:       decision.TierSessionDisabled,
				Confidence: 1.0,
				Reason:     "gating disabled for this session",
			},
			Timestamp: time.Now().UTC(),
			Scope:     decision.ScopeUser,
			SessionID: sessionID,
		}, nil
	}

	in := &Input{
		SessionID:      sessionID,
		ToolName:       toolName,
		SanitizedInput: r.sanitizer.Sanitize(toolInput),
		FilePath:       filePath,
		Session:        sess,
	}
	key := in.Key()

	// Overrides and scoped records come first. An override rule is
	// authoritative before any tier runs.
	merged, mergeErr := r.resolver.Resolve(key)
	if mergeErr != nil {
		slog.Warn("scope resolution failed", "err", mergeErr)
	}
	if merged != nil {
		switch {
		case merged.Record.Metadata.Tier == decision.TierOverride:
			out := merged.Record
			out.SessionID = sessionID
			out.Timestamp = time.Now().UTC()
			r.cache.Insert(merged.Record)
			return &out, nil
		case merged.Decision == decision.Ask:
			return r.askHuman(ctx, in, true, merged.Record.Metadata.Reason, ""), nil
		case merged.Decision == decision.Deny:
			out := scopedRecord(merged, in)
			r.cache.Insert(merged.Record)
			return out, nil
		default:
			// A cached Allow never outranks the live path policy: the role's
			// deny_write globs and the sensitive-path defaults may have changed
			// since the record was written. Tier 0 re-checks the path; the
			// cached record only stands when the policy is undetermined, via
			// the Tier 1 lookup below.
			r.cache.Insert(merged.Record)
		}
	}

	// Tier 0: path policy. Ask verdicts are not persisted; the tier is
	// deterministic and re-derives them, so the caller prompts every time.
	if rec := r.runTier(ctx, r.pathTier, in); rec != nil {
		if rec.Decision != decision.Ask {
			r.persist(ctx, *rec)
		}
		return rec, nil
	}

	// Tier 1: exact cache.
	if rec := r.runTier(ctx, r.cache, in); rec != nil {
		if rec.Decision == decision.Ask {
			return r.askHuman(ctx, in, true, rec.Metadata.Reason, ""), nil
		}
		return rec, nil
	}

	// Tiers 2a and 2b: similarity. Their verdicts anchor in the exact cache
	// so the next identical input resolves deterministically.
	if rec := r.runTier(ctx, r.jaccard, in); rec != nil {
		r.persist(ctx, *rec)
		return rec, nil
	}
	if r.embedding != nil {
		if rec := r.runTier(ctx, r.embedding, in); rec != nil {
			r.persist(ctx, *rec)
			return rec, nil
		}
	}

	// Tier 3: supervisor.
	if rec, escalate, askReason := r.askSupervisor(ctx, in); rec != nil {
		r.persist(ctx, *rec)
		return rec, nil
	} else if escalate {
		return r.askHuman(ctx, in, false, "", askReason), nil
	}

	// Tier 4: human.
	return r.askHuman(ctx, in, false, "", ""), nil
}

// resolveSession resolves the context, waiting for registration when the
// session is unknown.
func (r *Runner) resolveSession(ctx context.Context, sessionID string) (*session.Context, error) {
	sess, err := r.sessions.Resolve(sessionID)
	if err == nil {
		return sess, nil
	}
	var notReg *hookerr.SessionNotRegisteredError
	if !errors.As(err, &notReg) {
		return nil, err
	}
	if werr := r.sessions.WaitForRegistration(ctx, sessionID, r.policy.RegistrationTimeout()); werr != nil {
		return nil, werr
	}
	r.sessions.Drop(sessionID)
	return r.sessions.Resolve(sessionID)
}

// runTier evaluates one tier, mapping transient errors to undetermined.
func (r *Runner) runTier(ctx context.Context, tier Tier, in *Input) *decision.Record {
	rec, err := tier.Evaluate(ctx, in)
	if err != nil {
		slog.Warn("tier failed, falling through", "tier", tier.Name(), "err", err)
		return nil
	}
	return rec
}

// askSupervisor runs Tier 3. Returns a record to adopt, or escalate=true
// when the supervisor itself says a human must look at it.
func (r *Runner) askSupervisor(ctx context.Context, in *Input) (*decision.Record, bool, string) {
	if r.sup == nil {
		return nil, false, ""
	}
	callCtx, cancel := context.WithTimeout(ctx, supervisorCallTimeout)
	defer cancel()

	verdict, err := r.sup.Evaluate(callCtx, r.ipcRequest(in))
	if err != nil {
		slog.Warn("supervisor unavailable, falling through", "backend", r.sup.Name(), "err", err)
		return nil, false, ""
	}
	threshold := r.policy.Confidence.ForScope(decision.ScopeRole)
	if verdict.Confidence < threshold {
		slog.Info("supervisor confidence below threshold",
			"confidence", verdict.Confidence, "threshold", threshold)
		return nil, false, ""
	}
	if verdict.Decision == decision.Ask {
		return nil, true, verdict.Reason
	}
	return &decision.Record{
		Key:      in.Key(),
		Decision: verdict.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierSupervisor,
			Confidence: verdict.Confidence,
			Reason:     verdict.Reason,
		},
		Timestamp: time.Now().UTC(),
		Scope:     decision.ScopeRole,
		FilePath:  in.FilePath,
		SessionID: in.SessionID,
	}, false, ""
}

func (r *Runner) ipcRequest(in *Input) *ipc.Request {
	req := &ipc.Request{
		SessionID: in.SessionID,
		ToolName:  in.ToolName,
		ToolInput: in.SanitizedInput,
		Role:      in.RoleName(),
		FilePath:  in.FilePath,
		Cwd:       r.cwd,
	}
	if in.Session != nil {
		if in.Session.Role != nil {
			req.RoleDescription = in.Session.Role.Description
		}
		req.TaskDescription = in.Session.TaskDescription
		req.PromptPath = in.Session.AgentPromptPath
	}
	return req
}

// askHuman runs Tier 4 and falls back to the default deny when no queue is
// wired or the wait times out. isAskReprompt marks re-prompts on Ask-cached
// records; their one-time answers are not persisted, so the Ask sticks.
func (r *Runner) askHuman(ctx context.Context, in *Input, isAskReprompt bool, askReason, recommendation string) *decision.Record {
	if r.humans == nil {
		return r.defaultDeny(in, "no adjudication backend available")
	}
	id, err := r.humans.Enqueue(queue.Pending{
		SessionID:      in.SessionID,
		Role:           in.RoleName(),
		ToolName:       in.ToolName,
		SanitizedInput: in.SanitizedInput,
		FilePath:       in.FilePath,
		Recommendation: recommendation,
		IsAskReprompt:  isAskReprompt,
		AskReason:      askReason,
	})
	if err != nil {
		slog.Warn("enqueue failed", "err", err)
		return r.defaultDeny(in, "human queue unavailable")
	}
	resp, err := r.humans.WaitForResponse(ctx, id, r.policy.HumanTimeout())
	if err != nil {
		var timeout *hookerr.HumanTimeoutError
		if errors.As(err, &timeout) {
			return r.defaultDeny(in, fmt.Sprintf("no human response within %s", r.policy.HumanTimeout()))
		}
		slog.Warn("waiting for human response", "err", err)
		return r.defaultDeny(in, "human queue unavailable")
	}

	out := &decision.Record{
		Key:      in.Key(),
		Decision: resp.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierHuman,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("human decision by %s", respondedBy(resp)),
		},
		Timestamp: time.Now().UTC(),
		Scope:     decision.ScopeRole,
		FilePath:  in.FilePath,
		SessionID: in.SessionID,
	}

	if resp.AddRule {
		rule := *out
		rule.Scope = resp.RuleScope
		rule.Metadata.Tier = decision.TierOverride
		rule.Metadata.Reason = "codified from human decision"
		r.persist(ctx, rule)
	}

	if isAskReprompt && !resp.AlwaysAsk {
		// One-time answer on an Ask-cached record; the Ask stays.
		return out
	}

	persisted := *out
	if resp.AlwaysAsk {
		persisted.Decision = decision.Ask
		persisted.Metadata.Reason = "human requested re-prompt on every match"
	}
	r.persist(ctx, persisted)
	return out
}

func respondedBy(resp *queue.Response) string {
	if resp.RespondedBy != "" {
		return resp.RespondedBy
	}
	return "reviewer"
}

func (r *Runner) defaultDeny(in *Input, reason string) *decision.Record {
	return r.denyRecord(in.SessionID, in.ToolName, in.SanitizedInput, in.FilePath, reason)
}

// denyRecord is the fallback verdict. Its tier marker stays distinct from
// path policy so audit logs attribute it correctly.
func (r *Runner) denyRecord(sessionID, toolName, sanitizedInput, filePath, reason string) *decision.Record {
	return &decision.Record{
		Key: decision.CacheKey{
			SanitizedInput: sanitizedInput,
			Tool:           toolName,
			Role:           decision.WildcardRole,
		},
		Decision: decision.Deny,
		Metadata: decision.Metadata{
			Tier:       decision.TierDefault,
			Confidence: 1.0,
			Reason:     reason,
		},
		Timestamp: time.Now().UTC(),
		Scope:     decision.ScopeUser,
		FilePath:  filePath,
		SessionID: sessionID,
	}
}

// persist commits a verdict: exact cache first so concurrent requests see
// it immediately, then the similarity indices, then disk. A disk failure is
// logged, never fatal; the in-memory effect stands.
func (r *Runner) persist(ctx context.Context, stored decision.Record) {
	r.cache.Insert(stored)
	r.jaccard.Insert(stored)
	if r.embedding != nil {
		if err := r.embedding.Insert(ctx, stored); err != nil {
			slog.Warn("vector index insert failed", "err", err)
		}
	}
	if err := r.storage.Save(&stored); err != nil {
		slog.Warn("persisting decision to disk failed", "err", err, "key", stored.Key.Tool)
	}
	r.resolver.Observe(stored)
}

// scopedRecord converts a scope-merge hit into a returned record.
func scopedRecord(merged *scope.ScopedDecision, in *Input) *decision.Record {
	return &decision.Record{
		Key:      in.Key(),
		Decision: merged.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierExactCache,
			Confidence: 1.0,
			Reason: fmt.Sprintf("scoped %s rule (%s scope, originally from %s)",
				merged.Decision, merged.Scope, merged.Record.Metadata.Tier),
			MatchedKey: &merged.Record.Key,
		},
		Timestamp: time.Now().UTC(),
		Scope:     merged.Scope,
		FilePath:  in.FilePath,
		SessionID: in.SessionID,
	}
}

// Promote converts an Ask-cached key into a permanent Allow or Deny at the
// given scope. This is the only path off an Ask record.
func (r *Runner) Promote(key decision.CacheKey, to decision.Decision, scopeLevel decision.ScopeLevel) error {
	if !to.Converging() {
		return fmt.Errorf("cannot promote to %q", to)
	}
	for _, s := range decision.Levels() {
		if err := r.storage.Remove(s, key); err != nil {
			return err
		}
	}
	rec := decision.Record{
		Key:      key,
		Decision: to,
		Metadata: decision.Metadata{
			Tier:       decision.TierHuman,
			Confidence: 1.0,
			Reason:     "promoted from ask",
		},
		Timestamp: time.Now().UTC(),
		Scope:     scopeLevel,
	}
	if err := r.storage.Save(&rec); err != nil {
		return err
	}
	r.cache.Remove(key)
	r.cache.Insert(rec)
	r.jaccard.Insert(rec)
	return r.resolver.Reload()
}

// AddOverride persists a human-set rule checked before every tier.
func (r *Runner) AddOverride(key decision.CacheKey, d decision.Decision, scopeLevel decision.ScopeLevel, reason string) error {
	rec := decision.Record{
		Key:      key,
		Decision: d,
		Metadata: decision.Metadata{
			Tier:       decision.TierOverride,
			Confidence: 1.0,
			Reason:     reason,
		},
		Timestamp: time.Now().UTC(),
		Scope:     scopeLevel,
	}
	if err := r.storage.Save(&rec); err != nil {
		return err
	}
	r.cache.Insert(rec)
	r.resolver.Observe(rec)
	return nil
}

// DropCachedRole evicts a role's entries from the in-memory structures only.
// Used on role switches: disk records stay for when the role returns.
func (r *Runner) DropCachedRole(role string) {
	r.cache.InvalidateRole(role)
	r.jaccard.InvalidateRole(role)
}

// InvalidateRole clears a role's decisions everywhere: caches, indices, and
// every scope's files.
func (r *Runner) InvalidateRole(ctx context.Context, role string) error {
	r.cache.InvalidateRole(role)
	r.jaccard.InvalidateRole(role)
	if r.embedding != nil {
		if err := r.embedding.InvalidateRole(ctx, role); err != nil {
			return err
		}
	}
	for _, s := range decision.Levels() {
		if err := r.storage.InvalidateRole(s, role); err != nil {
			return err
		}
	}
	return r.resolver.Reload()
}

// InvalidateAll wipes every cached decision at every scope.
func (r *Runner) InvalidateAll() error {
	r.cache.InvalidateAll()
	r.jaccard.InvalidateAll()
	if r.embedding != nil {
		r.embedding.InvalidateAll()
	}
	for _, s := range decision.Levels() {
		if err := r.storage.InvalidateAll(s); err != nil {
			return err
		}
	}
	return r.resolver.Reload()
}

// RebuildIndexes reconstructs the similarity indices from the decision store
// and persists the vector artifact.
func (r *Runner) RebuildIndexes(ctx context.Context) error {
	var all []decision.Record
	for _, s := range decision.Levels() {
		records, err := r.storage.Load(s)
		if err != nil {
			return err
		}
		all = append(all, records...)
	}
	r.jaccard.InvalidateAll()
	r.jaccard.LoadFrom(all)
	if r.embedding != nil {
		if err := r.embedding.BuildFrom(ctx, all); err != nil {
			return err
		}
		if err := r.embedding.SaveArtifact(); err != nil {
			return err
		}
	}
	return nil
}

// CacheStats exposes the exact-cache counters for the stats CLI.
func (r *Runner) CacheStats() Stats { return r.cache.Stats() }

// Sanitize exposes the runner's pipeline so callers render redacted input
// consistently.
func (r *Runner) Sanitize(s string) string { return r.sanitizer.Sanitize(s) }
