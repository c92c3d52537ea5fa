package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskType classifies the work a request is asking a provider to do.
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskCodeAnalysis   TaskType = "code_analysis"
	TaskCodeReview     TaskType = "code_review"
	TaskDebugging      TaskType = "debugging"
	TaskDocumentation  TaskType = "documentation"
	TaskTesting        TaskType = "testing"
	TaskRefactoring    TaskType = "refactoring"
	TaskPlanning       TaskType = "planning"
	TaskReasoning      TaskType = "reasoning"
	TaskConversation   TaskType = "conversation"
)

// TaskTypes lists all known task types in encoding order. The index of a
// task type here is its one-hot position in the state vector, so the order
// is append-only.
var TaskTypes = []TaskType{
	TaskCodeGeneration,
	TaskCodeAnalysis,
	TaskCodeReview,
	TaskDebugging,
	TaskDocumentation,
	TaskTesting,
	TaskRefactoring,
	TaskPlanning,
	TaskReasoning,
	TaskConversation,
}

// Constraints carries per-request resource limits. Zero values mean
// "unconstrained" and encode to neutral defaults.
type Constraints struct {
	MaxCostUSD        float64 `json:"max_cost_usd,omitempty"`
	MaxLatencyMs      float64 `json:"max_latency_ms,omitempty"`
	QualityThreshold  float64 `json:"quality_threshold,omitempty"`
	RequirePremium    bool    `json:"require_premium,omitempty"`
	AllowExperimental bool    `json:"allow_experimental,omitempty"`
}

// Preferences carries user routing preferences. All weights are optional;
// missing values degrade to neutral defaults at encoding time.
type Preferences struct {
	// ProviderWeights biases routing toward named providers, each in [0, 1].
	ProviderWeights map[string]float64 `json:"provider_weights,omitempty"`

	// StrategyWeights biases the strategy set (strategy name -> weight).
	// Normalized to sum to 1 at encoding time.
	StrategyWeights map[string]float64 `json:"strategy_weights,omitempty"`

	// QualityVsSpeed in (0, 1]: values toward 1 prefer the best answer,
	// values toward 0 prefer the fastest. Zero means unset and encodes to
	// the neutral 0.5; omitempty makes an explicit JSON 0 indistinguishable
	// from absent, so callers wanting "fastest" send a small positive value.
	QualityVsSpeed float64 `json:"quality_vs_speed,omitempty"`

	// CostSensitivity in (0, 1]: 1 = strongly prefer cheap providers.
	// Zero means unset and encodes to the neutral 0.5.
	CostSensitivity float64 `json:"cost_sensitivity,omitempty"`

	// RiskTolerance in (0, 1]: 1 = willing to try low-reputation providers.
	// Zero means unset and encodes to the neutral 0.5.
	RiskTolerance float64 `json:"risk_tolerance,omitempty"`
}

// RouteRequest is the normalized request handed to the routing core by the
// API layer. Parsing, auth and billing happen upstream.
type RouteRequest struct {
	RequestID string   `json:"request_id"`
	TaskType  TaskType `json:"task_type"`
	Prompt    string   `json:"prompt"`
	Persona   string   `json:"persona,omitempty"`
	Domain    string   `json:"domain,omitempty"`
	FileCount int      `json:"file_count,omitempty"`

	Constraints Constraints `json:"constraints,omitempty"`
	Preferences Preferences `json:"preferences,omitempty"`

	// PreferredProviders biases the candidate set; unknown names are ignored.
	PreferredProviders []string `json:"preferred_providers,omitempty"`

	// ForceRefresh bypasses the decision cache.
	ForceRefresh bool `json:"force_refresh,omitempty"`

	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Validate performs basic structural validation.
func (r *RouteRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if r.TaskType == "" {
		return fmt.Errorf("task_type is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// RoutingAction identifies one point in the action space: a provider, one of
// its models, and the strategy tag that proposed it.
type RoutingAction struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Strategy string `json:"strategy,omitempty"`
}

// RoutingDecision is the engine's answer to a RouteRequest. It is immutable
// once produced and may be served from cache.
type RoutingDecision struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	Persona         string  `json:"persona,omitempty"`
	ComplexityScore float64 `json:"complexity_score"`
	ContextScore    float64 `json:"context_score"`
	CapabilityScore float64 `json:"capability_score"`
	Confidence      float64 `json:"confidence"`
	Reasoning       string  `json:"reasoning"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	DecidedAt time.Time `json:"decided_at"`
}

// Clone returns a deep copy. Cached decisions are cloned before being handed
// out so callers can annotate metadata without corrupting the cache.
func (d *RoutingDecision) Clone() *RoutingDecision {
	cp := *d
	cp.Metadata = make(map[string]interface{}, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// OutcomeReport carries the observed execution result of a routed request,
// used for deferred reward attribution. It may arrive long after the
// decision was returned.
type OutcomeReport struct {
	RequestID string  `json:"request_id"`
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms"`

	// Quality in [0, 1]; negative means "not observed".
	Quality float64 `json:"quality"`
}

// Fingerprint computes the cache key for a request: a sha256 over the fields
// that influence the decision. Request id, timestamps and force-refresh are
// deliberately excluded so identical workloads collapse to one entry.
func Fingerprint(r *RouteRequest) string {
	var b strings.Builder
	b.WriteString(string(r.TaskType))
	b.WriteByte('|')
	b.WriteString(normalizePrompt(r.Prompt))
	b.WriteByte('|')
	b.WriteString(r.Persona)
	b.WriteByte('|')
	b.WriteString(r.Domain)
	fmt.Fprintf(&b, "|%d|%.2f|%.2f|%.2f|%t|%t",
		r.FileCount,
		r.Constraints.MaxCostUSD,
		r.Constraints.MaxLatencyMs,
		r.Constraints.QualityThreshold,
		r.Constraints.RequirePremium,
		r.Constraints.AllowExperimental,
	)
	fmt.Fprintf(&b, "|%.2f|%.2f|%.2f",
		r.Preferences.QualityVsSpeed,
		r.Preferences.CostSensitivity,
		r.Preferences.RiskTolerance,
	)
	for _, p := range sortedKeys(r.Preferences.ProviderWeights) {
		fmt.Fprintf(&b, "|%s=%.2f", p, r.Preferences.ProviderWeights[p])
	}
	for _, s := range sortedKeys(r.Preferences.StrategyWeights) {
		fmt.Fprintf(&b, "|%s=%.2f", s, r.Preferences.StrategyWeights[s])
	}
	for _, p := range r.PreferredProviders {
		b.WriteByte('|')
		b.WriteString(p)
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// normalizePrompt collapses whitespace and case so trivially reformatted
// prompts share a fingerprint.
func normalizePrompt(p string) string {
	return strings.Join(strings.Fields(strings.ToLower(p)), " ")
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
