// Package bandit implements the strategy router (C6): a contextual
// multi-armed bandit that picks one of the four retrieval strategies via
// Thompson sampling over persistent Beta-distribution posteriors.
package bandit

import (
	"context"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"adaptiverag/internal/config"
	"adaptiverag/internal/observability"
)

// Arm names one of the four selectable retrieval strategies.
type Arm string

const (
	ArmHybrid    Arm = "hybrid"
	ArmIterative Arm = "iterative"
	ArmGraph     Arm = "graph"
	ArmTable     Arm = "table"
)

// AllArms is the fixed arm set in a stable order, used whenever a caller
// needs to enumerate arms deterministically (persistence, cold-start init).
var AllArms = []Arm{ArmHybrid, ArmIterative, ArmGraph, ArmTable}

// Beta holds one arm's Beta-distribution posterior parameters.
type Beta struct {
	Alpha float64 `msgpack:"alpha"`
	Beta  float64 `msgpack:"beta"`
}

// Trials is the derived total-trials count, alpha+beta-2.
func (b Beta) Trials() float64 { return b.Alpha + b.Beta - 2 }

// Mean is the posterior mean win rate, alpha/(alpha+beta).
func (b Beta) Mean() float64 { return b.Alpha / (b.Alpha + b.Beta) }

// stateFile is the on-disk representation, {arm_name: {alpha, beta}}.
type stateFile map[Arm]Beta

// Router owns persistent arm posteriors and makes the per-request
// Thompson-sampling selection described in spec §4.C6.
type Router struct {
	mu        sync.Mutex
	cfg       config.BanditConfig
	state     map[Arm]*Beta
	coldStart bool
	rng       *rand.Rand
}

// NewRouter loads arm state from cfg.StatePath, falling back to
// cfg.WarmStartPath, falling back to a cold start where every arm begins at
// (1,1) per spec §3's StrategyArm invariant.
func NewRouter(cfg config.BanditConfig) *Router {
	r := &Router{
		cfg:   cfg,
		state: make(map[Arm]*Beta, len(AllArms)),
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
	loaded := r.loadFrom(cfg.StatePath)
	if !loaded {
		loaded = r.loadFrom(cfg.WarmStartPath)
	}
	if !loaded {
		r.coldStart = true
	}
	for _, a := range AllArms {
		if r.state[a] == nil {
			r.state[a] = &Beta{Alpha: 1, Beta: 1}
		}
	}
	return r
}

func (r *Router) loadFrom(path string) bool {
	if path == "" {
		return false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var sf stateFile
	if err := msgpack.Unmarshal(b, &sf); err != nil {
		return false
	}
	for arm, beta := range sf {
		v := beta
		r.state[arm] = &v
	}
	return len(sf) > 0
}

// ColdStart reports whether no persisted or warm-start state was found at
// construction time.
func (r *Router) ColdStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coldStart
}

// Snapshot returns a copy of the current posteriors, keyed by arm.
func (r *Router) Snapshot() map[Arm]Beta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Arm]Beta, len(r.state))
	for a, b := range r.state {
		out[a] = *b
	}
	return out
}

// Persist atomically writes the current state to cfg.StatePath (write to a
// temp file, then rename), matching the single-writer/atomic-replace policy
// in spec §5.
func (r *Router) Persist() error {
	r.mu.Lock()
	sf := make(stateFile, len(r.state))
	for a, b := range r.state {
		sf[a] = *b
	}
	path := r.cfg.StatePath
	r.mu.Unlock()
	if path == "" {
		return nil
	}
	b, err := msgpack.Marshal(sf)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Selection describes the router's choice plus the diagnostics needed by
// governance checkpoints and the facade response.
type Selection struct {
	Arm        Arm
	Reason     string
	Samples    map[Arm]float64
	ColdStart  bool
	Escalated  bool
}

// Select implements spec §4.C6's rule: Thompson-sample a Beta draw per
// available arm, add an exploration bonus favoring under-explored arms, pick
// the argmax, then apply the graph/table safety-net escalation.
func (r *Router) Select(_ context.Context, available []Arm, strongGraphCue, strongTableCue bool, isFactual bool) Selection {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxTrials := r.cfg.MaxTrials
	if maxTrials <= 0 {
		maxTrials = 200
	}
	bonus := r.cfg.ExplorationBonus
	if bonus <= 0 {
		bonus = 0.2
	}

	samples := make(map[Arm]float64, len(available))
	bestArm := Arm("")
	bestAdj := math.Inf(-1)
	for _, a := range available {
		beta := r.armLocked(a)
		draw := sampleBeta(r.rng, beta.Alpha, beta.Beta)
		trials := beta.Trials()
		if trials < 0 {
			trials = 0
		}
		adj := draw + bonus*(1-math.Min(trials/maxTrials, 1))
		samples[a] = adj
		if adj > bestAdj {
			bestAdj = adj
			bestArm = a
		}
	}

	reason := "thompson_sample"
	escalated := false
	if (bestArm == ArmHybrid || bestArm == ArmIterative) && !isFactual {
		if strongGraphCue && containsArm(available, ArmGraph) {
			bestArm = ArmGraph
			reason = "escalated_graph_cue"
			escalated = true
		} else if strongTableCue && containsArm(available, ArmTable) {
			bestArm = ArmTable
			reason = "escalated_table_cue"
			escalated = true
		}
	}

	return Selection{Arm: bestArm, Reason: reason, Samples: samples, ColdStart: r.coldStart, Escalated: escalated}
}

func containsArm(arms []Arm, want Arm) bool {
	for _, a := range arms {
		if a == want {
			return true
		}
	}
	return false
}

func (r *Router) armLocked(a Arm) Beta {
	if b, ok := r.state[a]; ok {
		return *b
	}
	r.state[a] = &Beta{Alpha: 1, Beta: 1}
	return *r.state[a]
}

// Update applies the α←α+r, β←β+(1−r) rule for arm a with reward r∈[0,1],
// then persists the new state. It is the sole write path so callers never
// bypass the atomic-replace persistence.
func (r *Router) Update(ctx context.Context, a Arm, reward float64) {
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	r.mu.Lock()
	b := r.armLocked(a)
	b.Alpha += reward
	b.Beta += 1 - reward
	r.state[a] = &b
	r.coldStart = false
	r.mu.Unlock()

	if err := r.Persist(); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("arm", string(a)).Msg("bandit_persist_failed")
	}
}

// Reward computes the automated reward from spec §4.C6:
// r = 0.4·confidence + 0.3·coverage + 0.3·latency_penalty.
func Reward(confidence float64, retrievedAny bool, totalLatencyMS, budgetMS int64) float64 {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	coverage := 0.0
	if retrievedAny {
		coverage = 1.0
	}
	if budgetMS <= 0 {
		budgetMS = 8000
	}
	latencyPenalty := 1 - float64(totalLatencyMS)/float64(budgetMS)
	if latencyPenalty < 0 {
		latencyPenalty = 0
	}
	return 0.4*confidence + 0.3*coverage + 0.3*latencyPenalty
}

// AvailableArms maps a classification's query_type to the arm subset spec
// §4.C6 step 1 allows for it.
func AvailableArms(queryType string) []Arm {
	switch queryType {
	case "factual_detail":
		return []Arm{ArmHybrid}
	case "complex_analysis":
		return []Arm{ArmHybrid, ArmIterative}
	default: // relationship_query, structured_data, general
		return []Arm{ArmHybrid, ArmIterative, ArmGraph, ArmTable}
	}
}

// sampleBeta draws one Beta(alpha, beta) sample via two Gamma(shape, 1)
// draws (Marsaglia-Tsang), since no statistics library appears anywhere in
// the example corpus — math/rand is the only available primitive.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost via Gamma(shape+1) and a uniform correction.
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*(x*x*x*x) {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// SortedArms returns arms sorted by name, used where deterministic output
// ordering matters (diagnostics, tests).
func SortedArms(arms map[Arm]float64) []Arm {
	out := make([]Arm, 0, len(arms))
	for a := range arms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
