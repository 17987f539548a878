package memory

import (
	"sort"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"brewva/internal/config"
	"brewva/internal/logging"
)

// Breakdown explains one hit's score for diagnostics.
type Breakdown struct {
	Lexical      float64 `json:"lexical"`
	Recency      float64 `json:"recency"`
	Confidence   float64 `json:"confidence"`
	WeakSemantic bool    `json:"weakSemantic"`
}

// Hit is one recall result.
type Hit struct {
	Unit      Unit      `json:"unit"`
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// aliasGroups expand query terms with common synonyms. Expansion is
// symmetric within a group.
var aliasGroups = [][]string{
	{"db", "database", "postgres", "sql"},
	{"auth", "authentication", "login"},
	{"config", "configuration", "settings"},
	{"test", "tests", "testing"},
	{"err", "error", "failure"},
	{"repo", "repository"},
	{"dir", "directory", "folder"},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, group := range aliasGroups {
		for _, term := range group {
			for _, other := range group {
				if other != term {
					idx[term] = append(idx[term], other)
				}
			}
		}
	}
	return idx
}

// tokenize splits text into lowercase unicode letter/digit runs and applies
// the light stemmer.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stemmed := stem(f); stemmed != "" {
			out = append(out, stemmed)
		}
	}
	return out
}

var stemSuffixes = []string{"ing", "edly", "ed", "ies", "es", "s", "ly"}

// stem strips a few common English suffixes. It never shortens a term below
// three runes so short identifiers survive intact.
func stem(term string) string {
	for _, suffix := range stemSuffixes {
		if strings.HasSuffix(term, suffix) && len(term)-len(suffix) >= 3 {
			return term[:len(term)-len(suffix)]
		}
	}
	return term
}

func expandQueryTerms(terms []string) map[string]struct{} {
	out := make(map[string]struct{}, len(terms)*2)
	for _, term := range terms {
		out[term] = struct{}{}
		for _, alias := range aliasIndex[term] {
			out[stem(alias)] = struct{}{}
		}
	}
	return out
}

const (
	defaultLexicalWeight    = 0.5
	defaultRecencyWeight    = 0.3
	defaultConfidenceWeight = 0.2
	weakSemanticFactor      = 0.35
	tokenCacheSize          = 2048
)

// Recaller scores memory units against free-text queries.
type Recaller struct {
	store  *Store
	cfg    config.MemoryConfig
	logger logging.Logger
	now    func() time.Time
	tokens *lru.Cache[string, []string]
}

// RecallerOption configures a Recaller.
type RecallerOption func(*Recaller)

// WithRecallerLogger injects a custom logger.
func WithRecallerLogger(logger logging.Logger) RecallerOption {
	return func(r *Recaller) { r.logger = logging.OrNop(logger) }
}

// WithRecallerClock overrides the time source.
func WithRecallerClock(now func() time.Time) RecallerOption {
	return func(r *Recaller) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecaller builds a recaller over a unit store.
func NewRecaller(store *Store, cfg config.MemoryConfig, opts ...RecallerOption) *Recaller {
	cache, err := lru.New[string, []string](tokenCacheSize)
	if err != nil {
		panic(err)
	}
	r := &Recaller{
		store:  store,
		cfg:    cfg,
		logger: logging.NewComponentLogger("MemoryRecall"),
		now:    time.Now,
		tokens: cache,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// weights returns the normalized scoring weights.
func (r *Recaller) weights() (wLex, wRec, wConf float64) {
	wLex, wRec, wConf = r.cfg.LexicalWeight, r.cfg.RecencyWeight, r.cfg.ConfidenceWeight
	total := wLex + wRec + wConf
	if total <= 0 {
		return defaultLexicalWeight, defaultRecencyWeight, defaultConfidenceWeight
	}
	return wLex / total, wRec / total, wConf / total
}

// unitTokens memoizes tokenization per content fingerprint.
func (r *Recaller) unitTokens(unit Unit) map[string]struct{} {
	var toks []string
	if cached, ok := r.tokens.Get(unit.Fingerprint); ok {
		toks = cached
	} else {
		toks = tokenize(unit.Content)
		r.tokens.Add(unit.Fingerprint, toks)
	}
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Recall ranks the session's retrievable units against the query.
func (r *Recaller) Recall(sessionID, query string, limit int) ([]Hit, error) {
	units, err := r.store.Units(sessionID)
	if err != nil {
		return nil, err
	}
	queryTerms := tokenize(query)
	expanded := expandQueryTerms(queryTerms)
	wLex, wRec, wConf := r.weights()
	now := r.now()

	if limit <= 0 {
		limit = r.cfg.RecallLimit
	}
	if limit <= 0 {
		limit = 10
	}

	var hits []Hit
	for _, unit := range units {
		if !unit.Retrievable() {
			continue
		}
		unitSet := r.unitTokens(unit)

		overlap := 0
		for term := range expanded {
			if _, ok := unitSet[term]; ok {
				overlap++
			}
		}
		lex := 0.0
		if len(queryTerms) > 0 {
			lex = float64(overlap) / float64(len(queryTerms))
			if lex > 1 {
				lex = 1
			}
		}

		ageDays := now.Sub(unit.UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := 1 / (1 + ageDays)

		confidence := unit.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}

		score := wLex*lex + wRec*recency + wConf*confidence
		weak := false
		if overlap == 0 {
			floor := (wRec + wConf) * weakSemanticFactor
			if score < floor {
				continue
			}
			weak = true
		}

		hits = append(hits, Hit{
			Unit:  unit,
			Score: score,
			Breakdown: Breakdown{
				Lexical:      lex,
				Recency:      recency,
				Confidence:   confidence,
				WeakSemantic: weak,
			},
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Unit.UpdatedAt.After(hits[j].Unit.UpdatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
