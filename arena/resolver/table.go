// Package resolver holds the pure game rules: move validation, round resolution,
// termination and the auction and betting acceptance rules.
package resolver

import (
	"arenaserver/models"
)

// ActionRule is the base outcome of one action kind.
type ActionRule struct {
	Base           float64
	RequiresTarget bool
}

type ScoringTable map[models.ActionKind]ActionRule

func DefaultBattleTable() ScoringTable {
	return ScoringTable{
		models.ActionAttack:  {Base: 50},
		models.ActionDefend:  {Base: 25},
		models.ActionSpecial: {Base: 75, RequiresTarget: true},
	}
}

// WithBases returns a copy of the table with base values overridden by action name.
// Unknown names add a new untargeted action.
func (t ScoringTable) WithBases(bases map[string]float64) ScoringTable {
	out := make(ScoringTable, len(t)+len(bases))
	for k, v := range t {
		out[k] = v
	}
	for name, base := range bases {
		rule := out[models.ActionKind(name)]
		rule.Base = base
		out[models.ActionKind(name)] = rule
	}
	return out
}

type Rules struct {
	MaxRounds    int
	WinsToClinch int
}

func DefaultRules() Rules {
	return Rules{MaxRounds: 10, WinsToClinch: 6}
}

type Resolver struct {
	rules  Rules
	tables map[models.EncounterKind]ScoringTable
}

// New builds a resolver. A nil tables map installs the default battle table.
func New(rules Rules, tables map[models.EncounterKind]ScoringTable) *Resolver {
	def := DefaultRules()
	if rules.MaxRounds <= 0 {
		rules.MaxRounds = def.MaxRounds
	}
	if rules.WinsToClinch <= 0 {
		rules.WinsToClinch = def.WinsToClinch
	}
	if tables == nil {
		tables = map[models.EncounterKind]ScoringTable{models.KindBattle: DefaultBattleTable()}
	}
	return &Resolver{rules: rules, tables: tables}
}

// FromConfig builds the resolver from the rules section of the server config.
func FromConfig(cfg models.RulesConfig) *Resolver {
	table := DefaultBattleTable().WithBases(cfg.Scoring)
	return New(Rules{MaxRounds: cfg.MaxRounds, WinsToClinch: cfg.WinsToClinch},
		map[models.EncounterKind]ScoringTable{models.KindBattle: table})
}

func (r *Resolver) Rules() Rules { return r.rules }
