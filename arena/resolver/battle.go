package resolver

import (
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"
)

// Evaluation is a validated move together with its computed magnitude.
type Evaluation struct {
	Move    models.Move
	Effects []models.Effect
	// Activated is the dormant powerup this move switched on, if any.
	Activated string
}

// Outcome is the result of adding one move to the round in flight.
type Outcome struct {
	Pending  bool
	Awaiting []string
	Round    models.Round
	Terminal bool
}

// Resolve validates move against the encounter and the moves already collected for the
// round in flight. Once every participant has moved the round is settled.
func (r *Resolver) Resolve(enc *models.Encounter, pending []Evaluation, move models.Move, now time.Time) (Evaluation, Outcome, error) {
	ev, err := r.Evaluate(enc, pending, move, now)
	if err != nil {
		return Evaluation{}, Outcome{}, err
	}

	all := make([]Evaluation, 0, len(pending)+1)
	all = append(all, pending...)
	all = append(all, ev)
	if awaiting := awaitingParticipants(enc.Participants, all); len(awaiting) > 0 {
		return ev, Outcome{Pending: true, Awaiting: awaiting}, nil
	}
	return ev, r.Settle(enc, all, now), nil
}

// Evaluate checks the preconditions of a single move and computes its magnitude:
// the base value of the action kind adjusted by the acting card's active modifiers
// in creation order.
func (r *Resolver) Evaluate(enc *models.Encounter, pending []Evaluation, move models.Move, now time.Time) (Evaluation, error) {
	table, ok := r.tables[enc.Kind]
	if !ok {
		return Evaluation{}, apperr.Newf(apperr.ValidationError, "%s encounters do not accept moves", enc.Kind)
	}
	if enc.Status != models.StatusActive {
		return Evaluation{}, apperr.Newf(apperr.InvalidState, "encounter %s is %s", enc.ID, enc.Status)
	}
	if r.Decided(enc) {
		return Evaluation{}, apperr.Newf(apperr.InvalidState, "encounter %s is already decided", enc.ID)
	}
	rule, ok := table[move.Action]
	if !ok {
		return Evaluation{}, apperr.Newf(apperr.ValidationError, "unknown action kind %q", move.Action)
	}
	if move.CardID == "" {
		return Evaluation{}, apperr.New(apperr.ValidationError, "cardId is required")
	}
	card, ok := enc.Cards[move.CardID]
	if !ok {
		return Evaluation{}, apperr.Newf(apperr.NotFound, "card %s not found", move.CardID)
	}
	if card.OwnerID != move.ParticipantID || !enc.IsParticipant(move.ParticipantID) {
		return Evaluation{}, apperr.Newf(apperr.OwnershipViolation, "card %s does not belong to %s", card.ID, move.ParticipantID)
	}
	for _, p := range pending {
		if p.Move.ParticipantID == move.ParticipantID {
			return Evaluation{}, apperr.Newf(apperr.ValidationError, "move already submitted for round %d", len(enc.Rounds)+1)
		}
	}
	if move.TargetCardID != "" {
		target, ok := enc.Cards[move.TargetCardID]
		if !ok {
			return Evaluation{}, apperr.Newf(apperr.NotFound, "target card %s not found", move.TargetCardID)
		}
		if target.OwnerID == move.ParticipantID {
			return Evaluation{}, apperr.New(apperr.ValidationError, "target card must belong to an opponent")
		}
	} else if rule.RequiresTarget {
		return Evaluation{}, apperr.Newf(apperr.ValidationError, "%s requires a target card", move.Action)
	}

	var effects []models.Effect
	var activated string
	if move.PowerupID != "" {
		powerup, ok := card.Modifier(move.PowerupID)
		if !ok {
			return Evaluation{}, apperr.Newf(apperr.NotFound, "powerup %s not found on card %s", move.PowerupID, card.ID)
		}
		if powerup.ExpiredAt(now) {
			return Evaluation{}, apperr.Newf(apperr.InvalidState, "powerup %s has expired", powerup.ID)
		}
		if powerup.Dormant() {
			activated = powerup.ID
			effects = append(effects, models.Effect{
				Type:       models.EffectPowerup,
				Source:     card.ID,
				Stat:       powerup.TargetStat,
				ModifierID: powerup.ID,
				Value:      powerup.Value,
			})
		}
	}

	active := make([]models.Modifier, 0, len(card.Modifiers))
	for _, m := range card.Modifiers {
		if m.ID == activated {
			started := now
			m.StartedAt = &started
		}
		if m.ActiveAt(now) && m.Applies(move.Action) {
			active = append(active, m)
		}
	}
	models.SortModifiers(active)

	magnitude := rule.Base
	for _, m := range active {
		switch m.Type {
		case models.ModifierAdd:
			magnitude += m.Value
		case models.ModifierMultiply:
			magnitude *= m.Value
		default:
			continue
		}
		effects = append(effects, models.Effect{
			Type:       models.EffectModifier,
			Source:     card.ID,
			Stat:       m.TargetStat,
			ModifierID: m.ID,
			Value:      m.Value,
		})
	}
	if magnitude < 0 {
		magnitude = 0
	}

	move.Magnitude = magnitude
	effects = append([]models.Effect{{
		Type:   models.EffectAction,
		Source: card.ID,
		Target: move.TargetCardID,
		Stat:   string(move.Action),
		Value:  magnitude,
	}}, effects...)

	return Evaluation{Move: move, Effects: effects, Activated: activated}, nil
}

// Settle resolves a complete round. The strictly greatest magnitude wins; a shared
// maximum is a draw.
func (r *Resolver) Settle(enc *models.Encounter, moves []Evaluation, now time.Time) Outcome {
	round := models.Round{
		EncounterID: enc.ID,
		Number:      len(enc.Rounds) + 1,
		EndedAt:     now,
	}

	best, winner, tied := 0.0, "", false
	for i, ev := range moves {
		if i == 0 || ev.Move.SubmittedAt.Before(round.StartedAt) {
			round.StartedAt = ev.Move.SubmittedAt
		}
		round.Moves = append(round.Moves, ev.Move)
		round.Effects = append(round.Effects, ev.Effects...)

		switch m := ev.Move.Magnitude; {
		case i == 0 || m > best:
			best, winner, tied = m, ev.Move.ParticipantID, false
		case m == best:
			tied = true
		}
	}

	round.Magnitude = best
	if tied || winner == "" {
		round.Draw = true
	} else {
		round.Winner = winner
	}

	wins := enc.RoundWins()
	if !round.Draw {
		wins[round.Winner]++
	}
	return Outcome{Round: round, Terminal: r.terminal(round.Number, wins)}
}

// Decided reports whether the encounter already met a termination condition.
func (r *Resolver) Decided(enc *models.Encounter) bool {
	if len(enc.Rounds) == 0 {
		return false
	}
	return r.terminal(len(enc.Rounds), enc.RoundWins())
}

func (r *Resolver) terminal(roundNumber int, wins map[string]int) bool {
	if roundNumber >= r.rules.MaxRounds {
		return true
	}
	for _, w := range wins {
		if w >= r.rules.WinsToClinch {
			return true
		}
	}
	return false
}

func awaitingParticipants(participants []string, moves []Evaluation) []string {
	moved := make(map[string]bool, len(moves))
	for _, ev := range moves {
		moved[ev.Move.ParticipantID] = true
	}
	var awaiting []string
	for _, p := range participants {
		if !moved[p] {
			awaiting = append(awaiting, p)
		}
	}
	return awaiting
}
