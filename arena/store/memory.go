package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"
)

type rankingKey struct {
	participant string
	period      models.Period
	start       int64
}

// MemoryStore keeps everything in process memory. Every read returns a deep copy.
type MemoryStore struct {
	mu         sync.RWMutex
	encounters map[string]*models.Encounter
	rounds     map[string]string // round id -> encounter id
	modifiers  map[string]string // modifier id -> encounter id
	rankings   map[rankingKey]models.RankingRecord
	now        func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		encounters: make(map[string]*models.Encounter),
		rounds:     make(map[string]string),
		modifiers:  make(map[string]string),
		rankings:   make(map[rankingKey]models.RankingRecord),
		now:        now,
	}
}

func (s *MemoryStore) CreateEncounter(_ context.Context, enc *models.Encounter) error {
	if enc.ID == "" || !enc.Kind.Valid() {
		return apperr.New(apperr.ValidationError, "encounter needs an id and a known kind")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.encounters[enc.ID]; exists {
		return apperr.Newf(apperr.InvalidState, "encounter %s already exists", enc.ID)
	}
	c := enc.Clone()
	if c.Status == "" {
		c.Status = models.StatusWaiting
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.encounters[c.ID] = c
	for _, r := range c.Rounds {
		s.rounds[r.ID] = c.ID
	}
	for _, card := range c.Cards {
		for _, m := range card.Modifiers {
			s.modifiers[m.ID] = c.ID
		}
	}
	return nil
}

func (s *MemoryStore) GetEncounter(_ context.Context, id string) (*models.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enc, ok := s.encounters[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "encounter %s not found", id)
	}
	return enc.Clone(), nil
}

func (s *MemoryStore) AppendRound(_ context.Context, encounterID string, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.encounters[encounterID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "encounter %s not found", encounterID)
	}
	if want := len(enc.Rounds) + 1; round.Number != want {
		return apperr.Newf(apperr.InvalidState, "round %d out of sequence, expected %d", round.Number, want)
	}
	r := *round
	r.EncounterID = encounterID
	r.Effects = append([]models.Effect(nil), round.Effects...)
	r.Moves = nil
	enc.Rounds = append(enc.Rounds, r)
	s.rounds[r.ID] = encounterID
	return nil
}

func (s *MemoryStore) AppendMove(_ context.Context, roundID string, move *models.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	encID, ok := s.rounds[roundID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "round %s not found", roundID)
	}
	enc := s.encounters[encID]
	for i := range enc.Rounds {
		if enc.Rounds[i].ID == roundID {
			m := *move
			m.RoundID = roundID
			enc.Rounds[i].Moves = append(enc.Rounds[i].Moves, m)
			return nil
		}
	}
	return apperr.Newf(apperr.NotFound, "round %s not found", roundID)
}

func (s *MemoryStore) SetEncounterStatus(_ context.Context, id string, status models.EncounterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.encounters[id]
	if !ok {
		return apperr.Newf(apperr.NotFound, "encounter %s not found", id)
	}
	s.setStatus(enc, status)
	return nil
}

func (s *MemoryStore) setStatus(enc *models.Encounter, status models.EncounterStatus) {
	enc.Status = status
	if status == models.StatusCompleted {
		t := s.now()
		enc.CompletedAt = &t
	}
}

func (s *MemoryStore) CommitRounds(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.encounters[c.EncounterID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "encounter %s not found", c.EncounterID)
	}
	for i, r := range c.Rounds {
		if want := len(enc.Rounds) + 1 + i; r.Number != want {
			return apperr.Newf(apperr.InvalidState, "round %d out of sequence, expected %d", r.Number, want)
		}
	}
	for id := range c.Activations {
		if s.modifiers[id] != c.EncounterID {
			return apperr.Newf(apperr.NotFound, "modifier %s not found", id)
		}
	}

	// validated above, nothing below can fail
	for _, r := range c.Rounds {
		r.EncounterID = c.EncounterID
		r.Effects = append([]models.Effect(nil), r.Effects...)
		r.Moves = append([]models.Move(nil), r.Moves...)
		for i := range r.Moves {
			r.Moves[i].RoundID = r.ID
		}
		enc.Rounds = append(enc.Rounds, r)
		s.rounds[r.ID] = c.EncounterID
	}
	for id, at := range c.Activations {
		activate(enc, id, at)
	}
	if c.Auction != nil {
		a := c.Auction.Clone()
		enc.Auction = &a
	}
	if c.Market != nil {
		m := c.Market.Clone()
		enc.Market = &m
	}
	if c.Status != "" {
		s.setStatus(enc, c.Status)
	}
	return nil
}

func activate(enc *models.Encounter, modifierID string, at time.Time) {
	for cardID, card := range enc.Cards {
		for i := range card.Modifiers {
			if card.Modifiers[i].ID == modifierID {
				started := at
				card.Modifiers[i].StartedAt = &started
				enc.Cards[cardID] = card
				return
			}
		}
	}
}

func (s *MemoryStore) UpsertRankingRecord(_ context.Context, rec *models.RankingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankings[rankingKey{rec.ParticipantID, rec.Period, rec.PeriodStart.Unix()}] = *rec
	return nil
}

func (s *MemoryStore) ListRankingRecords(_ context.Context, participantID string) ([]models.RankingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RankingRecord
	for k, rec := range s.rankings {
		if k.participant == participantID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].PeriodStart.After(out[j].PeriodStart)
	})
	return out, nil
}

func (s *MemoryStore) ListCompletedEncounters(_ context.Context, participantID string, since time.Time) ([]models.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Encounter
	for _, enc := range s.encounters {
		if enc.Status != models.StatusCompleted || enc.CompletedAt == nil || enc.CompletedAt.Before(since) {
			continue
		}
		if !enc.IsParticipant(participantID) {
			continue
		}
		out = append(out, *enc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, kind models.EncounterKind, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, enc := range s.encounters {
		if enc.Kind != kind || enc.Status != models.StatusActive {
			continue
		}
		if closesAt, ok := enc.ClosesAt(); ok && !closesAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) PruneExpiredModifiers(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for _, enc := range s.encounters {
		for cardID, card := range enc.Cards {
			kept := card.Modifiers[:0]
			for _, m := range card.Modifiers {
				if m.ExpiredAt(now) {
					delete(s.modifiers, m.ID)
					pruned++
					continue
				}
				kept = append(kept, m)
			}
			card.Modifiers = kept
			enc.Cards[cardID] = card
		}
	}
	return pruned, nil
}

func (s *MemoryStore) CancelStaleWaiting(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, enc := range s.encounters {
		if enc.Status == models.StatusWaiting && enc.CreatedAt.Before(before) {
			enc.Status = models.StatusCancelled
			n++
		}
	}
	return n, nil
}
