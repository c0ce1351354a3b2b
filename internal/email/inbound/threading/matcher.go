package threading

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abcotronics/docreply/internal/models"
	"github.com/abcotronics/docreply/internal/repository"
)

const (
	// DefaultRecentScan bounds how many recent records the fuzzy strategies see.
	DefaultRecentScan = 200
	// DefaultIDPrefix is the local-part prefix of generated outbound ids.
	DefaultIDPrefix = "docreq-"

	minContainedLen = 10
	minPrefixSuffix = 8
)

// RecordStore is the read side of outbound message records.
type RecordStore interface {
	FindByMessageIDs(ctx context.Context, ids []string) (*models.OutboundMessageRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.OutboundMessageRecord, error)
}

// ThreadMatcher maps a thread key to the outbound record it answers. A nil
// record with a nil error means no match.
type ThreadMatcher interface {
	Name() string
	Match(ctx context.Context, key string) (*models.OutboundMessageRecord, error)
}

// ExactMatcher looks the key up verbatim.
type ExactMatcher struct{ Store RecordStore }

func (ExactMatcher) Name() string { return "exact" }

func (m ExactMatcher) Match(ctx context.Context, key string) (*models.OutboundMessageRecord, error) {
	return lookup(ctx, m.Store, key)
}

// LocalPartMatcher compares local parts, for relays that rewrite the domain
// of the Message-ID. Records stored as a bare local part are found directly;
// otherwise recent records are scanned.
type LocalPartMatcher struct {
	Store RecordStore
	Limit int
}

func (LocalPartMatcher) Name() string { return "local_part" }

func (m LocalPartMatcher) Match(ctx context.Context, key string) (*models.OutboundMessageRecord, error) {
	local := LocalPart(key)
	if local == "" {
		return nil, nil
	}
	if local != key {
		rec, err := lookup(ctx, m.Store, local)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	recent, err := m.Store.ListRecent(ctx, recentLimit(m.Limit))
	if err != nil {
		return nil, fmt.Errorf("list recent outbound messages: %w", err)
	}
	for i := range recent {
		if recent[i].MessageID != "" && LocalPart(recent[i].MessageID) == local {
			return &recent[i], nil
		}
	}
	return nil, nil
}

func lookup(ctx context.Context, store RecordStore, id string) (*models.OutboundMessageRecord, error) {
	rec, err := store.FindByMessageIDs(ctx, []string{id})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SubstringMatcher scans recent records for one whose id the key starts with,
// or that the key contains when the stored id is long enough to be specific.
type SubstringMatcher struct {
	Store RecordStore
	Limit int
}

func (SubstringMatcher) Name() string { return "substring" }

func (m SubstringMatcher) Match(ctx context.Context, key string) (*models.OutboundMessageRecord, error) {
	recent, err := m.Store.ListRecent(ctx, recentLimit(m.Limit))
	if err != nil {
		return nil, fmt.Errorf("list recent outbound messages: %w", err)
	}
	for i := range recent {
		stored := recent[i].MessageID
		if stored == "" {
			continue
		}
		if strings.HasPrefix(key, stored) || (len(stored) >= minContainedLen && strings.Contains(key, stored)) {
			return &recent[i], nil
		}
	}
	return nil, nil
}

// PrefixConventionMatcher only considers keys whose local part follows the
// generated id convention, and matches when one local part is a prefix of
// the other. Providers that truncate ids on relay are caught here.
type PrefixConventionMatcher struct {
	Store  RecordStore
	Prefix string
	Limit  int
}

func (PrefixConventionMatcher) Name() string { return "prefix_convention" }

func (m PrefixConventionMatcher) Match(ctx context.Context, key string) (*models.OutboundMessageRecord, error) {
	prefix := m.Prefix
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	local := strings.ToLower(LocalPart(key))
	if !strings.HasPrefix(local, prefix) {
		return nil, nil
	}
	recent, err := m.Store.ListRecent(ctx, recentLimit(m.Limit))
	if err != nil {
		return nil, fmt.Errorf("list recent outbound messages: %w", err)
	}
	minLen := len(prefix) + minPrefixSuffix
	for i := range recent {
		stored := strings.ToLower(LocalPart(recent[i].MessageID))
		if !strings.HasPrefix(stored, prefix) {
			continue
		}
		short, long := stored, local
		if len(short) > len(long) {
			short, long = long, short
		}
		if len(short) >= minLen && strings.HasPrefix(long, short) {
			return &recent[i], nil
		}
	}
	return nil, nil
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentScan
	}
	return limit
}

// MatchChain tries matchers in order and reports which one matched.
type MatchChain struct {
	matchers []ThreadMatcher
}

// NewMatchChain returns a chain over the given matchers.
func NewMatchChain(matchers ...ThreadMatcher) MatchChain {
	return MatchChain{matchers: matchers}
}

// DefaultMatchChain builds exact, local part, substring and prefix
// convention matching over store.
func DefaultMatchChain(store RecordStore, recentScan int, prefix string) MatchChain {
	return NewMatchChain(
		ExactMatcher{Store: store},
		LocalPartMatcher{Store: store, Limit: recentScan},
		SubstringMatcher{Store: store, Limit: recentScan},
		PrefixConventionMatcher{Store: store, Prefix: prefix, Limit: recentScan},
	)
}

// Match returns the first record found and the matcher name. Store errors
// abort the chain.
func (c MatchChain) Match(ctx context.Context, key string) (*models.OutboundMessageRecord, string, error) {
	key = NormalizeMessageID(key)
	if key == "" {
		return nil, "", nil
	}
	for _, m := range c.matchers {
		rec, err := m.Match(ctx, key)
		if err != nil {
			return nil, m.Name(), fmt.Errorf("%s match: %w", m.Name(), err)
		}
		if rec != nil {
			return rec, m.Name(), nil
		}
	}
	return nil, "", nil
}

// Candidates lists the ids tried by the direct lookups, for diagnostics.
func Candidates(key string) []string {
	key = NormalizeMessageID(key)
	if key == "" {
		return nil
	}
	if local := LocalPart(key); local != "" && local != key {
		return []string{key, local}
	}
	return []string{key}
}
