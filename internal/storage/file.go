package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"trackerwatch/internal/trackers"
	"trackerwatch/internal/transport"
	logx "trackerwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend: the full subscription
// set lives in one JSON snapshot. Every mutation rewrites the snapshot via a
// temp file + atomic rename, so the on-disk state is always either the old
// or the new complete view, never a torn write.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	subs map[string]*fileRecord // key: tracker \x00 channel_id
}

const fileSchemaVersion = 1

type fileSnapshot struct {
	Version       int          `json:"version"`
	Subscriptions []fileRecord `json:"subscriptions"`
}

type fileRecord struct {
	Tracker    string    `json:"tracker"`
	GuildID    string    `json:"guild_id"`
	ChannelID  string    `json:"channel_id"`
	LastStatus *string   `json:"last_status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func fileKey(code trackers.Code, channelID string) string {
	return string(code) + "\x00" + channelID
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, subs: map[string]*fileRecord{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if snap.Version != fileSchemaVersion {
		return fmt.Errorf("%s: unsupported snapshot version %d", s.path, snap.Version)
	}

	for i := range snap.Subscriptions {
		r := snap.Subscriptions[i]
		if _, err := trackers.Parse(r.Tracker); err != nil {
			// Tolerate catalog drift on load; the record stays addressable.
			s.log.Warn("snapshot has unknown tracker", logx.String("tracker", r.Tracker))
		}
		if r.LastStatus != nil {
			if _, err := trackers.ParseStatus(*r.LastStatus); err != nil {
				return fmt.Errorf("%s: %w", s.path, err)
			}
		}
		if r.ChannelID == "" {
			return fmt.Errorf("%s: record missing channel_id", s.path)
		}
		s.subs[fileKey(trackers.Code(r.Tracker), r.ChannelID)] = &r
	}
	return nil
}

// persistLocked writes the full snapshot. Caller holds s.mu.
func (s *fileStore) persistLocked() error {
	recs := make([]fileRecord, 0, len(s.subs))
	for _, r := range s.subs {
		recs = append(recs, *r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Tracker != recs[j].Tracker {
			return recs[i].Tracker < recs[j].Tracker
		}
		return recs[i].ChannelID < recs[j].ChannelID
	})

	b, err := json.MarshalIndent(fileSnapshot{Version: fileSchemaVersion, Subscriptions: recs}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Add(ctx context.Context, code trackers.Code, target transport.Target) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fileKey(code, target.ChannelID)
	if _, ok := s.subs[key]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	s.subs[key] = &fileRecord{
		Tracker:   string(code),
		GuildID:   target.GuildID,
		ChannelID: target.ChannelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persistLocked(); err != nil {
		delete(s.subs, key)
		return false, err
	}
	return true, nil
}

func (s *fileStore) Remove(ctx context.Context, code trackers.Code, target transport.Target) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fileKey(code, target.ChannelID)
	old, ok := s.subs[key]
	if !ok {
		return false, nil
	}
	delete(s.subs, key)
	if err := s.persistLocked(); err != nil {
		s.subs[key] = old
		return false, err
	}
	return true, nil
}

func (s *fileStore) List(ctx context.Context) ([]Subscription, error) {
	return s.filtered(func(*fileRecord) bool { return true })
}

func (s *fileStore) ListTarget(ctx context.Context, target transport.Target) ([]Subscription, error) {
	return s.filtered(func(r *fileRecord) bool { return r.ChannelID == target.ChannelID })
}

func (s *fileStore) ListGuild(ctx context.Context, guildID string) ([]Subscription, error) {
	return s.filtered(func(r *fileRecord) bool { return r.GuildID == guildID })
}

func (s *fileStore) ListTracker(ctx context.Context, code trackers.Code) ([]Subscription, error) {
	return s.filtered(func(r *fileRecord) bool { return r.Tracker == string(code) })
}

func (s *fileStore) filtered(keep func(*fileRecord) bool) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Subscription
	for _, r := range s.subs {
		if !keep(r) {
			continue
		}
		sub, err := r.toSubscription()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tracker != out[j].Tracker {
			return out[i].Tracker < out[j].Tracker
		}
		return out[i].Target.ChannelID < out[j].Target.ChannelID
	})
	return out, nil
}

func (r *fileRecord) toSubscription() (Subscription, error) {
	sub := Subscription{
		Tracker:   trackers.Code(r.Tracker),
		Target:    transport.Target{GuildID: r.GuildID, ChannelID: r.ChannelID},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastStatus != nil {
		st, err := trackers.ParseStatus(*r.LastStatus)
		if err != nil {
			return Subscription{}, err
		}
		sub.LastStatus = &st
	}
	return sub, nil
}

func (s *fileStore) DistinctTrackers(ctx context.Context) ([]trackers.Code, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[trackers.Code]struct{}{}
	for _, r := range s.subs {
		seen[trackers.Code(r.Tracker)] = struct{}{}
	}
	out := make([]trackers.Code, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) LastStatus(ctx context.Context, code trackers.Code, target transport.Target) (trackers.Status, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.subs[fileKey(code, target.ChannelID)]
	if !ok {
		return 0, false, ErrNotSubscribed
	}
	if r.LastStatus == nil {
		return 0, false, nil
	}
	st, err := trackers.ParseStatus(*r.LastStatus)
	if err != nil {
		return 0, false, err
	}
	return st, true, nil
}

func (s *fileStore) SetLastStatus(ctx context.Context, code trackers.Code, target transport.Target, st trackers.Status) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.subs[fileKey(code, target.ChannelID)]
	if !ok {
		return ErrNotSubscribed
	}
	prevStatus, prevUpdated := r.LastStatus, r.UpdatedAt
	v := st.String()
	r.LastStatus = &v
	r.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		r.LastStatus, r.UpdatedAt = prevStatus, prevUpdated
		return err
	}
	return nil
}
