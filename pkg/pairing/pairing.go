// Package pairing manages the Telegram pairing allowlist and pending
// pairing requests stored under the agent credentials directory.
package pairing

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gliderlab/moltgate/pkg/config"
	"github.com/gliderlab/moltgate/pkg/jsonstore"
)

const fileVersion = 1

// ErrNoPendingRequest is returned by Approve when no live request matches
var ErrNoPendingRequest = errors.New("no pending request")

// Request is one pending pairing request
type Request struct {
	ID         string            `json:"id"`
	Code       string            `json:"code"`
	CreatedAt  string            `json:"createdAt"`
	LastSeenAt string            `json:"lastSeenAt"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Created parses CreatedAt; unparseable values yield the zero time
func (r Request) Created() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return t
}

// LastSeen parses LastSeenAt
func (r Request) LastSeen() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.LastSeenAt)
	return t
}

// DisplayName renders "<id>[ <first_name>][ (@username)]"
func (r Request) DisplayName() string {
	var b strings.Builder
	b.WriteString(r.ID)
	if v := r.Meta["first_name"]; v != "" {
		b.WriteString(" " + v)
	}
	if v := r.Meta["username"]; v != "" {
		b.WriteString(" (@" + v + ")")
	}
	return b.String()
}

// RequestFile is the telegram-pairing.json document
type RequestFile struct {
	Version  int       `json:"version"`
	Requests []Request `json:"requests"`
}

// AllowFromFile is the telegram-allowFrom.json document
type AllowFromFile struct {
	Version   int      `json:"version"`
	AllowFrom []string `json:"allowFrom"`
}

// Store reads and writes both documents. Paths are resolved on every call
// since the credentials directory may appear after startup.
type Store struct {
	stateDir string
	ttl      time.Duration
	now      func() time.Time

	mu sync.Mutex
}

// NewStore creates a store rooted at the agent state directory
func NewStore(stateDir string) *Store {
	return &Store{
		stateDir: stateDir,
		ttl:      config.PairingTTL,
		now:      time.Now,
	}
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// AllowFrom returns the allowlisted sender ids
func (s *Store) AllowFrom() ([]string, error) {
	doc, err := s.readAllowFrom(false)
	if err != nil {
		return nil, err
	}
	return doc.AllowFrom, nil
}

// AllowSet returns the allowlist as a set
func (s *Store) AllowSet() (map[string]struct{}, error) {
	ids, err := s.AllowFrom()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// IsAllowed reports whether senderID is on the allowlist
func (s *Store) IsAllowed(senderID string) (bool, error) {
	set, err := s.AllowSet()
	if err != nil {
		return false, err
	}
	_, ok := set[senderID]
	return ok, nil
}

// Allow appends senderID to the allowlist. It reports false when the id was
// already present.
func (s *Store) Allow(senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowLocked(senderID)
}

func (s *Store) allowLocked(senderID string) (bool, error) {
	doc, err := s.readAllowFrom(true)
	if err != nil {
		return false, err
	}
	for _, id := range doc.AllowFrom {
		if id == senderID {
			return false, nil
		}
	}
	doc.AllowFrom = append(doc.AllowFrom, senderID)
	return true, jsonstore.WriteJSON(config.AllowFromFilePath(s.stateDir), doc)
}

// Pending returns unexpired requests in file order
func (s *Store) Pending() ([]Request, error) {
	doc, err := s.readRequests()
	if err != nil {
		return nil, err
	}
	return s.filterExpired(doc.Requests), nil
}

// Approve removes the live request matching code (case-insensitive) and
// adds its sender to the allowlist. Expired requests are dropped from the
// file in the same write.
func (s *Store) Approve(code string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readRequests()
	if err != nil {
		return nil, err
	}
	active := s.filterExpired(doc.Requests)

	idx := -1
	for i, r := range active {
		if strings.EqualFold(r.Code, code) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrNoPendingRequest
	}

	req := active[idx]
	if _, err := s.allowLocked(req.ID); err != nil {
		return nil, err
	}

	active = append(active[:idx], active[idx+1:]...)
	if err := jsonstore.WriteJSON(config.PairingFilePath(s.stateDir), RequestFile{Version: fileVersion, Requests: active}); err != nil {
		return nil, err
	}

	log.Printf("[Pairing] action=approve sender_id=%s", req.ID)
	return &req, nil
}

func (s *Store) filterExpired(requests []Request) []Request {
	now := s.now()
	active := make([]Request, 0, len(requests))
	for _, r := range requests {
		if now.Sub(r.Created()) < s.ttl {
			active = append(active, r)
		}
	}
	return active
}

// readAllowFrom treats a missing, unreadable or wrong-version document as
// empty. With strict set, read and parse errors are returned instead.
func (s *Store) readAllowFrom(strict bool) (AllowFromFile, error) {
	path := config.AllowFromFilePath(s.stateDir)
	var doc AllowFromFile
	found, err := jsonstore.ReadJSON(path, &doc)
	if err != nil {
		if strict {
			return AllowFromFile{}, err
		}
		log.Printf("[Pairing] action=read_allowfrom path=%s error=%v", path, err)
		return AllowFromFile{Version: fileVersion, AllowFrom: []string{}}, nil
	}
	if !found || doc.Version != fileVersion || doc.AllowFrom == nil {
		return AllowFromFile{Version: fileVersion, AllowFrom: []string{}}, nil
	}
	return doc, nil
}

func (s *Store) readRequests() (RequestFile, error) {
	path := config.PairingFilePath(s.stateDir)
	var doc RequestFile
	found, err := jsonstore.ReadJSON(path, &doc)
	if err != nil {
		log.Printf("[Pairing] action=read_requests path=%s error=%v", path, err)
		return RequestFile{Version: fileVersion, Requests: []Request{}}, nil
	}
	if !found || doc.Version != fileVersion || doc.Requests == nil {
		return RequestFile{Version: fileVersion, Requests: []Request{}}, nil
	}
	return doc, nil
}
