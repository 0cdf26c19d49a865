package governance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// fakeGateway records every call in order and replays scripted errors.
type fakeGateway struct {
	self   string
	groups map[string]*Group

	mu        sync.Mutex
	calls     []string
	errs      map[string][]error // "op:target" → errors returned in sequence
	metaErr   error
	metaCalls atomic.Int32
	metaDelay time.Duration
}

func newFakeGateway(self string) *fakeGateway {
	return &fakeGateway{
		self:   self,
		groups: make(map[string]*Group),
		errs:   make(map[string][]error),
	}
}

func (f *fakeGateway) addGroup(g *Group) { f.groups[g.ID] = g }

func (f *fakeGateway) failWith(op Op, target string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(op) + ":" + target
	f.errs[key] = append(f.errs[key], errs...)
}

func (f *fakeGateway) record(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entry)
}

func (f *fakeGateway) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) GroupMetadata(_ context.Context, groupID string) (*Group, error) {
	f.metaCalls.Add(1)
	if f.metaDelay > 0 {
		time.Sleep(f.metaDelay)
	}
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	g, ok := f.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	return g, nil
}

func (f *fakeGateway) UpdateParticipants(_ context.Context, groupID string, ids []string, op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	for _, id := range ids {
		f.calls = append(f.calls, fmt.Sprintf("%s(%s,%s)", op, groupID, id))
		key := string(op) + ":" + id
		if q := f.errs[key]; len(q) > 0 {
			err = q[0]
			f.errs[key] = q[1:]
		}
	}
	return err
}

func (f *fakeGateway) SelfID() string { return f.self }

// recordSleeps replaces the executor sleep with one that logs into gw.
func recordSleeps(e *Enforcer, gw *fakeGateway) {
	e.exec.sleep = func(_ context.Context, d time.Duration) error {
		gw.record("sleep(" + d.String() + ")")
		return nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")

const (
	groupG = "120363000000000001@g.us"
	ownerO = "5511900000001@s.whatsapp.net"
	botB   = "5511900000002@s.whatsapp.net"
	userA  = "5511900000003@s.whatsapp.net"
	userX  = "5511900000004@s.whatsapp.net"
	userY  = "5511900000005@s.whatsapp.net"
)

func testGroup() *Group {
	return &Group{
		ID:    groupG,
		Owner: ownerO,
		Participants: []Participant{
			{ID: ownerO, IsAdmin: true},
			{ID: botB, IsAdmin: true},
			{ID: userA, IsAdmin: true},
			{ID: userX},
			{ID: userY},
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 2 * time.Second
	cfg.PurgeDelay = time.Second
	cfg.Breaker.MaxFailures = 0
	return cfg
}

func newTestEnforcer(cfg Config) (*Enforcer, *fakeGateway) {
	gw := newFakeGateway(botB)
	gw.addGroup(testGroup())
	e := NewEnforcer(cfg, gw, nil, testLogger())
	recordSleeps(e, gw)
	return e, gw
}
