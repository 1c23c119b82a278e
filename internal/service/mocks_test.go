package service

import (
	"context"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/events"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/repository"
	"github.com/prn-tf/bastion/internal/session"
)

var (
	steveUUID = uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")
	alexUUID  = uuid.MustParse("ec561538-f3fd-461d-aff5-086b22154bce")
	testAddr  = netip.MustParseAddr("203.0.113.5")
)

// MockIdentityRepository is an in-memory repository.IdentityRepository.
type MockIdentityRepository struct {
	mu        sync.Mutex
	nextID    int64
	byID      map[int64]domain.Identity
	players   map[uuid.UUID]*domain.PlayerIdentity
	networks  map[netip.Addr]*domain.NetworkIdentity
	links     map[int64]map[int64]time.Time // network id -> player id -> last seen
	history   map[int64][]domain.UsernameEntry
	refreshed map[uuid.UUID]time.Time

	saves   int
	saveErr error
	getErr  error

	usernameReads int
	saveGate      chan struct{}
	saveStarted   chan struct{}
}

func NewMockIdentityRepository() *MockIdentityRepository {
	return &MockIdentityRepository{
		nextID:    1,
		byID:      map[int64]domain.Identity{domain.ConsoleID: domain.Console},
		players:   make(map[uuid.UUID]*domain.PlayerIdentity),
		networks:  make(map[netip.Addr]*domain.NetworkIdentity),
		links:     make(map[int64]map[int64]time.Time),
		history:   make(map[int64][]domain.UsernameEntry),
		refreshed: make(map[uuid.UUID]time.Time),
	}
}

func (m *MockIdentityRepository) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MockIdentityRepository) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// HoldSaves makes SavePlayer block until release is closed.
// Each blocked call sends on the returned started channel.
func (m *MockIdentityRepository) HoldSaves() (started <-chan struct{}, release chan<- struct{}) {
	m.saveStarted = make(chan struct{}, 8)
	m.saveGate = make(chan struct{})
	return m.saveStarted, m.saveGate
}

func (m *MockIdentityRepository) UsernameReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usernameReads
}

func (m *MockIdentityRepository) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if identity, ok := m.byID[id]; ok {
		return identity, nil
	}
	return nil, repository.ErrNotFound
}

func (m *MockIdentityRepository) GetPlayerByUUID(ctx context.Context, id uuid.UUID) (*domain.PlayerIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if p, ok := m.players[id]; ok {
		c := *p
		return &c, nil
	}
	return nil, repository.ErrNotFound
}

func (m *MockIdentityRepository) GetPlayerByUsername(ctx context.Context, username string) (*domain.PlayerIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usernameReads++
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, p := range m.players {
		if strings.EqualFold(p.Username, username) {
			c := *p
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MockIdentityRepository) GetNetworkByAddress(ctx context.Context, addr netip.Addr) (*domain.NetworkIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.networks[addr]; ok {
		c := *n
		return &c, nil
	}
	return nil, repository.ErrNotFound
}

func (m *MockIdentityRepository) ListPlayersByAddress(ctx context.Context, addr netip.Addr) ([]*domain.PlayerIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[addr]
	if !ok {
		return nil, nil
	}
	var out []*domain.PlayerIdentity
	for playerID := range m.links[n.ID] {
		c := *m.byID[playerID].(*domain.PlayerIdentity)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockIdentityRepository) SavePlayer(ctx context.Context, save repository.PlayerSave) (*domain.PlayerIdentity, error) {
	if m.saveGate != nil {
		select {
		case m.saveStarted <- struct{}{}:
		default:
		}
		<-m.saveGate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return nil, m.saveErr
	}

	p, ok := m.players[save.UUID]
	if !ok {
		p = &domain.PlayerIdentity{ID: m.nextID, UUID: save.UUID}
		m.nextID++
		m.players[save.UUID] = p
		m.byID[p.ID] = p
		m.refreshed[save.UUID] = time.UnixMilli(save.RefreshedAtMillis())
	}
	p.Username = save.Username
	if save.Reconciled && save.At.After(m.refreshed[save.UUID]) {
		m.refreshed[save.UUID] = save.At
	}

	for _, e := range save.History {
		if !slices.ContainsFunc(m.history[p.ID], e.Equal) {
			m.history[p.ID] = append(m.history[p.ID], e)
		}
	}
	if len(m.history[p.ID]) == 0 {
		m.history[p.ID] = []domain.UsernameEntry{{Username: save.Username}}
	}

	c := *p
	return &c, nil
}

func (m *MockIdentityRepository) RecordAddress(ctx context.Context, playerID int64, addr netip.Addr, seenAt time.Time) (*domain.NetworkIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[playerID]; !ok {
		return nil, repository.ErrNotFound
	}
	n, ok := m.networks[addr]
	if !ok {
		n = domain.NewNetworkIdentity(addr)
		n.ID = m.nextID
		m.nextID++
		m.networks[addr] = n
		m.byID[n.ID] = n
		m.links[n.ID] = make(map[int64]time.Time)
	}
	m.links[n.ID][playerID] = seenAt
	c := *n
	return &c, nil
}

func (m *MockIdentityRepository) GetUsernameHistory(ctx context.Context, playerID int64) (*domain.UsernameHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.byID[playerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p, ok := identity.(*domain.PlayerIdentity)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return domain.NewUsernameHistory(p.UUID, m.history[playerID]), nil
}

func (m *MockIdentityRepository) GetRefreshedAt(ctx context.Context, id uuid.UUID) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refreshed[id]
	if !ok {
		return time.Time{}, repository.ErrNotFound
	}
	return t, nil
}

// storedPunishment is a row of MockPunishmentRepository.
type storedPunishment struct {
	p        *domain.Punishment
	lifted   bool
	liftedBy *int64
}

// MockPunishmentRepository is an in-memory repository.PunishmentRepository.
// Reads return fresh instances, as a database would.
type MockPunishmentRepository struct {
	mu     sync.Mutex
	rows   map[int64]*storedPunishment
	nextID int64

	creates   int
	lifts     int
	lists     int
	createErr error
	liftErr   error
	listErr   error
	expireN    int64
	expiredAt  []int64
	expireGate chan struct{}

	listGate    chan struct{}
	listStarted chan struct{}
}

func NewMockPunishmentRepository() *MockPunishmentRepository {
	return &MockPunishmentRepository{
		rows:   make(map[int64]*storedPunishment),
		nextID: 1,
	}
}

func (m *MockPunishmentRepository) Lifts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifts
}

func (m *MockPunishmentRepository) Lists() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

func (m *MockPunishmentRepository) SetLiftErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liftErr = err
}

func (m *MockPunishmentRepository) Row(id int64) (lifted bool, liftedBy *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	return r.lifted, r.liftedBy
}

// Seed stores p as if it had been created earlier.
func (m *MockPunishmentRepository) Seed(p *domain.Punishment) *domain.Punishment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextID
	m.nextID++
	m.rows[p.ID] = &storedPunishment{p: p, lifted: p.Lifted(), liftedBy: p.LiftedBy()}
	return p
}

func (m *MockPunishmentRepository) restore(r *storedPunishment) *domain.Punishment {
	p := r.p
	return domain.RestorePunishment(p.ID, p.Type, p.Target, p.Punisher, p.Reason, p.CreatedAt, p.DurationMs, r.lifted, r.liftedBy)
}

func (m *MockPunishmentRepository) Create(ctx context.Context, p *domain.Punishment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return m.createErr
	}
	p.ID = m.nextID
	m.nextID++
	m.rows[p.ID] = &storedPunishment{p: p}
	return nil
}

func (m *MockPunishmentRepository) GetByID(ctx context.Context, id int64) (*domain.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.restore(r), nil
}

func (m *MockPunishmentRepository) ListByTarget(ctx context.Context, targetID int64) ([]*domain.Punishment, error) {
	out, err := m.listByTarget(targetID)
	if m.listGate != nil {
		// Rows are read; hold the result back like a slow connection would.
		select {
		case m.listStarted <- struct{}{}:
		default:
		}
		<-m.listGate
	}
	return out, err
}

func (m *MockPunishmentRepository) listByTarget(targetID int64) ([]*domain.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*domain.Punishment, 0)
	for _, r := range m.rows {
		if r.p.Target.StoreID() == targetID {
			out = append(out, m.restore(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HoldLists makes the next ListByTarget calls block after reading their rows.
// Each blocked call sends on the returned started channel; closing release lets them finish.
func (m *MockPunishmentRepository) HoldLists() (started <-chan struct{}, release chan<- struct{}) {
	m.listStarted = make(chan struct{}, 8)
	m.listGate = make(chan struct{})
	return m.listStarted, m.listGate
}

func (m *MockPunishmentRepository) Lift(ctx context.Context, id int64, liftedBy *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifts++
	if m.liftErr != nil {
		return false, m.liftErr
	}
	r, ok := m.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if r.lifted {
		return false, nil
	}
	r.lifted = true
	r.liftedBy = liftedBy
	return true, nil
}

// ExpireRow lifts a row without a lifter, as a sweep on another server would.
func (m *MockPunishmentRepository) ExpireRow(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].lifted = true
}

func (m *MockPunishmentRepository) ExpireElapsed(ctx context.Context, nowMs int64) (int64, error) {
	if m.expireGate != nil {
		<-m.expireGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredAt = append(m.expiredAt, nowMs)
	return m.expireN, nil
}

func (m *MockPunishmentRepository) ForEach(ctx context.Context, fn func(*domain.Punishment) error) error {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		p, err := m.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// fakeDirectory answers lookups from a fixed set of profiles and counts calls.
type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[string]*directory.Profile
	calls    int
	err      error
}

func newFakeDirectory(profiles ...*directory.Profile) *fakeDirectory {
	d := &fakeDirectory{profiles: make(map[string]*directory.Profile)}
	for _, p := range profiles {
		d.add(p)
	}
	return d
}

func (d *fakeDirectory) add(p *directory.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[strings.ToLower(p.Username)] = p
	d.profiles[p.UUID.String()] = p
}

func (d *fakeDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDirectory) Lookup(ctx context.Context, key string) (*directory.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.profiles[strings.ToLower(key)]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrIdentityNotFound, "unknown to directory", key)
	}
	c := *p
	return &c, nil
}

// recordingEnforcer remembers enforcement actions.
type recordingEnforcer struct {
	mu          sync.Mutex
	disconnects []string
	suppressed  []string
}

func (e *recordingEnforcer) Disconnect(_ context.Context, s *session.Session, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnects = append(e.disconnects, s.Username)
	return nil
}

func (e *recordingEnforcer) Suppress(_ context.Context, s *session.Session, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suppressed = append(e.suppressed, s.Username)
	return nil
}

func (e *recordingEnforcer) Disconnects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.disconnects)
}

func (e *recordingEnforcer) Suppressed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.suppressed)
}

// recordingPublisher remembers published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.Kind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// testEnv wires the services on fakes with a manual clock.
type testEnv struct {
	clock       *clock.Mock
	identities  *MockIdentityRepository
	punishments *MockPunishmentRepository
	directory   *fakeDirectory
	enforcer    *recordingEnforcer
	publisher   *recordingPublisher
	registry    *session.Registry
	writeBack   *WriteBack

	identityCache   *IdentityCache
	punishmentCache *PunishmentCache
	resolver        *IdentityResolver
	lifecycle       *PunishmentLifecycle
	sessions        *SessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clk := clock.NewMock(time.UnixMilli(1_000))
	logger := zerolog.Nop()

	env := &testEnv{
		clock:       clk,
		identities:  NewMockIdentityRepository(),
		punishments: NewMockPunishmentRepository(),
		directory: newFakeDirectory(
			&directory.Profile{UUID: steveUUID, Username: "Steve"},
			&directory.Profile{UUID: alexUUID, Username: "Alex"},
		),
		enforcer:  &recordingEnforcer{},
		publisher: &recordingPublisher{},
		writeBack: NewWriteBack(time.Second, nil, logger),
	}
	env.registry = session.NewRegistry(env.enforcer, nil, logger)

	env.identityCache = NewIdentityCache(IdentityCacheConfig{
		TTL:      2 * time.Minute,
		Capacity: 16,
		Clock:    clk,
	}, env.registry)
	env.punishmentCache = NewPunishmentCache(env.punishments, PunishmentCacheConfig{
		TTL:      5 * time.Minute,
		Capacity: 16,
		Clock:    clk,
	}, env.registry)

	env.resolver = NewIdentityResolver(env.identities, env.identityCache, env.directory, clk, ResolverConfig{}, nil, logger)
	env.lifecycle = NewPunishmentLifecycle(env.punishments, env.punishmentCache, env.registry, env.publisher, env.writeBack, clk, nil, logger)
	env.sessions = NewSessionService(env.resolver, env.lifecycle, env.punishmentCache, env.registry, env.writeBack, clk, logger)

	t.Cleanup(func() {
		env.writeBack.Wait()
		env.identityCache.Stop()
		env.punishmentCache.Stop()
	})
	return env
}

// player stores a player directly, bypassing the directory.
func (e *testEnv) player(t *testing.T, id uuid.UUID, name string) *domain.PlayerIdentity {
	t.Helper()
	p, err := e.identities.SavePlayer(context.Background(), repository.PlayerSave{
		UUID:       id,
		Username:   name,
		At:         e.clock.Now(),
		Reconciled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}
