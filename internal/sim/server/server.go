package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/instantcloud/internal/models"
	"github.com/devghori1264/instantcloud/internal/sim/events"
	"github.com/devghori1264/instantcloud/internal/sim/storage"
)

var (
	ErrUnknownAccount  = errors.New("unknown account")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Launch limits and defaults.
const (
	MaxLaunch           = 100
	DefaultRegion       = "us-east-1"
	DefaultMachineType  = "c4.large"
	DefaultLicenseType  = "light"
	DefaultIdleShutdown = 60
)

// EventPublisher receives machine lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// LaunchRequest holds the launch parameters. Zero values mean "not given".
type LaunchRequest struct {
	NumMachines  int
	LicenseType  string
	LicenseID    string
	UserPassword string
	Region       string
	IdleShutdown int
	MachineType  string
	GRBVersion   string
}

// Server implements the simulated machine service and drives each
// machine from launching to idle.
type Server struct {
	store     storage.Store
	log       *zap.Logger
	events    EventPublisher
	bootDelay time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	keys map[string]string
	// in-memory cache of machines keyed by account/id; persisted in store.
	cache map[string]models.Machine
	// operations mutex per machine
	opMu sync.Map

	boots sync.WaitGroup
	done  chan struct{}
	once  sync.Once
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithEvents(p EventPublisher) Option {
	return func(s *Server) { s.events = p }
}

// WithBootDelay sets how long a machine stays in the launching state.
func WithBootDelay(d time.Duration) Option {
	return func(s *Server) { s.bootDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a new server instance.
func New(store storage.Store, opts ...Option) *Server {
	s := &Server{
		store:     store,
		log:       zap.NewNop(),
		bootDelay: 500 * time.Millisecond,
		now:       time.Now,
		keys:      make(map[string]string),
		cache:     make(map[string]models.Machine),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close stops pending boot transitions and waits for them to exit.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
	s.boots.Wait()
}

// RegisterAccount makes an account known and seeds its licenses on first
// registration.
func (s *Server) RegisterAccount(ctx context.Context, a Account) error {
	if a.ID == "" || strings.Contains(a.ID, ":") {
		return fmt.Errorf("%w: account id %q", ErrInvalidArgument, a.ID)
	}
	if a.Key == "" {
		return fmt.Errorf("%w: account %s has no key", ErrInvalidArgument, a.ID)
	}

	s.mu.Lock()
	s.keys[a.ID] = a.Key
	s.mu.Unlock()

	existing, err := s.store.ListLicenses(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list licenses: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, seed := range a.Licenses {
		l := seed.license()
		if err := s.store.SaveLicense(ctx, a.ID, l); err != nil {
			return fmt.Errorf("save license: %w", err)
		}
	}
	s.log.Info("account registered", zap.String("account", a.ID), zap.Int("licenses", len(a.Licenses)))
	return nil
}

// SecretKey returns the key of account.
func (s *Server) SecretKey(account string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[account]
	return k, ok
}

// Licenses lists the licenses of account.
func (s *Server) Licenses(ctx context.Context, account string) ([]models.License, error) {
	if _, ok := s.SecretKey(account); !ok {
		return nil, ErrUnknownAccount
	}
	ls, err := s.store.ListLicenses(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]models.License, 0, len(ls))
	for _, l := range ls {
		out = append(out, *l)
	}
	return out, nil
}

// Machines lists the machines of account that have not been killed.
func (s *Server) Machines(ctx context.Context, account string) ([]models.Machine, error) {
	if _, ok := s.SecretKey(account); !ok {
		return nil, ErrUnknownAccount
	}
	ms, err := s.store.ListMachines(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]models.Machine, 0, len(ms))
	for _, m := range ms {
		if m.State != models.StateKilled {
			out = append(out, *m)
		}
	}
	return out, nil
}

// Launch creates req.NumMachines machines in the launching state and
// returns them.
func (s *Server) Launch(ctx context.Context, account string, req LaunchRequest) ([]models.Machine, error) {
	if _, ok := s.SecretKey(account); !ok {
		return nil, ErrUnknownAccount
	}
	req, err := s.resolveLaunch(ctx, account, req)
	if err != nil {
		return nil, err
	}

	out := make([]models.Machine, 0, req.NumMachines)
	for i := 0; i < req.NumMachines; i++ {
		id := uuid.NewString()
		password := req.UserPassword
		if password == "" {
			password = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
		m := models.Machine{
			ID:           id,
			Account:      account,
			DNSName:      fmt.Sprintf("ic-%s.%s.instantcloud.local", id[:8], req.Region),
			LicenseType:  req.LicenseType,
			State:        models.StateLaunching,
			MachineType:  req.MachineType,
			Region:       req.Region,
			IdleShutdown: models.Scalar(fmt.Sprint(req.IdleShutdown)),
			UserPassword: password,
			CreateTime:   s.now().UTC().Format(time.RFC3339),
			LicenseID:    models.Scalar(req.LicenseID),
			GRBVersion:   req.GRBVersion,
		}
		if err := s.save(ctx, m); err != nil {
			return out, fmt.Errorf("save: %w", err)
		}
		out = append(out, m)

		// spawn background startup routine
		s.boots.Add(1)
		go s.transitionToIdle(account, id)
	}

	s.publish(ctx, events.SubjectLaunched, account, out)
	return out, nil
}

// Kill moves the listed machines of account to the killed state and
// returns them. Unknown ids are skipped.
func (s *Server) Kill(ctx context.Context, account string, ids []string) ([]models.Machine, error) {
	if _, ok := s.SecretKey(account); !ok {
		return nil, ErrUnknownAccount
	}
	out := make([]models.Machine, 0, len(ids))
	for _, id := range ids {
		m, err := s.kill(ctx, account, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	s.publish(ctx, events.SubjectKilled, account, out)
	return out, nil
}

func (s *Server) kill(ctx context.Context, account, id string) (models.Machine, error) {
	mtx := s.acquireOpLock(account, id)
	defer mtx.Unlock()

	m, err := s.getMachineCached(ctx, account, id)
	if err != nil {
		return models.Machine{}, err
	}
	if m.State == models.StateKilled {
		return m, nil
	}
	m.State = models.StateKilled
	return m, s.save(ctx, m)
}

func (s *Server) resolveLaunch(ctx context.Context, account string, req LaunchRequest) (LaunchRequest, error) {
	if req.NumMachines == 0 {
		req.NumMachines = 1
	}
	if req.NumMachines < 1 || req.NumMachines > MaxLaunch {
		return req, fmt.Errorf("%w: numMachines must be between 1 and %d", ErrInvalidArgument, MaxLaunch)
	}
	if req.IdleShutdown < 0 {
		return req, fmt.Errorf("%w: idleShutdown must not be negative", ErrInvalidArgument)
	}
	if req.IdleShutdown == 0 {
		req.IdleShutdown = DefaultIdleShutdown
	}
	if req.Region == "" {
		req.Region = DefaultRegion
	}
	if req.MachineType == "" {
		req.MachineType = DefaultMachineType
	}
	if req.LicenseType == "" {
		req.LicenseType = DefaultLicenseType
	}

	licenses, err := s.store.ListLicenses(ctx, account)
	if err != nil {
		return req, err
	}
	if len(licenses) == 0 {
		return req, fmt.Errorf("%w: account has no license", ErrInvalidArgument)
	}
	if req.LicenseID == "" {
		req.LicenseID = licenses[0].LicenseID.String()
		return req, nil
	}
	for _, l := range licenses {
		if l.LicenseID.String() == req.LicenseID {
			return req, nil
		}
	}
	return req, fmt.Errorf("%w: unknown license %s", ErrInvalidArgument, req.LicenseID)
}

// transitionToIdle simulates a machine boot process.
func (s *Server) transitionToIdle(account, id string) {
	defer s.boots.Done()

	timer := time.NewTimer(s.bootDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
		return
	}

	mtx := s.acquireOpLock(account, id)
	defer mtx.Unlock()

	ctx := context.Background()
	m, err := s.getMachineCached(ctx, account, id)
	if err != nil {
		s.log.Warn("boot: machine lookup failed", zap.String("machine", id), zap.Error(err))
		return
	}
	if m.State != models.StateLaunching {
		return
	}
	m.State = models.StateIdle
	if err := s.save(ctx, m); err != nil {
		s.log.Warn("boot: save failed", zap.String("machine", id), zap.Error(err))
	}
}

func (s *Server) save(ctx context.Context, m models.Machine) error {
	if err := s.store.SaveMachine(ctx, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[cacheKey(m.Account, m.ID)] = m
	s.mu.Unlock()
	return nil
}

// getMachineCached returns a machine (from cache or store).
func (s *Server) getMachineCached(ctx context.Context, account, id string) (models.Machine, error) {
	key := cacheKey(account, id)
	s.mu.RLock()
	if m, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	m, err := s.store.GetMachine(ctx, account, id)
	if err != nil {
		return models.Machine{}, err
	}

	s.mu.Lock()
	s.cache[key] = *m
	s.mu.Unlock()

	return *m, nil
}

func (s *Server) publish(ctx context.Context, subject, account string, ms []models.Machine) {
	if s.events == nil || len(ms) == 0 {
		return
	}
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event":    subject,
		"account":  account,
		"machines": ids,
		"time":     s.now().Unix(),
	})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, subject, payload); err != nil {
		s.log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// acquireOpLock ensures only one op per machine at a time. The caller
// unlocks the returned mutex.
func (s *Server) acquireOpLock(account, id string) *sync.Mutex {
	v, _ := s.opMu.LoadOrStore(cacheKey(account, id), &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

func cacheKey(account, id string) string {
	return account + "/" + id
}
