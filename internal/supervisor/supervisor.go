package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// Supervisor owns the tool server fleet: it persists records, assigns
// ports, spawns child processes, and restarts them when they crash.
type Supervisor struct {
	records     *RecordStore
	ports       *Allocator
	backendAddr string
	logsDir     string

	// Overridable in tests so process behavior can be simulated
	// without a real tool server binary.
	command func(record ServerRecord, port int, backendAddr string) *exec.Cmd
	healthy func(ctx context.Context, port int) bool

	mu       sync.Mutex
	procs    map[string]*process
	restarts map[string][]time.Time
	closed   bool
}

// Options configures a Supervisor.
type Options struct {
	RecordsPath string
	PortStart   int
	PortMax     int
	BackendAddr string
	LogsDir     string
}

// New loads the record file and prepares the supervisor. No processes
// are started; call StartEnabled for that.
func New(opts Options) (*Supervisor, error) {
	records, err := OpenRecordStore(opts.RecordsPath)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		records:     records,
		ports:       NewAllocator(opts.PortStart, opts.PortMax),
		backendAddr: opts.BackendAddr,
		logsDir:     opts.LogsDir,
		command:     defaultCommand,
		healthy:     defaultHealthy,
		procs:       make(map[string]*process),
		restarts:    make(map[string][]time.Time),
	}, nil
}

// List returns all tool server records.
func (s *Supervisor) List() []ServerRecord { return s.records.List() }

// Get returns one tool server record.
func (s *Supervisor) Get(id string) (ServerRecord, error) { return s.records.Get(id) }

// Create defines a new tool server and assigns it a port. A non-zero
// requestedPort is honored when it is free within the range, otherwise
// the allocator picks. When enabled, the server is started immediately.
func (s *Supervisor) Create(ctx context.Context, name string, kbIDs []string, requestedPort int, enabled bool, overrides Overrides) (ServerRecord, error) {
	return s.create(ctx, name, kbIDs, requestedPort, enabled, overrides, false)
}

func (s *Supervisor) create(ctx context.Context, name string, kbIDs []string, requestedPort int, enabled bool, overrides Overrides, managed bool) (ServerRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ServerRecord{}, kberr.New(kberr.KindInvalidInput, "tool server name is required")
	}
	if len(kbIDs) == 0 {
		return ServerRecord{}, kberr.New(kberr.KindInvalidInput, "tool server needs at least one knowledge base")
	}

	port, err := s.ports.AllocatePreferred(requestedPort, s.records.UsedPorts())
	if err != nil {
		return ServerRecord{}, err
	}

	record := ServerRecord{
		ID:        uuid.NewString(),
		Name:      name,
		KBIDs:     kbIDs,
		Port:      port,
		BaseURL:   baseURL(port),
		Enabled:   enabled,
		Managed:   managed,
		Overrides: overrides,
		Status:    StatusStopped,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.records.Put(record); err != nil {
		return ServerRecord{}, err
	}

	if enabled {
		if err := s.Start(ctx, record.ID); err != nil {
			slog.Warn("tool server created but failed to start",
				slog.String("server_id", record.ID), slog.String("error", err.Error()))
		}
	}
	return s.records.Get(record.ID)
}

// ServerUpdate carries the mutable fields of a tool server. Nil fields
// are left unchanged.
type ServerUpdate struct {
	Name      *string
	KBIDs     []string
	Enabled   *bool
	Overrides *Overrides
}

// Update applies changes to a record. A running server is restarted so
// the changes take effect; disabling stops it.
func (s *Supervisor) Update(ctx context.Context, id string, upd ServerUpdate) (ServerRecord, error) {
	record, err := s.records.Get(id)
	if err != nil {
		return ServerRecord{}, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return ServerRecord{}, kberr.New(kberr.KindInvalidInput, "tool server name is required")
		}
		record.Name = name
	}
	if upd.KBIDs != nil {
		if len(upd.KBIDs) == 0 {
			return ServerRecord{}, kberr.New(kberr.KindInvalidInput, "tool server needs at least one knowledge base")
		}
		record.KBIDs = upd.KBIDs
	}
	if upd.Overrides != nil {
		record.Overrides = *upd.Overrides
	}
	if upd.Enabled != nil {
		record.Enabled = *upd.Enabled
	}
	if err := s.records.Put(record); err != nil {
		return ServerRecord{}, err
	}

	wasRunning := s.isRunning(id)
	switch {
	case upd.Enabled != nil && !*upd.Enabled && wasRunning:
		if err := s.Stop(id); err != nil {
			return ServerRecord{}, err
		}
	case wasRunning:
		if err := s.Restart(ctx, id); err != nil {
			return ServerRecord{}, err
		}
	case record.Enabled && upd.Enabled != nil && *upd.Enabled:
		if err := s.Start(ctx, id); err != nil {
			return ServerRecord{}, err
		}
	}
	return s.records.Get(id)
}

// Delete stops the server if running and removes its record. The
// managed per-knowledge-base default cannot be deleted directly; it
// goes away with its knowledge base.
func (s *Supervisor) Delete(id string) error {
	record, err := s.records.Get(id)
	if err != nil {
		return err
	}
	if record.Managed {
		return kberr.New(kberr.KindInvalidInput,
			"the default tool server is removed with its knowledge base").
			WithDetail("server_id", id)
	}
	return s.remove(id)
}

func (s *Supervisor) remove(id string) error {
	if s.isRunning(id) {
		if err := s.Stop(id); err != nil {
			return err
		}
	}
	return s.records.Delete(id)
}

func baseURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/mcp", port)
}

// Start launches a tool server and waits for it to become healthy.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	record, err := s.records.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return kberr.New(kberr.KindConflict, "supervisor is shut down")
	}
	if _, live := s.procs[id]; live {
		s.mu.Unlock()
		return kberr.New(kberr.KindConflict, "tool server already running").WithDetail("server_id", id)
	}
	s.mu.Unlock()

	// The assigned port may have been taken by another process while
	// the server was down. Move rather than fail.
	if s.portTaken(record.Port) {
		port, err := s.ports.Allocate(s.records.UsedPorts())
		if err != nil {
			return err
		}
		slog.Warn("tool server port taken, reassigning",
			slog.String("server_id", id), slog.Int("old_port", record.Port), slog.Int("new_port", port))
		record.Port = port
		record.BaseURL = baseURL(port)
		if err := s.records.Put(record); err != nil {
			return err
		}
	}

	return s.launch(ctx, record)
}

func (s *Supervisor) portTaken(port int) bool {
	return port <= 0 || s.ports.probe(port)
}

func (s *Supervisor) launch(ctx context.Context, record ServerRecord) error {
	if err := s.records.SetStatus(record.ID, StatusStarting, ""); err != nil {
		return err
	}

	p, err := s.spawn(ctx, record, record.Port)
	if err != nil {
		wrapped := kberr.Wrap(kberr.KindSubprocessFailed, "spawn tool server", err)
		_ = s.records.SetStatus(record.ID, StatusCrashed, wrapped.Error())
		return wrapped
	}

	if err := s.awaitHealthy(ctx, p); err != nil {
		terminate(p)
		wrapped := kberr.Wrap(kberr.KindSubprocessFailed, "tool server failed to start", err)
		_ = s.records.SetStatus(record.ID, StatusCrashed, wrapped.Error())
		return wrapped
	}

	s.mu.Lock()
	s.procs[record.ID] = p
	s.mu.Unlock()

	if err := s.records.SetStatus(record.ID, StatusRunning, ""); err != nil {
		return err
	}
	slog.Info("tool server started",
		slog.String("server_id", record.ID), slog.String("name", record.Name), slog.Int("port", record.Port))

	go s.monitor(record.ID, p)
	return nil
}

// Stop terminates a running tool server. Stopping a server that is not
// running is a no-op.
func (s *Supervisor) Stop(id string) error {
	if _, err := s.records.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	p, live := s.procs[id]
	if live {
		p.stopping = true
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if !live {
		return nil
	}

	terminate(p)
	slog.Info("tool server stopped", slog.String("server_id", id))
	return s.records.SetStatus(id, StatusStopped, "")
}

// Restart stops and starts a tool server.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.Stop(id); err != nil {
		return err
	}
	return s.Start(ctx, id)
}

func (s *Supervisor) liveIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]bool, len(s.procs))
	for id := range s.procs {
		live[id] = true
	}
	return live
}

func (s *Supervisor) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, live := s.procs[id]
	return live
}

// monitor watches one child until it exits and decides what the exit
// means: intentional stop, clean exit, or crash worth restarting.
func (s *Supervisor) monitor(id string, p *process) {
	<-p.done

	s.mu.Lock()
	current, tracked := s.procs[id]
	if tracked && current == p {
		delete(s.procs, id)
	}
	stopping := p.stopping
	closed := s.closed
	s.mu.Unlock()

	if stopping || closed {
		return
	}

	if exitedCleanly(p.cmd) {
		slog.Info("tool server exited", slog.String("server_id", id))
		_ = s.records.SetStatus(id, StatusStopped, "")
		return
	}

	reason := fmt.Sprintf("process crashed: %s", exitDescription(p.cmd))
	slog.Warn("tool server crashed", slog.String("server_id", id), slog.String("exit", exitDescription(p.cmd)))
	_ = s.records.SetStatus(id, StatusCrashed, reason)

	if !s.withinRestartBudget(id) {
		slog.Error("tool server crash-looping, giving up",
			slog.String("server_id", id), slog.Int("budget", RestartBudget))
		_ = s.records.SetStatus(id, StatusCrashed,
			fmt.Sprintf("%s (restarted %d times within %s, giving up)", reason, RestartBudget, RestartWindow))
		return
	}

	if err := s.Start(context.Background(), id); err != nil {
		slog.Error("tool server restart failed",
			slog.String("server_id", id), slog.String("error", err.Error()))
	}
}

// withinRestartBudget records a crash and reports whether an automatic
// restart is still allowed.
func (s *Supervisor) withinRestartBudget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RestartWindow)
	recent := s.restarts[id][:0]
	for _, at := range s.restarts[id] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	s.restarts[id] = recent
	return len(recent) <= RestartBudget
}

// StartEnabled starts every enabled tool server. Individual failures
// are logged and do not stop the others.
func (s *Supervisor) StartEnabled(ctx context.Context) {
	for _, record := range s.records.List() {
		if !record.Enabled {
			continue
		}
		if err := s.Start(ctx, record.ID); err != nil {
			slog.Warn("tool server failed to start",
				slog.String("server_id", record.ID), slog.String("error", err.Error()))
		}
	}
}

// StopAll shuts the fleet down. The supervisor accepts no further
// starts afterwards.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.closed = true
	procs := make(map[string]*process, len(s.procs))
	for id, p := range s.procs {
		p.stopping = true
		procs[id] = p
	}
	s.procs = make(map[string]*process)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, p := range procs {
		wg.Add(1)
		go func(id string, p *process) {
			defer wg.Done()
			terminate(p)
			_ = s.records.SetStatus(id, StatusStopped, "")
		}(id, p)
	}
	wg.Wait()
}

// OnKBCreated gives a new knowledge base its own managed tool server,
// created disabled so the operator decides when to expose it.
func (s *Supervisor) OnKBCreated(ctx context.Context, kbID, kbName string) (ServerRecord, error) {
	return s.create(ctx, kbName+" - assigned", []string{kbID}, 0, false, Overrides{}, true)
}

// OnKBRenamed restarts running servers that expose the renamed
// knowledge base so their tool descriptions refresh.
func (s *Supervisor) OnKBRenamed(ctx context.Context, kbID string) {
	for _, record := range s.records.FindByKB(kbID) {
		if !s.isRunning(record.ID) {
			continue
		}
		if err := s.Restart(ctx, record.ID); err != nil {
			slog.Warn("tool server restart after rename failed",
				slog.String("server_id", record.ID), slog.String("error", err.Error()))
		}
	}
}

// OnKBDeleted detaches the knowledge base from every server. Servers
// left with no knowledge bases are deleted.
func (s *Supervisor) OnKBDeleted(ctx context.Context, kbID string) {
	for _, record := range s.records.FindByKB(kbID) {
		remaining := record.WithoutKB(kbID)
		if len(remaining) == 0 {
			if err := s.remove(record.ID); err != nil {
				slog.Warn("tool server delete after kb removal failed",
					slog.String("server_id", record.ID), slog.String("error", err.Error()))
			}
			continue
		}
		record.KBIDs = remaining
		if err := s.records.Put(record); err != nil {
			slog.Warn("tool server record update failed",
				slog.String("server_id", record.ID), slog.String("error", err.Error()))
			continue
		}
		if s.isRunning(record.ID) {
			if err := s.Restart(ctx, record.ID); err != nil {
				slog.Warn("tool server restart after kb removal failed",
					slog.String("server_id", record.ID), slog.String("error", err.Error()))
			}
		}
	}
}

// Watch reloads the record file when it is edited outside the API.
// It blocks until the context is done.
func (s *Supervisor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "create records watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.records.Path())); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "watch records directory", err)
	}

	target := filepath.Base(s.records.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.records.Reload(s.liveIDs()); err != nil {
				slog.Warn("reload tool server records failed", slog.String("error", err.Error()))
			} else {
				slog.Debug("tool server records reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("records watcher error", slog.String("error", err.Error()))
		}
	}
}
