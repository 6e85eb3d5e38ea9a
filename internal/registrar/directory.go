// Package registrar holds the in-memory registration directory: which
// users are reachable over which contact flows, plus the pending
// challenge transactions that link a client's retried request to the
// upstream transaction it must continue.
package registrar

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const expiryCleanupPeriod = 30 * time.Second

// Flow is one registered contact binding for a user.
type Flow struct {
	// InstanceID is the +sip.instance Contact parameter (RFC 5626).
	InstanceID string `json:"instance_id"`

	// RegID is the reg-id Contact parameter.
	RegID string `json:"reg_id"`

	// URI is the contact URI the client registered, without transport.
	URI string `json:"uri"`

	// Transport is the lowercased transport the REGISTER arrived on.
	Transport string `json:"transport"`

	// SourceAddress and SourcePort are where the REGISTER came from; calls
	// to the user are sent here so they reuse the client's connection.
	SourceAddress string `json:"source_address"`
	SourcePort    int    `json:"source_port"`

	// Expires is the granted registration lifetime in seconds.
	Expires int `json:"expires"`

	// ExpiresAt is the absolute time the binding lapses.
	ExpiresAt time.Time `json:"expires_at"`

	// AOR is the address-of-record the binding belongs to.
	AOR string `json:"aor"`

	// RegisteredAt is when the binding was last added or refreshed.
	RegisteredAt time.Time `json:"registered_at"`
}

// FlowKey identifies a flow within one user's binding set.
type FlowKey struct {
	InstanceID string
	RegID      string
}

func (f Flow) key() FlowKey {
	return FlowKey{InstanceID: f.InstanceID, RegID: f.RegID}
}

// Listener is invoked after a flow is added for the user it was
// registered against.
type Listener func(user string, flow Flow)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// Directory tracks registered users and their flows. All methods are safe
// for concurrent use; listeners are invoked outside the lock.
type Directory struct {
	multi  bool
	logger *slog.Logger

	mu           sync.Mutex
	users        map[string][]Flow
	transactions map[string]*Transaction
	listeners    map[string]map[ListenerID]Listener
	nextID       ListenerID
}

// NewDirectory creates an empty directory. With multi disabled a new
// registration evicts every earlier flow of the same user.
func NewDirectory(multi bool, logger *slog.Logger) *Directory {
	return &Directory{
		multi:        multi,
		logger:       logger.With("subsystem", "directory"),
		users:        make(map[string][]Flow),
		transactions: make(map[string]*Transaction),
		listeners:    make(map[string]map[ListenerID]Listener),
	}
}

// MultiRegistration reports whether users may hold several flows.
func (d *Directory) MultiRegistration() bool {
	return d.multi
}

// AddFlow inserts or replaces a flow for user and notifies the user's
// listeners. A zero RegisteredAt is set to the current time.
func (d *Directory) AddFlow(user string, flow Flow) {
	if flow.RegisteredAt.IsZero() {
		flow.RegisteredAt = time.Now()
	}

	d.mu.Lock()
	flows := d.users[user]
	if !d.multi {
		flows = nil
	}

	replaced := false
	for i := range flows {
		if flows[i].key() == flow.key() {
			flows[i] = flow
			replaced = true
			break
		}
	}
	if !replaced {
		flows = append(flows, flow)
	}
	d.users[user] = flows

	listeners := make([]Listener, 0, len(d.listeners[user]))
	for _, fn := range d.listeners[user] {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	d.logger.Debug("flow added",
		"user", user,
		"instance_id", flow.InstanceID,
		"reg_id", flow.RegID,
		"transport", flow.Transport,
		"flows", len(flows),
	)

	for _, fn := range listeners {
		fn(user, flow)
	}
}

// RemoveFlow deletes one flow. The user is dropped once no flows remain.
func (d *Directory) RemoveFlow(user string, key FlowKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	flows := d.users[user]
	for i := range flows {
		if flows[i].key() == key {
			flows = append(flows[:i:i], flows[i+1:]...)
			break
		}
	}
	if len(flows) == 0 {
		delete(d.users, user)
		return
	}
	d.users[user] = flows
}

// RemoveUser deletes every flow of user.
func (d *Directory) RemoveUser(user string) {
	d.mu.Lock()
	delete(d.users, user)
	d.mu.Unlock()
}

// HasUser reports whether user has at least one live flow.
func (d *Directory) HasUser(user string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users[user]) > 0
}

// GetFlows returns a copy of user's flows in the order they were first
// bound. A refresh keeps its flow's position.
func (d *Directory) GetFlows(user string) []Flow {
	d.mu.Lock()
	defer d.mu.Unlock()

	flows := d.users[user]
	if len(flows) == 0 {
		return nil
	}
	return append([]Flow(nil), flows...)
}

// Users returns a snapshot of every user and their flows.
func (d *Directory) Users() map[string][]Flow {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]Flow, len(d.users))
	for u, flows := range d.users {
		out[u] = append([]Flow(nil), flows...)
	}
	return out
}

// UserNames returns registered user names in sorted order.
func (d *Directory) UserNames() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.users))
	for u := range d.users {
		names = append(names, u)
	}
	d.mu.Unlock()

	sort.Strings(names)
	return names
}

// Count returns the number of users and the total number of flows.
func (d *Directory) Count() (users, flows int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range d.users {
		flows += len(f)
	}
	return len(d.users), flows
}

// AddListener registers fn to be called whenever a flow is added for
// user. The returned ID removes it again.
func (d *Directory) AddListener(user string, fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.listeners[user] == nil {
		d.listeners[user] = make(map[ListenerID]Listener)
	}
	d.listeners[user][id] = fn
	return id
}

// RemoveListener unregisters a listener added with AddListener.
func (d *Directory) RemoveListener(user string, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.listeners[user], id)
	if len(d.listeners[user]) == 0 {
		delete(d.listeners, user)
	}
}

// PurgeExpired removes flows whose ExpiresAt is before now and returns how
// many were removed. Flows with a zero ExpiresAt never expire.
func (d *Directory) PurgeExpired(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for user, flows := range d.users {
		kept := flows[:0]
		for _, f := range flows {
			if !f.ExpiresAt.IsZero() && f.ExpiresAt.Before(now) {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) == 0 {
			delete(d.users, user)
			continue
		}
		d.users[user] = kept
	}
	return removed
}

// RunExpiryCleanup periodically purges expired flows until ctx is done.
func (d *Directory) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	d.logger.Info("registration expiry cleanup started",
		"interval", expiryCleanupPeriod.String(),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("registration expiry cleanup stopped")
			return
		case now := <-ticker.C:
			if n := d.PurgeExpired(now); n > 0 {
				d.logger.Info("expired registrations cleaned", "count", n)
			}
		}
	}
}
