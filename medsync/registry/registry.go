package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/medsync/medsync-app/log"
	"github.com/medsync/medsync-app/medsync/client"
	"github.com/medsync/medsync-app/medsync/models"
)

// ConnectionStore is the slice of persistence the registry needs. The
// postgres repository satisfies it.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn models.Connection) (*models.Connection, error)
	GetActiveConnection(ctx context.Context, userID, integration string) (*models.Connection, error)
	DeactivateConnections(ctx context.Context, userID, integration string) (int64, error)
}

// Registry maps integration names onto configured FHIR clients and manages
// the connection lifecycle against the store. Registering a name twice
// replaces the previous client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client.Client

	store  ConnectionStore
	logger logrus.FieldLogger
}

// IntegrationStatus is one row of the registry's health surface.
type IntegrationStatus struct {
	Name          string              `json:"name"`
	Circuit       client.BreakerState `json:"circuit"`
	Authenticated bool                `json:"authenticated"`
}

func New(store ConnectionStore) *Registry {
	return &Registry{
		clients: make(map[string]*client.Client),
		store:   store,
		logger:  log.Registry,
	}
}

// AddIntegration builds a client from cfg and registers it under the
// configured integration name, replacing any prior registration.
func (r *Registry) AddIntegration(cfg client.Config) *client.Client {
	c := client.NewClient(cfg)

	r.mu.Lock()
	if _, ok := r.clients[cfg.Integration]; ok {
		r.logger.WithField("integration", cfg.Integration).Warn("Replacing registered integration")
	}
	r.clients[cfg.Integration] = c
	r.mu.Unlock()

	return c
}

// Client returns the registered client for an integration name.
func (r *Registry) Client(integration string) (*client.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[integration]
	if !ok {
		return nil, errors.Errorf("no integration registered under %s", integration)
	}
	return c, nil
}

// ListIntegrations returns the registered integration names in sorted order.
func (r *Registry) ListIntegrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports every registered integration with its circuit state and
// whether it currently holds a live token.
func (r *Registry) Status() []IntegrationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]IntegrationStatus, 0, len(r.clients))
	for name, c := range r.clients {
		statuses = append(statuses, IntegrationStatus{
			Name:          name,
			Circuit:       c.BreakerState(),
			Authenticated: c.Token() != nil,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Connect persists a new active connection for (user, integration) carrying
// the token's session and launch context. The store deactivates prior active
// rows in the same transaction, so a user holds at most one active
// connection per integration. The integration's client adopts the token.
func (r *Registry) Connect(ctx context.Context, userID, integration string, token *models.Token) (*models.Connection, error) {
	c, err := r.Client(integration)
	if err != nil {
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		return nil, errors.Errorf("cannot connect %s to %s without a token", userID, integration)
	}

	conn, err := r.store.CreateConnection(ctx, models.Connection{
		UserID:       userID,
		Integration:  integration,
		Scope:        token.Scope,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		PatientID:    token.PatientID,
		EncounterID:  token.EncounterID,
		FHIRUserID:   token.UserID,
		Active:       true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to persist connection for %s/%s", userID, integration)
	}

	c.SetToken(token)
	r.logger.WithFields(logrus.Fields{
		"integration":   integration,
		"connection_id": conn.ID,
	}).Info("Connection established")
	return conn, nil
}

// ActiveConnection resolves the caller's active connection and a client
// session for it. The session holds the connection's stored token; the
// registered client is never mutated, so two users of one integration
// cannot adopt each other's credentials.
func (r *Registry) ActiveConnection(ctx context.Context, userID, integration string) (*models.Connection, *client.Client, error) {
	c, err := r.Client(integration)
	if err != nil {
		return nil, nil, err
	}
	conn, err := r.store.GetActiveConnection(ctx, userID, integration)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "no active connection for %s/%s", userID, integration)
	}
	return conn, c.Session(conn.Token()), nil
}

// Disconnect deactivates the user's connections to an integration. Rows stay
// in the store for audit; nothing is deleted.
func (r *Registry) Disconnect(ctx context.Context, userID, integration string) error {
	n, err := r.store.DeactivateConnections(ctx, userID, integration)
	if err != nil {
		return errors.Wrapf(err, "failed to disconnect %s from %s", userID, integration)
	}
	if n == 0 {
		return errors.Errorf("no active connection for %s/%s", userID, integration)
	}
	r.logger.WithFields(logrus.Fields{
		"integration": integration,
		"connections": n,
	}).Info("Connection deactivated")
	return nil
}

// TestConnection proves out transport, authentication, and endpoint health
// for an integration by fetching its CapabilityStatement.
func (r *Registry) TestConnection(ctx context.Context, integration string) error {
	c, err := r.Client(integration)
	if err != nil {
		return err
	}
	capability, err := c.Metadata(ctx)
	if err != nil {
		return errors.Wrapf(err, "connection test failed for %s", integration)
	}
	if rt, _ := capability["resourceType"].(string); rt != "CapabilityStatement" {
		return errors.Errorf("connection test for %s returned unexpected resource %q", integration, rt)
	}
	return nil
}
