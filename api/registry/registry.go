package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleet/api/events"
	"fleet/api/model"
)

// Store is the durable side of the registry. Every method is individually
// atomic; lookups return nil, nil when the row does not exist.
type Store interface {
	CreateToken(ctx context.Context, tok *model.RegistrationToken, tokenHash string, node *model.Node) error
	// ConsumeToken marks an unused, unexpired token as used and promotes its
	// provisioning node to online with the given capacity and secret, in one
	// transaction. It returns model.ErrInvalidToken when no such token exists.
	ConsumeToken(ctx context.Context, tokenHash string, reg model.Registration, secret string, now time.Time) (*model.Node, error)

	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context, f NodeFilter) ([]model.Node, error)
	// RecordHeartbeat stores usage and last_heartbeat. A node that was offline
	// comes back online; wasOffline reports that case.
	RecordHeartbeat(ctx context.Context, id string, u model.Usage, at time.Time) (node *model.Node, wasOffline bool, err error)
	// MarkNodeOnline moves an offline node to online and returns it, or nil if
	// the node was not offline.
	MarkNodeOnline(ctx context.Context, id string, at time.Time) (*model.Node, error)
	// MarkNodeOffline moves an online node to offline and returns it, or nil if
	// nothing changed. A non-zero staleBefore additionally requires
	// last_heartbeat to be older than it.
	MarkNodeOffline(ctx context.Context, id string, at, staleBefore time.Time) (*model.Node, error)
	// StaleNodes lists online, not disabled nodes whose last heartbeat is older than cutoff.
	StaleNodes(ctx context.Context, cutoff time.Time) ([]model.Node, error)
	SetNodeOverride(ctx context.Context, id string, o model.NodeOverride, at time.Time) (*model.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

type NodeFilter struct {
	Region string
	Status model.NodeStatus
}

type Options struct {
	TokenTTL   time.Duration
	// SessionTTL caps the lifetime (exp - iat) of session tokens workers mint.
	SessionTTL time.Duration
	Notifier   events.Notifier
	Now        func() time.Time
}

type Registry struct {
	store      Store
	notifier   events.Notifier
	tokenTTL   time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func New(store Store, opts Options) *Registry {
	r := &Registry{
		store:      store,
		notifier:   opts.Notifier,
		tokenTTL:   opts.TokenTTL,
		sessionTTL: opts.SessionTTL,
		now:        opts.Now,
	}
	if r.notifier == nil {
		r.notifier = events.Discard{}
	}
	if r.tokenTTL == 0 {
		r.tokenTTL = 24 * time.Hour
	}
	if r.sessionTTL == 0 {
		r.sessionTTL = 24 * time.Hour
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// IssueRegistrationToken creates a single-use token and the provisioning node
// it will turn into. The plaintext token is only returned here.
func (r *Registry) IssueRegistrationToken(ctx context.Context, org, region, name string) (*model.RegistrationToken, error) {
	secret, err := randomHex(24)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := r.now()
	node := &model.Node{
		ID:        uuid.New().String(),
		Name:      name,
		Org:       org,
		Region:    region,
		Status:    model.NodeProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tok := &model.RegistrationToken{
		Token:     secret,
		NodeID:    node.ID,
		Org:       org,
		Region:    region,
		ExpiresAt: now.Add(r.tokenTTL),
		CreatedAt: now,
	}
	if err := r.store.CreateToken(ctx, tok, HashToken(secret), node); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	log.Info().Str("component", "registry").Str("node", node.ID).Str("region", region).Msg("registration token issued")
	return tok, nil
}

// CompleteRegistration redeems a token. The returned secret is not retrievable
// through any other call.
func (r *Registry) CompleteRegistration(ctx context.Context, reg model.Registration) (*model.Node, string, error) {
	if reg.Token == "" {
		return nil, "", model.ErrInvalidToken
	}
	if !reg.Capacity().Valid() {
		return nil, "", model.ErrInvalidCapacity
	}
	secret, err := randomHex(32)
	if err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	node, err := r.store.ConsumeToken(ctx, HashToken(reg.Token), reg, secret, r.now())
	if err != nil {
		return nil, "", err
	}
	log.Info().Str("component", "registry").Str("node", node.ID).Str("region", node.Region).Msg("node registered")
	return node, secret, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Node, error) {
	return r.store.GetNode(ctx, id)
}

func (r *Registry) List(ctx context.Context, region string) ([]model.Node, error) {
	return r.store.ListNodes(ctx, NodeFilter{Region: region})
}

// ListOnline returns online nodes in region, or in every region when region is empty.
func (r *Registry) ListOnline(ctx context.Context, region string) ([]model.Node, error) {
	return r.store.ListNodes(ctx, NodeFilter{Region: region, Status: model.NodeOnline})
}

// Heartbeat records a usage snapshot. It never changes liveness except to
// bring an offline node back online.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, hb model.Heartbeat) error {
	node, wasOffline, err := r.store.RecordHeartbeat(ctx, nodeID, hb.Usage(), r.now())
	if err != nil {
		return err
	}
	if node == nil {
		return model.ErrUnknownNode
	}
	if wasOffline {
		r.notify(ctx, events.NodeOnline, node, "heartbeat")
	}
	return nil
}

// MarkOnline is applied when a node opens an authenticated session.
func (r *Registry) MarkOnline(ctx context.Context, nodeID string) error {
	node, err := r.store.MarkNodeOnline(ctx, nodeID, r.now())
	if err != nil {
		return err
	}
	if node != nil {
		r.notify(ctx, events.NodeOnline, node, "connected")
	}
	return nil
}

// MarkOffline is idempotent. It reports whether this call made the
// transition; only then is an alert emitted.
func (r *Registry) MarkOffline(ctx context.Context, nodeID, reason string) (bool, error) {
	node, err := r.store.MarkNodeOffline(ctx, nodeID, r.now(), time.Time{})
	if err != nil {
		return false, err
	}
	if node == nil {
		return false, nil
	}
	r.notify(ctx, events.NodeOffline, node, reason)
	return true, nil
}

// SweepStale demotes every node whose last heartbeat is older than timeout
// and returns the nodes that were transitioned by this sweep.
func (r *Registry) SweepStale(ctx context.Context, timeout time.Duration) ([]model.Node, error) {
	now := r.now()
	cutoff := now.Add(-timeout)
	stale, err := r.store.StaleNodes(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var demoted []model.Node
	for _, n := range stale {
		// The cutoff guard drops nodes whose heartbeat landed after the scan.
		node, err := r.store.MarkNodeOffline(ctx, n.ID, now, cutoff)
		if err != nil {
			log.Error().Err(err).Str("component", "registry").Str("node", n.ID).Msg("mark offline")
			continue
		}
		if node == nil {
			continue
		}
		r.notify(ctx, events.NodeOffline, node, events.ReasonHeartbeatTimeout)
		demoted = append(demoted, *node)
	}
	return demoted, nil
}

func (r *Registry) SetOverride(ctx context.Context, nodeID string, o model.NodeOverride) (*model.Node, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("override %q: %w", o, model.ErrInvalidOverride)
	}
	node, err := r.store.SetNodeOverride(ctx, nodeID, o, r.now())
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, model.ErrUnknownNode
	}
	log.Info().Str("component", "registry").Str("node", nodeID).Str("override", string(o)).Msg("override set")
	return node, nil
}

// Remove deletes the node row. Callers drain or cancel its tasks first.
func (r *Registry) Remove(ctx context.Context, nodeID string) error {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return model.ErrUnknownNode
	}
	if err := r.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	log.Info().Str("component", "registry").Str("node", nodeID).Msg("node removed")
	return nil
}

// VerifySession validates a session token against the stored secret of the
// node it claims to be. Any failure is reported as model.ErrAuthFailed.
func (r *Registry) VerifySession(ctx context.Context, nodeID, token string) (*model.Node, error) {
	if nodeID == "" || token == "" {
		return nil, model.ErrAuthFailed
	}
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Secret == "" {
		return nil, model.ErrAuthFailed
	}
	if err := parseSession(token, nodeID, node.Secret, r.now(), r.sessionTTL); err != nil {
		log.Warn().Err(err).Str("component", "registry").Str("node", nodeID).Msg("session rejected")
		return nil, model.ErrAuthFailed
	}
	return node, nil
}

func (r *Registry) notify(ctx context.Context, typ events.Type, node *model.Node, reason string) {
	r.notifier.Notify(ctx, events.Event{
		Type:   typ,
		NodeID: node.ID,
		Region: node.Region,
		Reason: reason,
		At:     r.now(),
	})
}
