// Package hastates mirrors Home Assistant entity states through a
// coordinator. A full get_states poll keeps the snapshot honest and
// state_changed events are pushed in between.
package hastates

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/ha"
	"hacoordinator/pkg/integration"

	"go.uber.org/zap"
)

// Name is the integration domain used in config entries.
const Name = "hastates"

// DefaultUpdateInterval is used when the entry sets no interval.
const DefaultUpdateInterval = 5 * time.Minute

// States is the coordinator data: the latest state of every mirrored
// entity, keyed by entity id.
type States map[string]ha.State

// Options are the entry options of the integration.
type Options struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	Domains        []string      `yaml:"domains"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Integration is one connection to a Home Assistant instance.
type Integration struct {
	ctx     *integration.Context
	opts    Options
	client  ha.HAClient
	coord   *coordinator.Coordinator[States]
	logger  *zap.Logger
	pushMu  sync.Mutex
	subMu   sync.Mutex
	sub     ha.Subscription
	domains map[string]bool
}

// Factory builds the integration with a WebSocket client from the options.
func Factory(ctx *integration.Context) (integration.Integration, error) {
	opts, err := decodeOptions(ctx)
	if err != nil {
		return nil, err
	}

	var clientOpts []ha.ClientOption
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, ha.WithRequestTimeout(opts.RequestTimeout))
	}
	client := ha.NewClient(opts.URL, opts.Token, ctx.Logger.Named("ha"), clientOpts...)
	return newIntegration(ctx, opts, client)
}

// New builds the integration around an existing client.
func New(ctx *integration.Context, client ha.HAClient) (*Integration, error) {
	opts, err := decodeOptions(ctx)
	if err != nil {
		return nil, err
	}
	return newIntegration(ctx, opts, client)
}

func decodeOptions(ctx *integration.Context) (Options, error) {
	var opts Options
	if err := ctx.DecodeOptions(&opts); err != nil {
		return opts, err
	}
	if opts.URL == "" {
		return opts, coordinator.ConfigError(fmt.Errorf("%s: url is required", ctx.Title))
	}
	if opts.Token == "" {
		return opts, coordinator.ConfigError(fmt.Errorf("%s: token is required", ctx.Title))
	}
	return opts, nil
}

func newIntegration(ctx *integration.Context, opts Options, client ha.HAClient) (*Integration, error) {
	i := &Integration{
		ctx:     ctx,
		opts:    opts,
		client:  client,
		logger:  ctx.Logger,
		domains: make(map[string]bool, len(opts.Domains)),
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	for _, d := range opts.Domains {
		i.domains[d] = true
	}

	extra := []integration.Option{
		coordinator.WithSetup(i.connect),
		coordinator.WithSkipUnchanged(equalStates),
	}
	if ctx.UpdateInterval <= 0 {
		extra = append(extra, coordinator.WithUpdateInterval(DefaultUpdateInterval))
	}

	coord, err := coordinator.New(ctx.Title, i.fetch, ctx.CoordinatorOptions(extra...)...)
	if err != nil {
		return nil, err
	}
	i.coord = coord
	return i, nil
}

// Name returns the integration domain.
func (i *Integration) Name() string { return Name }

// Coordinator returns the states coordinator.
func (i *Integration) Coordinator() *coordinator.Coordinator[States] { return i.coord }

// Coordinators implements integration.Integration.
func (i *Integration) Coordinators() []coordinator.Managed {
	return []coordinator.Managed{i.coord}
}

// Setup connects and loads the first snapshot.
func (i *Integration) Setup(ctx context.Context) error {
	return i.coord.FirstRefresh(ctx)
}

// Unload drops the event subscription and closes the connection.
func (i *Integration) Unload(ctx context.Context) error {
	i.subMu.Lock()
	sub := i.sub
	i.sub = nil
	i.subMu.Unlock()

	var errs []error
	if sub != nil {
		errs = append(errs, sub.Unsubscribe())
	}
	if i.client.IsConnected() {
		errs = append(errs, i.client.Disconnect())
	}
	return errors.Join(errs...)
}

func (i *Integration) connect(ctx context.Context) error {
	if !i.client.IsConnected() {
		if err := i.client.Connect(ctx); err != nil {
			return classify(err)
		}
	}

	sub, err := i.client.SubscribeStateChanges(ha.AllEntities, i.handleStateChange)
	if err != nil {
		return classify(err)
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()
	i.logger.Info("Connected to Home Assistant", zap.String("url", i.opts.URL))
	return nil
}

func (i *Integration) fetch(ctx context.Context) (States, error) {
	all, err := i.client.GetAllStates(ctx)
	if err != nil {
		return nil, classify(err)
	}

	states := make(States, len(all))
	for _, s := range all {
		if s == nil || !i.wanted(s.EntityID) {
			continue
		}
		states[s.EntityID] = *s
	}
	return states, nil
}

func (i *Integration) handleStateChange(entityID string, _, newState *ha.State) {
	if !i.wanted(entityID) {
		return
	}

	i.pushMu.Lock()
	defer i.pushMu.Unlock()

	current, ok := i.coord.Data()
	if !ok {
		// No baseline yet; the first poll will pick the change up
		return
	}

	next := maps.Clone(current)
	if newState == nil {
		if _, exists := next[entityID]; !exists {
			return
		}
		delete(next, entityID)
	} else {
		next[entityID] = *newState
	}
	i.coord.SetUpdatedData(next)
}

func (i *Integration) wanted(entityID string) bool {
	if len(i.domains) == 0 {
		return true
	}
	domain, _, _ := strings.Cut(entityID, ".")
	return i.domains[domain]
}

// classify maps client errors onto coordinator failure markers. Errors it
// does not know are left for coordinator.Classify.
func classify(err error) error {
	switch {
	case errors.Is(err, ha.ErrAuthInvalid):
		return coordinator.AuthFailed(err)
	case errors.Is(err, ha.ErrResponseTimeout):
		return coordinator.Timeout(err)
	case errors.Is(err, ha.ErrNotConnected), errors.Is(err, ha.ErrDisconnected):
		return coordinator.Transport(err)
	case errors.Is(err, ha.ErrRequestFailed), errors.Is(err, ha.ErrProtocol):
		return coordinator.UpdateFailed(err)
	default:
		return err
	}
}

// equalStates treats two snapshots as equal when every entity carries the
// same state and last_updated timestamp.
func equalStates(a, b States) bool {
	return maps.EqualFunc(a, b, func(x, y ha.State) bool {
		return x.State == y.State && x.LastUpdated.Equal(y.LastUpdated)
	})
}

// EntityIDs returns the mirrored entity ids in order.
func (s States) EntityIDs() []string {
	return slices.Sorted(maps.Keys(s))
}
