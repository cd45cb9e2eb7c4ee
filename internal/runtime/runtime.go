package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/sync/errgroup"

	"postal/internal/config"
	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/internal/pipeline"
	"postal/internal/policy"
	"postal/internal/receiving"
	"postal/internal/sending"
	"postal/internal/transport/tcp"
	apperrors "postal/pkg/errors"
	"postal/pkg/metrics"
	"postal/pkg/retry"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrNotStarted      = errors.New("runtime not started")
	ErrDraining        = apperrors.ErrDraining
)

type Options struct {
	NodeID int
	// ReplyURI is stamped on outgoing envelopes whose endpoint names none,
	// usually the listener address.
	ReplyURI   string
	Store      persistence.Store
	Handler    pipeline.Handler
	Serializer *envelope.Serializer
	// Policy settles relay failures. Defaults to policy.Default().
	Policy   *policy.Policy
	Codec    tcp.Codec
	Sender   tcp.SenderConfig
	Retry    retry.PipelineConfig
	Recovery *persistence.RecoveryAgent
	Logger   logger.Logger
}

// Endpoint is a configured local queue with its receiver and sending agent.
type Endpoint struct {
	cfg      config.EndpointConfig
	receiver receiving.Receiver
	agent    sending.Agent
}

func (e *Endpoint) Name() string                 { return e.cfg.Name }
func (e *Endpoint) Mode() string                 { return e.cfg.Mode }
func (e *Endpoint) ForwardTo() string            { return e.cfg.ForwardTo }
func (e *Endpoint) Receiver() receiving.Receiver { return e.receiver }
func (e *Endpoint) Agent() sending.Agent         { return e.agent }

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	ForwardTo  string `json:"forward_to,omitempty"`
	Active     bool   `json:"active"`
	QueueCount int    `json:"queue_count"`
}

// Runtime owns every endpoint of a node. Receivers and agents are built on
// first use, except durable ones which start with the runtime so recovery can
// resubmit their backlog.
type Runtime struct {
	opts Options
	log  logger.Logger

	configs   cmap.ConcurrentMap
	endpoints cmap.ConcurrentMap
	senders   cmap.ConcurrentMap

	mu       sync.Mutex
	ctx      context.Context
	draining bool

	drainOnce sync.Once
	drainErr  error
}

func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}
	if opts.Serializer == nil {
		opts.Serializer = envelope.NewSerializer()
	}
	if opts.Policy == nil {
		opts.Policy = policy.Default()
	}
	return &Runtime{
		opts:      opts,
		log:       opts.Logger,
		configs:   cmap.New(),
		endpoints: cmap.New(),
		senders:   cmap.New(),
	}
}

func (r *Runtime) AddEndpoint(cfg config.EndpointConfig) error {
	if cfg.Mode == "" {
		cfg.Mode = constants.ModeBuffered
	}
	if err := validateEndpoint(cfg); err != nil {
		return err
	}
	if cfg.Mode == constants.ModeDurable && r.opts.Store == nil {
		return fmt.Errorf("endpoint %s: durable mode requires a store", cfg.Name)
	}
	if cfg.ForwardTo == "" && r.opts.Handler == nil {
		return fmt.Errorf("endpoint %s: no handler configured", cfg.Name)
	}
	if cfg.ForwardTo != "" && r.opts.Codec == nil {
		return fmt.Errorf("endpoint %s: forwarding requires a codec", cfg.Name)
	}

	if !r.configs.SetIfAbsent(cfg.Name, cfg) {
		return fmt.Errorf("endpoint %s already exists", cfg.Name)
	}

	r.mu.Lock()
	started := r.ctx != nil && !r.draining
	r.mu.Unlock()
	if started && cfg.Mode == constants.ModeDurable {
		_, err := r.Endpoint(cfg.Name)
		return err
	}
	return nil
}

func validateEndpoint(cfg config.EndpointConfig) error {
	if cfg.Name == "" {
		return apperrors.ErrValidation.WithMessage("endpoint name is required")
	}
	if strings.Contains(cfg.Name, "/") {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("endpoint name %q must not contain '/'", cfg.Name))
	}
	switch cfg.Mode {
	case constants.ModeInline, constants.ModeBuffered, constants.ModeDurable:
	default:
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("endpoint %s: unknown mode %q", cfg.Name, cfg.Mode))
	}
	return nil
}

// Endpoint returns the named endpoint, building its receiver and agent on
// first use.
func (r *Runtime) Endpoint(name string) (*Endpoint, error) {
	if v, ok := r.endpoints.Get(name); ok {
		return v.(*Endpoint), nil
	}

	v, ok := r.configs.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return nil, ErrNotStarted
	}
	if r.draining {
		return nil, ErrDraining
	}
	if v, ok := r.endpoints.Get(name); ok {
		return v.(*Endpoint), nil
	}

	ep, err := r.build(r.ctx, v.(config.EndpointConfig))
	if err != nil {
		return nil, err
	}
	r.endpoints.Set(name, ep)

	if ep.cfg.Mode == constants.ModeDurable && r.opts.Recovery != nil {
		r.opts.Recovery.Register(ep.receiver)
	}
	r.log.Infow("Endpoint activated", "endpoint", name, "mode", ep.cfg.Mode, "forward_to", ep.cfg.ForwardTo)
	return ep, nil
}

func (r *Runtime) build(ctx context.Context, cfg config.EndpointConfig) (*Endpoint, error) {
	handler := r.opts.Handler
	if cfg.ForwardTo != "" {
		handler = newRelay(cfg.Name, r.sender(cfg.ForwardTo), r.opts.Policy, r.log)
	}

	log := r.log.With("endpoint", cfg.Name)
	ropts := receiving.Options{
		Address:        cfg.Name,
		NodeID:         r.opts.NodeID,
		MaxParallelism: cfg.MaxParallelism,
		QueueCapacity:  cfg.QueueCapacity,
		Handler:        handler,
		Store:          r.opts.Store,
		Retry:          r.opts.Retry,
		Logger:         log,
	}

	var (
		receiver receiving.Receiver
		err      error
	)
	switch cfg.Mode {
	case constants.ModeInline:
		receiver = receiving.NewInline(ctx, ropts)
	case constants.ModeDurable:
		receiver, err = receiving.NewDurable(ctx, ropts)
	default:
		receiver = receiving.NewBuffered(ctx, ropts)
	}
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
	}

	replyURI := cfg.ReplyURI
	if replyURI == "" {
		replyURI = r.opts.ReplyURI
	}
	aopts := sending.Options{
		Destination: cfg.Name,
		ReplyURI:    replyURI,
		NodeID:      r.opts.NodeID,
		Receiver:    receiver,
		Store:       r.opts.Store,
		Serializer:  r.opts.Serializer,
		Logger:      log,
	}

	var agent sending.Agent
	if cfg.Mode == constants.ModeDurable {
		agent, err = sending.NewDurable(aopts)
		if err != nil {
			_ = receiver.Drain(ctx)
			return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
		}
	} else {
		agent = sending.NewBuffered(aopts)
	}

	return &Endpoint{cfg: cfg, receiver: receiver, agent: agent}, nil
}

func (r *Runtime) sender(address string) *tcp.Sender {
	v := r.senders.Upsert(address, nil, func(exist bool, inMap, _ interface{}) interface{} {
		if exist {
			return inMap
		}
		return tcp.NewSender(address, r.opts.Codec, r.opts.Sender, r.log)
	})
	return v.(*tcp.Sender)
}

// Send hands env to the named endpoint's sending agent.
func (r *Runtime) Send(ctx context.Context, destination string, env *envelope.Envelope) error {
	ep, err := r.Endpoint(destination)
	if err != nil {
		return err
	}
	env.Destination = destination
	return ep.agent.Send(ctx, env)
}

// Receiver resolves the local receiver for an inbound destination. It is the
// lookup the TCP listener uses.
func (r *Runtime) Receiver(destination string) (receiving.Receiver, bool) {
	ep, err := r.Endpoint(destination)
	if err != nil {
		if v, ok := r.endpoints.Get(destination); ok {
			return v.(*Endpoint).receiver, true
		}
		return nil, false
	}
	return ep.receiver, true
}

// Start activates durable endpoints and starts recovery. Everything else is
// activated lazily.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.ctx = ctx
	r.mu.Unlock()

	for _, name := range r.configs.Keys() {
		v, _ := r.configs.Get(name)
		if v.(config.EndpointConfig).Mode != constants.ModeDurable {
			continue
		}
		if _, err := r.Endpoint(name); err != nil {
			return err
		}
	}

	if r.opts.Recovery != nil {
		if err := r.opts.Recovery.Start(ctx); err != nil {
			return fmt.Errorf("start recovery: %w", err)
		}
	}

	r.log.Infow("Runtime started", "node_id", r.opts.NodeID, "endpoints", r.configs.Count())
	return nil
}

// Status lists every configured endpoint, active or not, sorted by name.
func (r *Runtime) Status() []EndpointStatus {
	names := r.configs.Keys()
	sort.Strings(names)

	out := make([]EndpointStatus, 0, len(names))
	for _, name := range names {
		v, _ := r.configs.Get(name)
		cfg := v.(config.EndpointConfig)
		status := EndpointStatus{Name: cfg.Name, Mode: cfg.Mode, ForwardTo: cfg.ForwardTo}

		if ep, ok := r.endpoints.Get(name); ok {
			status.Active = true
			status.QueueCount = ep.(*Endpoint).receiver.QueueCount()
			metrics.SetQueueSize(name, status.QueueCount)
		}
		out = append(out, status)
	}
	return out
}

// Drain stops recovery, then every sending agent, then every receiver, and
// finally closes outbound connections. It is idempotent.
func (r *Runtime) Drain(ctx context.Context) error {
	r.drainOnce.Do(func() {
		r.mu.Lock()
		r.draining = true
		r.mu.Unlock()

		if r.opts.Recovery != nil {
			r.opts.Recovery.Stop()
		}

		endpoints := r.active()

		var agents errgroup.Group
		for _, ep := range endpoints {
			agents.Go(func() error {
				if err := ep.agent.Drain(ctx); err != nil {
					return fmt.Errorf("drain agent %s: %w", ep.Name(), err)
				}
				return nil
			})
		}
		agentErr := agents.Wait()

		var receivers errgroup.Group
		for _, ep := range endpoints {
			receivers.Go(func() error {
				if err := ep.receiver.Drain(ctx); err != nil {
					return fmt.Errorf("drain receiver %s: %w", ep.Name(), err)
				}
				return nil
			})
		}
		receiverErr := receivers.Wait()

		for item := range r.senders.IterBuffered() {
			_ = item.Val.(*tcp.Sender).Close()
		}

		r.drainErr = errors.Join(agentErr, receiverErr)
		if r.drainErr != nil {
			r.log.Errorw("Runtime drain incomplete", "error", r.drainErr)
		} else {
			r.log.Infow("Runtime drained", "endpoints", len(endpoints))
		}
	})
	return r.drainErr
}

func (r *Runtime) active() []*Endpoint {
	out := make([]*Endpoint, 0, r.endpoints.Count())
	for item := range r.endpoints.IterBuffered() {
		out = append(out, item.Val.(*Endpoint))
	}
	return out
}
