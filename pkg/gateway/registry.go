package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// Config groups every provider's settings. A provider is enabled when any of
// its credentials is set; a partially configured provider fails startup.
type Config struct {
	ECPay    ECPayConfig
	NewebPay NewebPayConfig
	Stripe   StripeConfig
	Paddle   PaddleConfig
	Manual   ManualConfig
	Breaker  BreakerConfig

	// HTTPTimeout bounds every outbound provider request.
	HTTPTimeout time.Duration `env:"GATEWAY_HTTP_TIMEOUT" envDefault:"15s"`
}

// Registry resolves providers to gateways.
type Registry struct {
	gateways map[Provider]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Provider]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	return r
}

// FromConfig builds every enabled gateway, each wrapped in a circuit breaker.
func FromConfig(cfg Config, log *slog.Logger) (*Registry, error) {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	var gateways []Gateway

	if cfg.ECPay.enabled() {
		g, err := NewECPay(cfg.ECPay, client)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	if cfg.NewebPay.enabled() {
		g, err := NewNewebPay(cfg.NewebPay, client)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	if cfg.Stripe.enabled() {
		g, err := NewStripe(cfg.Stripe, client)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	if cfg.Paddle.enabled() {
		g, err := NewPaddle(cfg.Paddle)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}
	if cfg.Manual.Enabled {
		g, err := NewManual(cfg.Manual)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}

	for i, g := range gateways {
		gateways[i] = WithBreaker(g, cfg.Breaker, log)
	}
	return NewRegistry(gateways...), nil
}

func (r *Registry) Get(p Provider) (Gateway, error) {
	g, ok := r.gateways[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, p)
	}
	return g, nil
}

// Providers lists enabled providers in sorted order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
